// Package syncer moves local changes to the remote authority and folds the
// authority's state back into the ledger.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/metrics"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/syncq"
)

var (
	ErrOffline       = errors.New("sync engine is offline")
	ErrNotConfigured = errors.New("no remote authority configured")
)

// Ledger is what the engine needs from the local state owner.
type Ledger interface {
	Snapshot(limit int) domain.Snapshot
	BusinessConfig() domain.BusinessConfig
	MergeRemote(ctx context.Context, snap domain.Snapshot) error
}

type Options struct {
	Interval    time.Duration
	HTTPTimeout time.Duration
	// BackOfficeURL and BackOfficeAPIKey are used when the business setup names none.
	BackOfficeURL    string
	BackOfficeAPIKey string
	Dialer           Dialer
	HTTPClient       *http.Client
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

type Status struct {
	Online    bool       `json:"online"`
	Pending   int        `json:"pending"`
	LastPush  *time.Time `json:"lastPush,omitempty"`
	LastPull  *time.Time `json:"lastPull,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

// Engine runs one sync step at a time; pushes, pulls and cycles never overlap.
type Engine struct {
	ledger  Ledger
	queue   *syncq.Queue
	opts    Options
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics

	online atomic.Bool
	wake   chan struct{}
	cycle  sync.Mutex

	connMu  sync.Mutex
	conn    store.DocumentStore
	connURI string

	stateMu   sync.Mutex
	lastPush  time.Time
	lastPull  time.Time
	lastError string
}

func New(ledger Ledger, queue *syncq.Queue, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 15 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = DialByScheme
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.HTTPTimeout}
	}

	e := &Engine{
		ledger:  ledger,
		queue:   queue,
		opts:    opts,
		client:  client,
		logger:  opts.Logger.Named("sync"),
		metrics: opts.Metrics,
		wake:    make(chan struct{}, 1),
	}
	e.online.Store(true)
	return e
}

// SetOnline records connectivity. Coming back online wakes Run for an immediate cycle.
func (e *Engine) SetOnline(online bool) {
	if was := e.online.Swap(online); !was && online {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) Online() bool {
	return e.online.Load()
}

func (e *Engine) Status() Status {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	status := Status{
		Online:    e.online.Load(),
		Pending:   e.queue.Len(),
		LastError: e.lastError,
	}
	if !e.lastPush.IsZero() {
		at := e.lastPush
		status.LastPush = &at
	}
	if !e.lastPull.IsZero() {
		at := e.lastPull
		status.LastPull = &at
	}
	return status
}

// Run drains the queue whenever it is notified and runs a full cycle on every tick.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	defer e.Close()

	e.logger.Info("sync loop started", zap.Duration("interval", e.opts.Interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync loop stopped")
			return
		case <-e.queue.Notify():
			if err := e.ProcessQueue(ctx); err != nil && !quiet(err) {
				e.logger.Warn("queue push failed", zap.Error(err))
			}
		case <-e.wake:
			e.Cycle(ctx)
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle is the periodic backstop: retry the backlog, re-assert the full
// local state, then pull. It does nothing while offline or unconfigured.
func (e *Engine) Cycle(ctx context.Context) {
	e.cycle.Lock()
	defer e.cycle.Unlock()

	if !e.online.Load() {
		e.logger.Debug("cycle skipped: offline")
		return
	}
	if !e.configured(e.ledger.BusinessConfig()) {
		e.logger.Debug("cycle skipped: no remote authority configured")
		return
	}

	if e.queue.Len() > 0 {
		if err := e.processQueueLocked(ctx); err != nil {
			e.logger.Warn("queue push failed", zap.Error(err))
		}
	}
	if err := e.pushFullLocked(ctx); err != nil {
		e.logger.Warn("full push failed", zap.Error(err))
	}
	if err := e.pullLocked(ctx); err != nil {
		e.logger.Warn("pull failed", zap.Error(err))
	}
}

// ProcessQueue pushes pending operations. A database push re-asserts the
// whole local state; otherwise the captured batch goes to the back office
// over HTTP. A failed attempt puts the batch back in front of the queue.
// A successful push is followed by a pull.
func (e *Engine) ProcessQueue(ctx context.Context) error {
	e.cycle.Lock()
	defer e.cycle.Unlock()
	return e.processQueueLocked(ctx)
}

func (e *Engine) processQueueLocked(ctx context.Context) error {
	if !e.online.Load() || e.queue.Len() == 0 {
		return nil
	}
	cfg := e.ledger.BusinessConfig()

	var dbErr error
	if uri := strings.TrimSpace(cfg.MongoDBURI); uri != "" {
		batch := e.queue.Take()
		if dbErr = e.pushDatabase(ctx, uri); dbErr == nil {
			e.pushed(len(batch), "database")
			e.pullAfterPush(ctx)
			return nil
		}
		e.queue.Restore(batch)
		e.failed(dbErr)
		e.logger.Warn("database push failed, falling back to http", zap.Error(dbErr))
	}

	base, key := endpoint(cfg, e.opts.BackOfficeURL, e.opts.BackOfficeAPIKey, false)
	if base == "" || key == "" {
		if dbErr != nil {
			return dbErr
		}
		return ErrNotConfigured
	}

	batch := e.queue.Take()
	if len(batch) == 0 {
		return nil
	}
	started := time.Now()
	err := e.backOffice(base, key).pushOperations(ctx, batch)
	e.metrics.ObservePush("http", started, err)
	if err != nil {
		e.queue.Restore(batch)
		e.failed(err)
		return fmt.Errorf("push %d operations: %w", len(batch), err)
	}
	e.pushed(len(batch), "http")
	e.pullAfterPush(ctx)
	return nil
}

// PushFull re-asserts the complete local state on the remote authority.
func (e *Engine) PushFull(ctx context.Context) error {
	e.cycle.Lock()
	defer e.cycle.Unlock()

	if !e.online.Load() {
		return ErrOffline
	}
	return e.pushFullLocked(ctx)
}

func (e *Engine) pushFullLocked(ctx context.Context) error {
	cfg := e.ledger.BusinessConfig()

	var dbErr error
	if uri := strings.TrimSpace(cfg.MongoDBURI); uri != "" {
		if dbErr = e.pushDatabase(ctx, uri); dbErr == nil {
			e.pushed(0, "database")
			return nil
		}
		e.failed(dbErr)
		e.logger.Warn("database push failed, falling back to http", zap.Error(dbErr))
	}

	base, key := endpoint(cfg, e.opts.BackOfficeURL, e.opts.BackOfficeAPIKey, true)
	if base == "" || key == "" {
		if dbErr != nil {
			return dbErr
		}
		return ErrNotConfigured
	}

	started := time.Now()
	err := e.backOffice(base, key).pushFull(ctx, e.ledger.Snapshot(0).FullState())
	e.metrics.ObservePush("full", started, err)
	if err != nil {
		e.failed(err)
		return fmt.Errorf("full push: %w", err)
	}
	e.pushed(0, "full")
	return nil
}

// Pull fetches the authority's state and merges it into the ledger. A failed
// pull leaves local state untouched.
func (e *Engine) Pull(ctx context.Context) error {
	e.cycle.Lock()
	defer e.cycle.Unlock()

	if !e.online.Load() {
		return ErrOffline
	}
	return e.pullLocked(ctx)
}

func (e *Engine) pullAfterPush(ctx context.Context) {
	if err := e.pullLocked(ctx); err != nil && !quiet(err) {
		e.logger.Warn("pull after push failed", zap.Error(err))
	}
}

func (e *Engine) pullLocked(ctx context.Context) error {
	cfg := e.ledger.BusinessConfig()

	var dbErr error
	if uri := strings.TrimSpace(cfg.MongoDBURI); uri != "" {
		started := time.Now()
		snap, err := e.pullDatabase(ctx, uri)
		e.metrics.ObservePull("database", started, err)
		if err == nil {
			return e.merge(ctx, snap)
		}
		dbErr = err
		e.failed(err)
		e.logger.Warn("database pull failed, falling back to http", zap.Error(err))
	}

	base, key := endpoint(cfg, e.opts.BackOfficeURL, e.opts.BackOfficeAPIKey, false)
	if base == "" || key == "" {
		if dbErr != nil {
			return dbErr
		}
		return ErrNotConfigured
	}

	started := time.Now()
	snap, err := e.backOffice(base, key).pull(ctx)
	e.metrics.ObservePull("http", started, err)
	if err != nil {
		e.failed(err)
		return fmt.Errorf("pull: %w", err)
	}
	return e.merge(ctx, snap)
}

func (e *Engine) merge(ctx context.Context, snap domain.Snapshot) error {
	if err := e.ledger.MergeRemote(ctx, snap); err != nil {
		e.failed(err)
		return fmt.Errorf("merge pulled state: %w", err)
	}

	e.stateMu.Lock()
	e.lastPull = e.opts.Now()
	e.lastError = ""
	e.stateMu.Unlock()

	e.logger.Debug("pulled remote state",
		zap.Int("products", len(snap.Products)),
		zap.Int("customers", len(snap.CreditCustomers)),
	)
	return nil
}

// pushDatabase upserts every local collection by natural key. Repeating it
// with unchanged local state leaves the remote documents unchanged.
func (e *Engine) pushDatabase(ctx context.Context, uri string) (err error) {
	started := time.Now()
	defer func() { e.metrics.ObservePush("database", started, err) }()

	conn, err := e.documentStore(ctx, uri)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			e.dropConn()
		}
	}()

	snap := e.ledger.Snapshot(0)
	batches := []struct {
		c    remoteCollection
		docs func() ([]store.Document, error)
	}{
		{remoteProducts, func() ([]store.Document, error) { return documents(remoteProducts, snap.Products, nil) }},
		{remoteUsers, func() ([]store.Document, error) { return documents(remoteUsers, snap.Users, nil) }},
		{remoteExpenses, func() ([]store.Document, error) { return documents(remoteExpenses, snap.Expenses, expenseToRemote) }},
		{remoteSalaries, func() ([]store.Document, error) { return documents(remoteSalaries, snap.Salaries, nil) }},
		{remoteTransactions, func() ([]store.Document, error) {
			return documents(remoteTransactions, snap.Transactions, transactionToRemote)
		}},
		{remoteCustomers, func() ([]store.Document, error) { return documents(remoteCustomers, snap.CreditCustomers, nil) }},
	}
	for _, b := range batches {
		docs, err := b.docs()
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			continue
		}
		if err := conn.UpsertMany(ctx, b.c.name, b.c.key, docs); err != nil {
			return fmt.Errorf("upsert %s: %w", b.c.name, err)
		}
	}
	return nil
}

func (e *Engine) pullDatabase(ctx context.Context, uri string) (snap domain.Snapshot, err error) {
	conn, err := e.documentStore(ctx, uri)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer func() {
		if err != nil {
			e.dropConn()
		}
	}()

	find := func(c remoteCollection, opts store.FindOptions) ([]store.Document, error) {
		docs, err := conn.Find(ctx, c.name, opts)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", c.name, err)
		}
		return docs, nil
	}
	newest := store.FindOptions{SortBy: "date", Limit: remoteListLimit}

	products, err := find(remoteProducts, store.FindOptions{})
	if err != nil {
		return domain.Snapshot{}, err
	}
	users, err := find(remoteUsers, store.FindOptions{})
	if err != nil {
		return domain.Snapshot{}, err
	}
	expenses, err := find(remoteExpenses, newest)
	if err != nil {
		return domain.Snapshot{}, err
	}
	salaries, err := find(remoteSalaries, newest)
	if err != nil {
		return domain.Snapshot{}, err
	}
	customers, err := find(remoteCustomers, store.FindOptions{})
	if err != nil {
		return domain.Snapshot{}, err
	}

	snap = domain.Snapshot{
		Products:        records[domain.Product](remoteProducts, products, productFromRemote),
		Users:           records[domain.User](remoteUsers, users, nil),
		Expenses:        records[domain.Expense](remoteExpenses, expenses, expenseFromRemote),
		Salaries:        records[domain.Salary](remoteSalaries, salaries, nil),
		CreditCustomers: records[domain.CreditCustomer](remoteCustomers, customers, nil),
	}

	settings, err := conn.FindOne(ctx, remoteBusinessSettings)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return domain.Snapshot{}, fmt.Errorf("find %s: %w", remoteBusinessSettings, err)
	default:
		if snap.BusinessSetup, err = businessFromRemote(settings); err != nil {
			return domain.Snapshot{}, err
		}
	}
	return snap, nil
}

// documentStore returns the cached connection, redialing when the URI changed.
func (e *Engine) documentStore(ctx context.Context, uri string) (store.DocumentStore, error) {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	if e.conn != nil && e.connURI == uri {
		return e.conn, nil
	}
	if e.conn != nil {
		_ = e.conn.Close(ctx)
		e.conn = nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.opts.HTTPTimeout)
	defer cancel()
	conn, err := e.opts.Dialer(dialCtx, uri)
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	e.conn = conn
	e.connURI = uri
	return conn, nil
}

func (e *Engine) dropConn() {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.conn != nil {
		_ = e.conn.Close(context.Background())
		e.conn = nil
		e.connURI = ""
	}
}

// Close releases the cached document store connection.
func (e *Engine) Close() {
	e.dropConn()
}

func (e *Engine) backOffice(base, key string) backOffice {
	return backOffice{client: e.client, base: base, key: key}
}

func (e *Engine) configured(cfg domain.BusinessConfig) bool {
	if strings.TrimSpace(cfg.MongoDBURI) != "" {
		return true
	}
	base, key := endpoint(cfg, e.opts.BackOfficeURL, e.opts.BackOfficeAPIKey, false)
	return base != "" && key != ""
}

func (e *Engine) pushed(ops int, path string) {
	e.stateMu.Lock()
	e.lastPush = e.opts.Now()
	e.lastError = ""
	e.stateMu.Unlock()
	e.logger.Info("pushed to remote authority", zap.String("path", path), zap.Int("operations", ops))
}

func (e *Engine) failed(err error) {
	e.stateMu.Lock()
	e.lastError = err.Error()
	e.stateMu.Unlock()
}

func quiet(err error) bool {
	return errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrOffline)
}
