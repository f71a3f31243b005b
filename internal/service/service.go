package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/metrics"
	"kasirinaja/ledger/internal/store"
)

var (
	ErrNoSession            = errors.New("no active cashier session")
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrInvalidPaymentMethod = errors.New("unknown payment method")
	ErrCustomerRequired     = errors.New("credit sale needs a customer name")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrInactiveUser         = errors.New("account is inactive")
	ErrDuplicateID          = errors.New("id already exists")
	ErrProductUnavailable   = errors.New("product is unavailable")
	ErrInvalidRecord        = errors.New("invalid record")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Enqueuer receives the sync operations produced by each mutation.
type Enqueuer interface {
	Enqueue(ops ...domain.SyncOperation)
}

// Printer renders receipts. Print failures never undo a committed sale.
type Printer interface {
	PrintReceipt(ctx context.Context, tx domain.Transaction, cfg domain.BusinessConfig, reprint bool) error
}

type noopPrinter struct{}

func (noopPrinter) PrintReceipt(context.Context, domain.Transaction, domain.BusinessConfig, bool) error {
	return nil
}

// LogPrinter writes a one-line receipt record to the log instead of a device.
type LogPrinter struct {
	Logger *zap.Logger
}

func (p LogPrinter) PrintReceipt(_ context.Context, tx domain.Transaction, cfg domain.BusinessConfig, reprint bool) error {
	if p.Logger == nil {
		return nil
	}
	p.Logger.Info("receipt",
		zap.String("business", cfg.BusinessName),
		zap.String("transaction", tx.ID),
		zap.String("total", tx.Total.StringFixed(2)),
		zap.String("method", string(tx.PaymentMethod)),
		zap.Bool("reprint", reprint),
	)
	return nil
}

// Service owns the canonical in-memory copy of every collection. Each
// mutation builds its new collections aside, commits them to the record store
// as one unit, then swaps them in and enqueues its sync operations.
type Service struct {
	mu      sync.Mutex
	records store.RecordStore
	queue   Enqueuer
	printer Printer
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	loc     *time.Location

	products      []domain.Product
	transactions  []domain.Transaction
	customers     []domain.CreditCustomer
	payments      []domain.CreditPayment
	users         []domain.User
	expenses      []domain.Expense
	salaries      []domain.Salary
	inventoryLogs []domain.InventoryLog
	summaries     map[string]domain.DailySummary
	business      domain.BusinessConfig
	server        domain.ServerConfig
	receipts      []domain.MobileReceipt

	cashier *domain.User
	cart    []domain.CartItem
	version uint64
}

type Option func(*Service)

func WithPrinter(p Printer) Option {
	return func(s *Service) {
		if p != nil {
			s.printer = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the zone used for calendar days in summaries and archival.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func New(records store.RecordStore, queue Enqueuer, opts ...Option) *Service {
	s := &Service{
		records:   records,
		queue:     queue,
		printer:   noopPrinter{},
		logger:    zap.NewNop(),
		now:       time.Now,
		loc:       time.Local,
		summaries: make(map[string]domain.DailySummary),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load hydrates every collection from the record store and makes sure the
// installation has a shared secret.
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reads := []struct {
		collection store.Collection
		dest       any
	}{
		{store.Products, &s.products},
		{store.Transactions, &s.transactions},
		{store.CreditCustomers, &s.customers},
		{store.CreditPayments, &s.payments},
		{store.Users, &s.users},
		{store.Expenses, &s.expenses},
		{store.Salaries, &s.salaries},
		{store.InventoryLogs, &s.inventoryLogs},
		{store.DailySummaries, &s.summaries},
		{store.BusinessSetup, &s.business},
		{store.ServerConfig, &s.server},
		{store.MobileReceipts, &s.receipts},
	}
	for _, r := range reads {
		if err := s.records.Read(ctx, r.collection, r.dest); err != nil {
			return fmt.Errorf("load %s: %w", r.collection, err)
		}
	}
	if s.summaries == nil {
		s.summaries = make(map[string]domain.DailySummary)
	}
	s.products = dedupeProducts(s.products)

	if strings.TrimSpace(s.server.APIKey) == "" {
		key, err := newAPIKey()
		if err != nil {
			return err
		}
		next := s.server
		next.APIKey = key
		if err := s.records.Commit(ctx, store.Write{Collection: store.ServerConfig, Value: next}); err != nil {
			return fmt.Errorf("persist api key: %w", err)
		}
		s.server = next
		s.logger.Info("generated shared secret for local devices")
	}

	s.version++
	s.logger.Info("ledger loaded",
		zap.Int("products", len(s.products)),
		zap.Int("transactions", len(s.transactions)),
		zap.Int("customers", len(s.customers)),
		zap.Int("users", len(s.users)),
	)
	return nil
}

// commit persists writes as one unit; only then does apply swap state in and
// ops reach the queue. A failed commit leaves memory untouched.
func (s *Service) commit(ctx context.Context, writes []store.Write, ops []domain.SyncOperation, apply func()) error {
	if err := s.records.Commit(ctx, writes...); err != nil {
		s.logger.Warn("persist failed", zap.Error(err))
		return fmt.Errorf("persist: %w", err)
	}
	apply()
	s.version++
	if len(ops) > 0 && s.queue != nil {
		s.queue.Enqueue(ops...)
	}
	return nil
}

// Version changes whenever any collection changes.
func (s *Service) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Service) APIKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server.APIKey
}

func (s *Service) BusinessConfig() domain.BusinessConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.business
}

// SetDeveloperPIN stores a bcrypt hash of pin in the server config.
func (s *Service) SetDeveloperPIN(ctx context.Context, pin string) error {
	pin = strings.TrimSpace(pin)
	if len(pin) < 4 {
		return fmt.Errorf("developer PIN must be at least 4 digits")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.server
	next.DeveloperPINHash = string(hash)
	return s.commit(ctx, []store.Write{{Collection: store.ServerConfig, Value: next}}, nil, func() {
		s.server = next
	})
}

func (s *Service) VerifyDeveloperPIN(pin string) bool {
	s.mu.Lock()
	hash := s.server.DeveloperPINHash
	s.mu.Unlock()

	if hash == "" || strings.TrimSpace(pin) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(strings.TrimSpace(pin))) == nil
}

// recorder names whoever is behind the current call for audit fields.
func (s *Service) recorder(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Name != "" {
		return actor.Name
	}
	if s.cashier != nil {
		return s.cashier.Name
	}
	return "system"
}

func (s *Service) stamp() time.Time {
	return s.now().UTC()
}

func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func dedupeProducts(products []domain.Product) []domain.Product {
	seen := make(map[int64]struct{}, len(products))
	out := make([]domain.Product, 0, len(products))
	for _, p := range products {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}

func indexOf[T any](items []T, match func(T) bool) int {
	return slices.IndexFunc(items, match)
}
