package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"kasirinaja/ledger/internal/store"
)

const journalName = "_journal.json"

// Store keeps one indented JSON file per collection under dir.
type Store struct {
	mu     sync.Mutex
	fs     afero.Fs
	dir    string
	logger *zap.Logger

	// pending holds the contents a failed commit could not restore yet.
	pending []journalEntry
}

type journalEntry struct {
	Collection store.Collection `json:"collection"`
	Value      json.RawMessage  `json:"value"`
}

// Open prepares dir, rolls back any interrupted commit and seeds missing collections.
func Open(ctx context.Context, fs afero.Fs, dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{fs: fs, dir: dir, logger: logger}
	if err := s.recover(ctx); err != nil {
		return nil, err
	}
	if err := s.seed(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) Read(_ context.Context, collection store.Collection, dest any) error {
	s.mu.Lock()
	raw, err := afero.ReadFile(s.fs, s.path(collection.FileName()))
	s.mu.Unlock()

	switch {
	case err == nil:
		decodeErr := json.Unmarshal(raw, dest)
		if decodeErr == nil {
			return nil
		}
		s.logger.Warn("collection unreadable, using default",
			zap.String("collection", string(collection)), zap.Error(decodeErr))
	case !errors.Is(err, os.ErrNotExist):
		s.logger.Warn("collection read failed, using default",
			zap.String("collection", string(collection)), zap.Error(err))
	}

	// Drop whatever a failed decode left behind before applying the default.
	if v := reflect.ValueOf(dest); v.Kind() == reflect.Pointer && !v.IsNil() {
		v.Elem().Set(reflect.Zero(v.Elem().Type()))
	}
	return json.Unmarshal(collection.Default(), dest)
}

// Commit persists every write as one unit. Before a multi-collection commit
// touches anything, the previous contents of those collections are made
// durable in a journal; removing the journal is the commit point. A failure
// or a crash before that restores the previous contents.
func (s *Store) Commit(ctx context.Context, writes ...store.Write) error {
	if len(writes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entries := make([]journalEntry, 0, len(writes))
	for _, w := range writes {
		raw, err := json.MarshalIndent(w.Value, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", w.Collection, err)
		}
		entries = append(entries, journalEntry{Collection: w.Collection, Value: raw})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.settle(); err != nil {
		return err
	}

	if len(entries) == 1 {
		return s.replace(entries[0].Collection.FileName(), entries[0].Value)
	}

	undo := s.previous(entries)
	journal, err := json.Marshal(undo)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	if err := s.replace(journalName, journal); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}

	err = s.apply(entries)
	if err == nil {
		if err = s.fs.Remove(s.path(journalName)); err != nil {
			err = fmt.Errorf("clear journal: %w", err)
		}
	}
	if err != nil {
		s.pending = undo
		if rbErr := s.settle(); rbErr != nil {
			s.logger.Error("commit failed and could not be rolled back",
				zap.Error(err), zap.NamedError("rollback", rbErr))
			return err
		}
		s.logger.Warn("commit failed, previous contents restored", zap.Error(err))
		return err
	}
	return nil
}

// settle restores the contents recorded by a failed commit. Until it
// succeeds no other write may land, or the restore would overwrite it.
func (s *Store) settle() error {
	if s.pending == nil {
		return nil
	}
	if err := s.apply(s.pending); err != nil {
		return fmt.Errorf("roll back failed commit: %w", err)
	}
	if err := s.fs.Remove(s.path(journalName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("roll back failed commit: clear journal: %w", err)
	}
	s.pending = nil
	return nil
}

// previous reads the current contents of every collection entries touch.
// Missing or unreadable files are recorded as the collection default.
func (s *Store) previous(entries []journalEntry) []journalEntry {
	undo := make([]journalEntry, 0, len(entries))
	for _, entry := range entries {
		raw, err := afero.ReadFile(s.fs, s.path(entry.Collection.FileName()))
		if err != nil || !json.Valid(raw) {
			raw = entry.Collection.Default()
		}
		undo = append(undo, journalEntry{Collection: entry.Collection, Value: raw})
	}
	return undo
}

func (s *Store) apply(entries []journalEntry) error {
	for _, entry := range entries {
		if err := s.replace(entry.Collection.FileName(), entry.Value); err != nil {
			return fmt.Errorf("write %s: %w", entry.Collection, err)
		}
	}
	return nil
}

// replace writes data beside the target and renames it into place.
func (s *Store) replace(name string, data []byte) error {
	target := s.path(name)
	tmp := target + ".tmp"

	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return s.fs.Rename(tmp, target)
}

func (s *Store) recover(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := afero.ReadFile(s.fs, s.path(journalName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	var entries []journalEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// The journal is renamed into place whole, so a torn one was never committed.
		s.logger.Warn("discarding unreadable journal", zap.Error(err))
		return s.fs.Remove(s.path(journalName))
	}

	s.logger.Info("rolling back interrupted commit", zap.Int("collections", len(entries)))
	for i, entry := range entries {
		var buf bytes.Buffer
		if err := json.Indent(&buf, entry.Value, "", "  "); err == nil {
			entries[i].Value = buf.Bytes()
		}
	}
	if err := s.apply(entries); err != nil {
		return err
	}
	return s.fs.Remove(s.path(journalName))
}

func (s *Store) seed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, collection := range store.Collections() {
		exists, err := afero.Exists(s.fs, s.path(collection.FileName()))
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := s.replace(collection.FileName(), collection.Default()); err != nil {
			return fmt.Errorf("seed %s: %w", collection, err)
		}
		s.logger.Debug("seeded collection", zap.String("collection", string(collection)))
	}
	return nil
}
