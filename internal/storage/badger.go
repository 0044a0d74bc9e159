package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"
)

var snapshotPrefix = []byte("snapshot/")

// BadgerStore implements SnapshotStore on an embedded Badger database.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	closed atomic.Bool
}

var _ SnapshotStore = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) the database at dir.
func NewBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("badger: dir is required")
	}
	storeLogger := logger.With(slog.String("component", "snapshot_store"))

	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogger{logger: storeLogger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	storeLogger.Info("snapshot store opened", slog.String("dir", dir))
	return &BadgerStore{db: db, logger: storeLogger}, nil
}

func (s *BadgerStore) Load(_ context.Context, name string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(name))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger: load %q: %w", name, err)
	}
	return blob, nil
}

func (s *BadgerStore) Store(_ context.Context, name string, blob []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(name), blob)
	})
	if err != nil {
		return fmt.Errorf("badger: store %q: %w", name, err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func key(name string) []byte {
	return append(append([]byte{}, snapshotPrefix...), name...)
}

// badgerLogger adapts Badger's logger interface to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
