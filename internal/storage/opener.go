package storage

import (
	"context"
	"log/slog"
	"sync"

	ingesterrors "github.com/johnayoung/go-candle-ingestor/internal/errors"
)

// Opener opens a store for one ingestion cycle. The caller closes it.
type Opener interface {
	Open(ctx context.Context) (CandleStore, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (CandleStore, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context) (CandleStore, error) {
	return f(ctx)
}

// ConfigOpener opens a fresh connection per cycle for networked databases.
// In-process databases (memory, DuckDB ":memory:") would lose their data on
// close, so one instance is shared and per-cycle Close is a no-op.
type ConfigOpener struct {
	cfg        ConnectionConfig
	table      string
	autoCreate bool
	logger     *slog.Logger

	mu          sync.Mutex
	shared      CandleStore
	initialized bool
}

// NewConfigOpener creates an opener. When autoCreate is set the table is
// created on the first successful open; the memory driver always creates it.
func NewConfigOpener(cfg ConnectionConfig, table string, autoCreate bool, logger *slog.Logger) *ConfigOpener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigOpener{
		cfg:        cfg,
		table:      table,
		autoCreate: autoCreate,
		logger:     logger,
	}
}

// Open implements Opener.
func (o *ConfigOpener) Open(ctx context.Context) (CandleStore, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	store, err := o.open(ctx)
	if err != nil {
		return nil, err
	}

	if (o.autoCreate || o.cfg.Driver == DriverMemory) && !o.initialized {
		if err := store.Initialize(ctx, o.table); err != nil {
			_ = store.Close()
			return nil, err
		}
		o.initialized = true
	}

	return store, nil
}

func (o *ConfigOpener) open(ctx context.Context) (CandleStore, error) {
	if o.shared != nil {
		return nopCloser{o.shared}, nil
	}

	switch {
	case o.cfg.Driver == DriverMemory:
		o.shared = NewMemoryStore()
		return nopCloser{o.shared}, nil

	case o.cfg.Driver == DriverDuckDB && o.cfg.Path == ":memory:":
		store, err := OpenSQLStore(ctx, o.cfg, o.logger)
		if err != nil {
			return nil, err
		}
		o.shared = store
		return nopCloser{o.shared}, nil

	default:
		store, err := OpenSQLStore(ctx, o.cfg, o.logger)
		if err != nil {
			return nil, err
		}
		if err := store.HealthCheck(ctx); err != nil {
			_ = store.Close()
			return nil, ingesterrors.NewConnectionError(o.cfg.Driver, err)
		}
		return store, nil
	}
}

// Close releases a shared in-process store, if any.
func (o *ConfigOpener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.shared == nil {
		return nil
	}
	err := o.shared.Close()
	o.shared = nil
	return err
}

type nopCloser struct {
	CandleStore
}

func (nopCloser) Close() error { return nil }
