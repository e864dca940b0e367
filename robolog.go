// Package robolog is a content-addressed store for recorded robot sensor
// datasets with time-aligned multi-stream replay.
//
// The handle owns a datastore root and the lifecycle of its components.
// Construct with New, initialize with Start, release with Close.
package robolog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/robolog-io/robolog/pkg/dataset"
	"github.com/robolog-io/robolog/pkg/datastore"
	"github.com/robolog-io/robolog/pkg/digest"
	"github.com/robolog-io/robolog/pkg/logging"
	"github.com/robolog-io/robolog/pkg/replay"
	"github.com/robolog-io/robolog/pkg/stream"
	"github.com/robolog-io/robolog/pkg/typedesc"
)

var (
	ErrNotStarted = errors.New("robolog: store not started")
	ErrClosed     = errors.New("robolog: store closed")
)

// Config configures a Robolog instance.
type Config struct {
	// Root is the datastore root directory. Required.
	Root string
	// MinimumFreeGB is a free-space threshold checked at startup. Zero
	// disables the check.
	MinimumFreeGB uint
	// MetaIndex enables the metadata query acceleration index. Opening it
	// takes a lock on the index directory.
	MetaIndex bool
	// Logger is an optional structured logger. If nil, a colorized stderr
	// logger is used.
	Logger *slog.Logger
	// Types is an optional descriptor registry shared by callers that
	// register stream type descriptors. If nil, a fresh registry is used.
	Types *typedesc.Registry
}

// Robolog is the main handle. It is light until Start is called.
type Robolog struct {
	log    *slog.Logger
	config Config
	types  *typedesc.Registry

	store *datastore.Store

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a handle. New performs no I/O; call Start to open the
// store on disk.
func New(conf Config) (*Robolog, error) {
	if conf.Root == "" {
		return nil, fmt.Errorf("robolog: config requires a root directory")
	}
	if conf.Logger == nil {
		conf.Logger = logging.Default()
	}
	if conf.Types == nil {
		conf.Types = typedesc.NewRegistry()
	}
	return &Robolog{
		log:    conf.Logger,
		config: conf,
		types:  conf.Types,
	}, nil
}

// Start opens the datastore root, creating it if needed, and verifies the
// free-space threshold. Safe to call multiple times; only the first call
// has effect.
func (r *Robolog) Start(ctx context.Context) error {
	var startErr error
	r.startOnce.Do(func() {
		store, err := datastore.Create(r.config.Root, datastore.Options{
			Logger:    r.log,
			MetaIndex: r.config.MetaIndex,
		})
		if err != nil {
			startErr = fmt.Errorf("open datastore: %w", err)
			return
		}

		if r.config.MinimumFreeGB > 0 {
			usage, err := store.DiskUsage()
			if err != nil {
				store.Close()
				startErr = fmt.Errorf("check disk usage: %w", err)
				return
			}
			minFree := uint64(r.config.MinimumFreeGB) * 1 << 30
			if usage.FreeBytes < minFree {
				store.Close()
				startErr = fmt.Errorf("robolog: %d bytes free at %s, %d GB required",
					usage.FreeBytes, r.config.Root, r.config.MinimumFreeGB)
				return
			}
		}

		r.store = store
		r.started.Store(true)
		r.log.Info("robolog started", "root", r.config.Root, "metaindex", r.config.MetaIndex)
	})
	return startErr
}

// Close releases the store. Safe to call multiple times.
func (r *Robolog) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		if r.store != nil {
			closeErr = r.store.Close()
		}
		r.started.Store(false)
	})
	return closeErr
}

// Store returns the underlying datastore handle for operations not wrapped
// by the facade.
func (r *Robolog) Store() (*datastore.Store, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.store, nil
}

// Types returns the shared type descriptor registry.
func (r *Robolog) Types() *typedesc.Registry { return r.types }

func (r *Robolog) ready() error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Import normalizes the logs under srcDir into a new dataset and publishes
// it under its identity digest.
func (r *Robolog) Import(srcDir string, opts datastore.ImportOptions) (*dataset.Dataset, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.store.Import(srcDir, opts)
}

// Get opens a dataset by digest or unambiguous prefix.
func (r *Robolog) Get(digestOrPrefix string, opts datastore.GetOptions) (*dataset.Dataset, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.store.Get(digestOrPrefix, opts)
}

// Find returns the single dataset matching the metadata query.
func (r *Robolog) Find(query map[string][]string) (*dataset.Dataset, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.store.Find(query)
}

// FindAll returns every dataset matching the metadata query.
func (r *Robolog) FindAll(query map[string][]string) ([]*dataset.Dataset, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.store.FindAll(query)
}

// Delete removes a dataset and its cache.
func (r *Robolog) Delete(dg digest.Digest) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.store.Delete(dg)
}

// Session is a replay session over one dataset: the open stream set plus a
// manager ready for consumer registration. Close releases the stream set.
type Session struct {
	Manager *replay.Manager
	Streams *stream.Set
}

func (s *Session) Close() error { return s.Streams.Close() }

// NewSession opens the dataset's streams and builds a replay manager over
// them. Consumers are then registered against streams from
// Session.Streams.
func (r *Robolog) NewSession(ds *dataset.Dataset) (*Session, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	set, err := ds.Streams()
	if err != nil {
		return nil, fmt.Errorf("open streams: %w", err)
	}
	mgr := replay.NewManager(replay.Options{Logger: r.log})
	return &Session{Manager: mgr, Streams: set}, nil
}
