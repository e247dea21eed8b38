// Package model wires discovery, the cache client and the archive store
// into the entry points used by the HTTP layer, the CLI and cron.
package model

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/onexay/commitvault/internal/cache"
	"github.com/onexay/commitvault/internal/clock"
	"github.com/onexay/commitvault/internal/config"
	"github.com/onexay/commitvault/internal/discovery"
	"github.com/onexay/commitvault/internal/faults"
	"github.com/onexay/commitvault/internal/storage"
)

// Model owns the lifecycle of every backend connection.
type Model struct {
	cache    *cache.Client
	archives *storage.ArchiveStore
	async    bool
	clock    clock.Clock
	log      zerolog.Logger
}

type options struct {
	directory  cache.Directory
	objects    storage.ObjectStore
	httpClient *http.Client
	clock      clock.Clock
	log        zerolog.Logger
}

// Option customises New.
type Option func(*options)

// WithDirectory replaces the configured node directory.
func WithDirectory(d cache.Directory) Option { return func(o *options) { o.directory = d } }

// WithObjectStore replaces the configured archive backend.
func WithObjectStore(s storage.ObjectStore) Option { return func(o *options) { o.objects = s } }

// WithHTTPClient sets the client used to query the node directory.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithClock sets the time source for every component.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the parent logger.
func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = l } }

// New builds the directory, cache client, object store and archive store in
// that order. Anything already opened is closed if a later step fails.
func New(ctx context.Context, cfg config.Config, opts ...Option) (m *Model, err error) {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	clk := clock.OrReal(o.clock)
	log := o.log.With().Str("component", "model").Logger()

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	dir := o.directory
	if dir == nil {
		dir, err = newDirectory(ctx, cfg.Directory, o.httpClient, clk, o.log)
		if err != nil {
			return nil, err
		}
	}

	cc, err := cache.New(ctx, cache.Options{
		Directory: dir,
		Interval:  cfg.Cache.Interval,
		Async:     cfg.Cache.Async,
		Username:  cfg.Cache.Username,
		Password:  cfg.Cache.Password,
		DB:        cfg.Cache.DB,
		Clock:     clk,
		Logger:    o.log.With().Str("component", "cache").Logger(),
	})
	if err != nil {
		return nil, err
	}
	closers = append(closers, cc.Close)

	objects := o.objects
	if objects == nil {
		objects, err = openObjects(ctx, cfg.Archive, clk)
		if err != nil {
			return nil, err
		}
	}
	closers = append(closers, objects.Close)

	archives, err := storage.NewArchiveStore(ctx, objects, storage.ArchiveOptions{
		Secret:       []byte(cfg.Archive.Secret),
		Cipher:       storage.Cipher(cfg.Archive.Cipher),
		Compression:  storage.Compression(cfg.Archive.Compression),
		TTL:          cfg.Archive.TTL,
		ManageSchema: cfg.Archive.ManageSchema,
		Clock:        clk,
		Logger:       o.log.With().Str("component", "archive").Logger(),
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("cache_node", cc.Node().Host).
		Str("archive_backend", string(cfg.Archive.Backend)).
		Int("ttl_days", archives.TTLDays()).
		Bool("async_processing", cfg.Processing.Async).
		Msg("model ready")

	return &Model{
		cache:    cc,
		archives: archives,
		async:    cfg.Processing.Async,
		clock:    clk,
		log:      log,
	}, nil
}

func newDirectory(ctx context.Context, cfg config.DirectoryConfig, hc *http.Client, clk clock.Clock, log zerolog.Logger) (cache.Directory, error) {
	if len(cfg.Hosts) > 0 {
		nodes, err := discovery.ParseNodes([]byte(strings.Join(cfg.Hosts, ",")))
		if err != nil {
			return nil, err
		}
		return discovery.Static(nodes), nil
	}
	return discovery.New(ctx, discovery.Options{
		URL:        cfg.URL,
		Interval:   cfg.Interval,
		Async:      cfg.Async,
		HTTPClient: hc,
		Clock:      clk,
		Logger:     log.With().Str("component", "discovery").Logger(),
	})
}

func openObjects(ctx context.Context, cfg config.ArchiveConfig, clk clock.Clock) (storage.ObjectStore, error) {
	switch cfg.Backend {
	case config.ArchiveBackendMemory:
		return storage.NewMemoryObjects(clk), nil
	case config.ArchiveBackendPG:
		return storage.OpenPGObjects(ctx, storage.PGConfig{URL: cfg.PGURL, ManageSchema: cfg.ManageSchema}, clk)
	case config.ArchiveBackendBolt, "":
		return storage.NewBoltObjects(cfg.Path, clk)
	default:
		return nil, &faults.ConfigurationError{Message: "unknown archive backend " + string(cfg.Backend)}
	}
}

// Archives exposes the archive store.
func (m *Model) Archives() *storage.ArchiveStore { return m.archives }

// Cache exposes the master-aware cache client.
func (m *Model) Cache() *cache.Client { return m.cache }

// Close releases every backend, returning all errors combined.
func (m *Model) Close() error {
	return multierr.Combine(m.cache.Close(), m.archives.Close())
}
