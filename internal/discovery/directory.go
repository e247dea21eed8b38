// Package discovery keeps a periodically refreshed list of live backend
// hosts fetched from a directory endpoint.
//
// Readers always receive a complete snapshot: the current one, or the one
// before an in-flight refresh. A stale snapshot is served in async mode while
// a single background refresh runs; sync mode fetches before returning.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/onexay/commitvault/internal/clock"
	"github.com/onexay/commitvault/internal/faults"
)

const (
	defaultInterval = 60 * time.Second
	defaultTimeout  = 10 * time.Second
	maxBodyBytes    = 1 << 20
)

// ErrNoCandidates is returned when the first fetch yields no hosts.
var ErrNoCandidates = errors.New("discovery: directory returned no candidates")

// Options configures a Directory.
type Options struct {
	// URL is the directory endpoint.
	URL string
	// Interval is how long a snapshot stays fresh.
	Interval time.Duration
	// Async serves stale snapshots while refreshing in the background.
	Async bool
	// Timeout bounds background refreshes, which have no caller context.
	Timeout    time.Duration
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     zerolog.Logger
}

type snapshot struct {
	nodes []Node
	epoch time.Time
}

// Directory is a refreshed candidate list. Safe for concurrent use.
type Directory struct {
	url      string
	interval time.Duration
	async    bool
	timeout  time.Duration
	http     *http.Client
	clock    clock.Clock
	log      zerolog.Logger

	snap       atomic.Pointer[snapshot]
	group      singleflight.Group
	refreshing atomic.Bool
	bg         sync.WaitGroup
	fetches    atomic.Int64
}

// New builds a Directory and performs the first fetch synchronously. It
// fails when that fetch errors or returns no candidates.
func New(ctx context.Context, opts Options) (*Directory, error) {
	if opts.URL == "" {
		return nil, &faults.ConfigurationError{Message: "discovery: directory url is required"}
	}
	d := &Directory{
		url:      opts.URL,
		interval: opts.Interval,
		async:    opts.Async,
		timeout:  opts.Timeout,
		http:     opts.HTTPClient,
		clock:    clock.OrReal(opts.Clock),
		log:      opts.Logger,
	}
	if d.interval <= 0 {
		d.interval = defaultInterval
	}
	if d.timeout <= 0 {
		d.timeout = defaultTimeout
	}
	if d.http == nil {
		d.http = &http.Client{Timeout: d.timeout}
	}

	if err := d.Refresh(ctx); err != nil {
		return nil, err
	}
	if len(d.current()) == 0 {
		return nil, ErrNoCandidates
	}
	return d, nil
}

// Refresh fetches the candidate list unless the current snapshot is still
// fresh. A failed or empty fetch leaves the previous snapshot in place.
func (d *Directory) Refresh(ctx context.Context) error {
	if d.fresh() {
		return nil
	}
	_, err, _ := d.group.Do("refresh", func() (any, error) {
		if d.fresh() {
			return nil, nil
		}
		return nil, d.fetch(ctx)
	})
	return err
}

// Nodes returns the candidate list, refreshing it first when stale. In
// async mode a stale list is returned immediately once one exists.
func (d *Directory) Nodes(ctx context.Context) []Node {
	if d.fresh() {
		return d.current()
	}
	if !d.async || d.snap.Load() == nil {
		if err := d.Refresh(ctx); err != nil {
			d.log.Warn().Err(err).Str("url", d.url).Msg("directory refresh failed; serving previous candidates")
		}
		return d.current()
	}
	d.refreshInBackground()
	return d.current()
}

// Masters returns the master-flagged candidates.
func (d *Directory) Masters(ctx context.Context) []Node {
	return Masters(d.Nodes(ctx))
}

// Epoch returns the time of the last successful refresh.
func (d *Directory) Epoch() time.Time {
	if s := d.snap.Load(); s != nil {
		return s.epoch
	}
	return time.Time{}
}

// Fetches returns how many network fetches have been attempted.
func (d *Directory) Fetches() int64 { return d.fetches.Load() }

// Wait blocks until background refreshes finish.
func (d *Directory) Wait() { d.bg.Wait() }

func (d *Directory) refreshInBackground() {
	if !d.refreshing.CompareAndSwap(false, true) {
		return
	}
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		defer d.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.Refresh(ctx); err != nil {
			d.log.Warn().Err(err).Str("url", d.url).Msg("background directory refresh failed")
		}
	}()
}

func (d *Directory) current() []Node {
	if s := d.snap.Load(); s != nil {
		return s.nodes
	}
	return nil
}

func (d *Directory) fresh() bool {
	s := d.snap.Load()
	return s != nil && d.clock.Now().Before(s.epoch.Add(d.interval))
}

func (d *Directory) fetch(ctx context.Context) error {
	d.fetches.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return &faults.ConfigurationError{Message: "discovery: " + err.Error()}
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := d.http.Do(req)
	if err != nil {
		return faults.Transport("fetch directory", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return faults.Transport("fetch directory", fmt.Errorf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return faults.Transport("read directory", err)
	}
	nodes, err := ParseNodes(body)
	if err != nil {
		return faults.Transport("parse directory", err)
	}
	if len(nodes) == 0 {
		return faults.Transport("fetch directory", ErrNoCandidates)
	}

	prev := d.snap.Swap(&snapshot{nodes: nodes, epoch: d.clock.Now()})
	if prev == nil || !sameHosts(prev.nodes, nodes) {
		d.log.Info().Int("candidates", len(nodes)).Int("masters", len(Masters(nodes))).Msg("directory candidates updated")
	}
	return nil
}

func sameHosts(a, b []Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
