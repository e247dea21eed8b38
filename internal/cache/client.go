// Package cache binds a redis/KeyDB connection to the currently elected
// master and rebinds it when the directory reports a failover.
package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/onexay/commitvault/internal/clock"
	"github.com/onexay/commitvault/internal/discovery"
	"github.com/onexay/commitvault/internal/faults"
)

const (
	defaultInterval    = 30 * time.Second
	defaultDialTimeout = 2 * time.Second
)

// Directory supplies master candidates.
type Directory interface {
	Masters(ctx context.Context) []discovery.Node
}

// Options configures a Client.
type Options struct {
	Directory Directory
	// Interval is how long an established binding is trusted without
	// consulting the directory.
	Interval time.Duration
	// Async rebinds in the background once a first connection exists.
	Async       bool
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
	// TLSConfig is used for nodes advertising an sslPort. When nil a
	// default config with the node's hostname is used.
	TLSConfig *tls.Config
	Clock     clock.Clock
	Logger    zerolog.Logger
}

type binding struct {
	node        discovery.Node
	conn        *pooled
	established time.Time
}

// pooled is a redis client shared by in-flight operations. A retired pool
// is closed once its last user is done.
type pooled struct {
	client *redis.Client

	mu      sync.Mutex
	users   int
	retired bool
	closed  chan struct{}
}

func newPooled(client *redis.Client) *pooled {
	return &pooled{client: client, closed: make(chan struct{})}
}

func (p *pooled) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retired {
		return false
	}
	p.users++
	return true
}

func (p *pooled) release() {
	p.mu.Lock()
	p.users--
	last := p.retired && p.users == 0
	p.mu.Unlock()
	if last {
		p.close()
	}
}

// retire stops new users and closes the client when the current ones finish.
func (p *pooled) retire() {
	p.mu.Lock()
	if p.retired {
		p.mu.Unlock()
		return
	}
	p.retired = true
	idle := p.users == 0
	p.mu.Unlock()
	if idle {
		p.close()
	}
}

func (p *pooled) close() {
	_ = p.client.Close()
	close(p.closed)
}

// Client is a master-aware redis client. Every data operation calls Connect
// first. A Client owns its connection pool and must not share it.
type Client struct {
	opts  Options
	clock clock.Clock
	log   zerolog.Logger

	cur          atomic.Pointer[binding]
	mu           sync.Mutex
	reconnecting atomic.Bool
	bg           sync.WaitGroup
	closed       atomic.Bool
}

// New builds a Client and connects synchronously.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Directory == nil {
		return nil, &faults.ConfigurationError{Message: "cache: directory is required"}
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	c := &Client{opts: opts, clock: clock.OrReal(opts.Clock), log: opts.Logger}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect ensures the client is bound to a live master. It does nothing when
// the binding was established within Interval, and keeps the existing
// connection when its node is still a master candidate.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return &faults.ConfigurationError{Message: "cache: client is closed"}
	}
	cur := c.cur.Load()
	if cur != nil && c.clock.Now().Sub(cur.established) < c.opts.Interval {
		return nil
	}
	if c.opts.Async && cur != nil {
		c.reconnectInBackground()
		return nil
	}
	return c.reconnect(ctx)
}

// Node returns the node the client is bound to.
func (c *Client) Node() discovery.Node {
	if b := c.cur.Load(); b != nil {
		return b.node
	}
	return discovery.Node{}
}

// Wait blocks until background reconnects finish.
func (c *Client) Wait() { c.bg.Wait() }

// Close waits for background work and closes the connection pool.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.bg.Wait()
	if b := c.cur.Swap(nil); b != nil {
		b.conn.retire()
	}
	return nil
}

func (c *Client) reconnectInBackground() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer c.reconnecting.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout*2)
		defer cancel()
		if err := c.reconnect(ctx); err != nil {
			c.log.Warn().Err(err).Msg("background cache reconnect failed")
		}
	}()
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.cur.Load()
	now := c.clock.Now()
	if cur != nil && now.Sub(cur.established) < c.opts.Interval {
		return nil
	}

	masters := c.opts.Directory.Masters(ctx)
	if len(masters) == 0 {
		if cur != nil {
			c.log.Warn().Str("node", cur.node.Host).Msg("no master candidates; keeping current binding")
			return nil
		}
		return faults.Transport("cache connect", errors.New("no master candidates"))
	}

	if cur != nil {
		for _, m := range masters {
			if m.Host == cur.node.Host {
				c.cur.Store(&binding{node: cur.node, conn: cur.conn, established: now})
				return nil
			}
		}
	}

	node := masters[rand.Intn(len(masters))]
	client := redis.NewClient(c.redisOptions(node))
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if cur != nil {
			c.log.Warn().Err(err).Str("node", node.Host).Str("current", cur.node.Host).Msg("new master unreachable; keeping current binding")
		}
		return faults.Transport("cache connect "+node.Host, err)
	}

	c.cur.Store(&binding{node: node, conn: newPooled(client), established: now})
	if cur != nil {
		c.log.Info().Str("from", cur.node.Host).Str("to", node.Host).Msg("cache master changed")
		cur.conn.retire()
	} else {
		c.log.Debug().Str("node", node.Host).Msg("cache connected")
	}
	return nil
}

func (c *Client) redisOptions(node discovery.Node) *redis.Options {
	opts := &redis.Options{
		Addr:        node.Addr(),
		Username:    c.opts.Username,
		Password:    c.opts.Password,
		DB:          c.opts.DB,
		DialTimeout: c.opts.DialTimeout,
	}
	if addr := node.TLSAddr(); addr != "" {
		opts.Addr = addr
		if c.opts.TLSConfig != nil {
			opts.TLSConfig = c.opts.TLSConfig.Clone()
		} else {
			opts.TLSConfig = &tls.Config{ServerName: node.Hostname(), MinVersion: tls.VersionTLS12}
		}
	}
	return opts
}

// session connects and returns the bound redis client. done must be called
// when the caller has finished with it; a client replaced by a rebind stays
// open until then.
func (c *Client) session(ctx context.Context) (*redis.Client, func(), error) {
	if err := c.Connect(ctx); err != nil {
		return nil, nil, err
	}
	for {
		b := c.cur.Load()
		if b == nil {
			return nil, nil, faults.Transport("cache", errors.New("not connected"))
		}
		if b.conn.acquire() {
			return b.conn.client, b.conn.release, nil
		}
		// retired between Load and acquire; the new binding is already stored
	}
}
