package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/onexay/commitvault/internal/clock"
	"github.com/onexay/commitvault/internal/discovery"
)

type fakeDirectory struct {
	mu      sync.Mutex
	masters []discovery.Node
	calls   int
}

func (f *fakeDirectory) set(nodes ...discovery.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masters = nodes
}

func (f *fakeDirectory) Masters(context.Context) []discovery.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]discovery.Node(nil), f.masters...)
}

func (f *fakeDirectory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func startRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)
	return mini
}

func master(m *miniredis.Miniredis) discovery.Node {
	return discovery.Node{Host: m.Addr(), IsMaster: true}
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientBasicOperations(t *testing.T) {
	mini := startRedis(t)
	dir := &fakeDirectory{}
	dir.set(master(mini))
	c := newClient(t, Options{Directory: dir})
	ctx := context.Background()

	if v, err := c.Get(ctx, "missing"); err != nil || v != nil {
		t.Fatalf("expected nil miss, got %q %v", v, err)
	}
	if err := c.Set(ctx, "health-check", []byte("healthy"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := c.Get(ctx, "health-check")
	if err != nil || string(v) != "healthy" {
		t.Fatalf("Get: %q %v", v, err)
	}
	if ok, err := c.Exists(ctx, "health-check"); err != nil || !ok {
		t.Fatalf("Exists: %t %v", ok, err)
	}

	mini.FastForward(2 * time.Minute)
	if v, err := c.Get(ctx, "health-check"); err != nil || v != nil {
		t.Fatalf("expected expiry, got %q %v", v, err)
	}

	for _, k := range []string{"archive-index:webkit:trunk:api", "archive-index:webkit:trunk:layout", "other"} {
		if err := c.Set(ctx, k, []byte("x"), 0); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
	keys, err := c.Scan(ctx, "archive-index:webkit:*")
	if err != nil || len(keys) != 2 {
		t.Fatalf("Scan: %v %v", keys, err)
	}

	n, err := c.Delete(ctx, "other", "never")
	if err != nil || n != 1 {
		t.Fatalf("Delete: %d %v", n, err)
	}
}

func TestClientListsAndSortedSets(t *testing.T) {
	mini := startRedis(t)
	dir := &fakeDirectory{}
	dir.set(master(mini))
	c := newClient(t, Options{Directory: dir})
	ctx := context.Background()

	for _, v := range []string{"one", "two"} {
		if err := c.RPush(ctx, "queue", []byte(v)); err != nil {
			t.Fatalf("RPush: %v", err)
		}
	}
	if n, err := c.LLen(ctx, "queue"); err != nil || n != 2 {
		t.Fatalf("LLen: %d %v", n, err)
	}
	if v, err := c.LPop(ctx, "queue"); err != nil || string(v) != "one" {
		t.Fatalf("LPop: %q %v", v, err)
	}
	_, _ = c.LPop(ctx, "queue")
	if v, err := c.LPop(ctx, "queue"); err != nil || v != nil {
		t.Fatalf("expected empty queue, got %q %v", v, err)
	}

	_ = c.ZAdd(ctx, "idx", 153805240801, "b")
	_ = c.ZAdd(ctx, "idx", 153805240800, "a")
	_ = c.ZAdd(ctx, "idx", 153805240900, "c")
	got, err := c.ZRangeByScore(ctx, "idx", "153805240800", "153805240801")
	if err != nil {
		t.Fatalf("ZRangeByScore: %v", err)
	}
	if len(got) != 2 || got[0].Member != "a" || got[1].Member != "b" || got[1].Score != 153805240801 {
		t.Fatalf("unexpected range %+v", got)
	}
}

func TestClientLock(t *testing.T) {
	mini := startRedis(t)
	dir := &fakeDirectory{}
	dir.set(master(mini))
	c := newClient(t, Options{Directory: dir})
	ctx := context.Background()

	lock, err := c.Lock(ctx, "archives:expire", time.Minute)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := c.Lock(ctx, "archives:expire", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if ok, err := lock.Unlock(ctx); err != nil || !ok {
		t.Fatalf("Unlock: %t %v", ok, err)
	}
	if ok, _ := lock.Unlock(ctx); ok {
		t.Fatalf("second unlock must report not held")
	}
	if _, err := c.Lock(ctx, "archives:expire", time.Minute); err != nil {
		t.Fatalf("relock: %v", err)
	}
}

func TestClientKeepsBindingWhileMasterListed(t *testing.T) {
	first := startRedis(t)
	second := startRedis(t)
	fake := clock.Fake(time.Unix(0, 0))
	dir := &fakeDirectory{}
	dir.set(master(first))

	c := newClient(t, Options{Directory: dir, Interval: time.Second, Clock: fake})
	ctx := context.Background()
	if c.Node().Host != first.Addr() {
		t.Fatalf("expected binding to first node")
	}

	// fresh binding: directory is not consulted
	calls := dir.callCount()
	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if dir.callCount() != calls {
		t.Fatalf("expected no directory lookup within interval")
	}

	// stale binding, still a master: keep it
	dir.set(master(second), master(first))
	fake.Advance(2 * time.Second)
	for i := 0; i < 10; i++ {
		if err := c.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		fake.Advance(2 * time.Second)
	}
	if c.Node().Host != first.Addr() {
		t.Fatalf("expected to keep binding to first node, got %s", c.Node().Host)
	}

	// failover
	dir.set(master(second))
	if err := c.Set(ctx, "k", []byte("moved"), 0); err != nil {
		t.Fatalf("Set after failover: %v", err)
	}
	if c.Node().Host != second.Addr() {
		t.Fatalf("expected rebinding to second node, got %s", c.Node().Host)
	}
	if v, _ := second.Get("k"); v != "moved" {
		t.Fatalf("expected write on new master, got %q", v)
	}
}

func TestRebindKeepsInFlightClientOpen(t *testing.T) {
	first := startRedis(t)
	second := startRedis(t)
	fake := clock.Fake(time.Unix(0, 0))
	dir := &fakeDirectory{}
	dir.set(master(first))

	c := newClient(t, Options{Directory: dir, Interval: time.Second, Clock: fake})
	ctx := context.Background()

	rc, done, err := c.session(ctx)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	old := c.cur.Load().conn

	dir.set(master(second))
	fake.Advance(2 * time.Second)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.Node().Host != second.Addr() {
		t.Fatalf("expected rebind to second node")
	}

	// the in-flight user can still finish on the old master
	if err := rc.Set(ctx, "late", "write", 0).Err(); err != nil {
		t.Fatalf("old client closed under an in-flight user: %v", err)
	}
	if v, _ := first.Get("late"); v != "write" {
		t.Fatalf("expected write on old master, got %q", v)
	}
	select {
	case <-old.closed:
		t.Fatalf("old client closed before release")
	default:
	}

	done()
	select {
	case <-old.closed:
	case <-time.After(time.Second):
		t.Fatalf("old client not closed after last release")
	}
	if old.acquire() {
		t.Fatalf("retired pool must refuse new users")
	}
}

func TestClientAsyncReconnect(t *testing.T) {
	first := startRedis(t)
	second := startRedis(t)
	fake := clock.Fake(time.Unix(0, 0))
	dir := &fakeDirectory{}
	dir.set(master(first))

	c := newClient(t, Options{Directory: dir, Interval: time.Second, Async: true, Clock: fake})
	ctx := context.Background()

	dir.set(master(second))
	fake.Advance(2 * time.Second)

	// the triggering call still goes to the previous master
	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	c.Wait()
	if c.Node().Host != second.Addr() {
		t.Fatalf("expected background rebind to second node, got %s", c.Node().Host)
	}
}

func TestNewFailsWithoutMasters(t *testing.T) {
	dir := &fakeDirectory{}
	dir.set(discovery.Node{Host: "127.0.0.1:1"})
	if _, err := New(context.Background(), Options{Directory: dir}); err == nil {
		t.Fatalf("expected error when no master candidates exist")
	}
}
