package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/localmcp/mcpd/internal/fingerprint"
	"github.com/localmcp/mcpd/internal/metrics"
)

func fp(t *testing.T, method string) fingerprint.Fingerprint {
	t.Helper()
	f, err := fingerprint.Compute("server", method, map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("fingerprint.Compute: %v", err)
	}
	return f
}

func TestQueryMissThenHit(t *testing.T) {
	c := New(Config{DefaultTTL: time.Minute, MaxBytes: 1 << 20}, nil)
	f := fp(t, "tools/call")

	var calls int32
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return json.RawMessage(`{"ok":true}`), nil
	}

	v, err := c.Query(context.Background(), "server", "tools/call", f, fetch)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if string(v) != `{"ok":true}` {
		t.Fatalf("got %s", v)
	}

	v2, err := c.Query(context.Background(), "server", "tools/call", f, fetch)
	if err != nil {
		t.Fatalf("Query (hit): %v", err)
	}
	if string(v2) != `{"ok":true}` {
		t.Fatalf("got %s", v2)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("fetch called %d times, want 1", got)
	}
}

func TestQueryCoalescesConcurrentMisses(t *testing.T) {
	c := New(Config{DefaultTTL: time.Minute, MaxBytes: 1 << 20}, nil)
	f := fp(t, "tools/call")

	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return json.RawMessage(`{"ok":true}`), nil
	}

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Query(context.Background(), "server", "tools/call", f, fetch)
			if err != nil {
				t.Errorf("Query: %v", err)
				return
			}
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("fetch called %d times, want 1", got)
	}
	for i, r := range results {
		if string(r) != `{"ok":true}` {
			t.Fatalf("results[%d] = %s", i, r)
		}
	}
}

func TestQueryCancelingOneSubscriberLeavesOthersUnaffected(t *testing.T) {
	c := New(Config{DefaultTTL: time.Minute, MaxBytes: 1 << 20}, nil)
	f := fp(t, "tools/call")

	release := make(chan struct{})
	var calls int32
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-release:
			return json.RawMessage(`{"ok":true}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan error, 1)
	go func() {
		_, err := c.Query(ctxA, "server", "tools/call", f, fetch)
		doneA <- err
	}()

	doneB := make(chan struct{})
	var resultB json.RawMessage
	var errB error
	go func() {
		resultB, errB = c.Query(context.Background(), "server", "tools/call", f, fetch)
		close(doneB)
	}()

	// Give both callers a chance to join the same inflight entry before A
	// cancels, so B is genuinely coalesced rather than racing ahead of A.
	time.Sleep(20 * time.Millisecond)
	cancelA()

	select {
	case err := <-doneA:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscriber A: got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber A did not return after its own cancellation")
	}

	// B must still be waiting: A's cancellation must not have propagated
	// to the shared upstream fetch, since B is still subscribed.
	select {
	case <-doneB:
		t.Fatal("subscriber B returned before upstream replied")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	select {
	case <-doneB:
	case <-time.After(time.Second):
		t.Fatal("subscriber B did not return after upstream replied")
	}
	if errB != nil {
		t.Fatalf("subscriber B: got error %v, want nil", errB)
	}
	if string(resultB) != `{"ok":true}` {
		t.Fatalf("subscriber B: got %s, want {\"ok\":true}", resultB)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("fetch called %d times, want 1", got)
	}
}

func TestQueryCancelingSoleSubscriberCancelsUpstream(t *testing.T) {
	c := New(Config{DefaultTTL: time.Minute, MaxBytes: 1 << 20}, nil)
	f := fp(t, "tools/call")

	upstreamCanceled := make(chan struct{})
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		<-ctx.Done()
		close(upstreamCanceled)
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Query(ctx, "server", "tools/call", f, fetch)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Query did not return after cancellation")
	}

	select {
	case <-upstreamCanceled:
	case <-time.After(time.Second):
		t.Fatal("upstream fetch was never cancelled after its sole subscriber gave up")
	}
}

func TestQueryDoesNotCacheFetchError(t *testing.T) {
	c := New(Config{DefaultTTL: time.Minute, MaxBytes: 1 << 20}, nil)
	f := fp(t, "tools/call")

	wantErr := errors.New("upstream failed")
	var calls int32
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return nil, wantErr
	}

	_, err := c.Query(context.Background(), "server", "tools/call", f, fetch)
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}

	_, err = c.Query(context.Background(), "server", "tools/call", f, fetch)
	if !errors.Is(err, wantErr) {
		t.Fatalf("second Query: got %v, want %v", err, wantErr)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("fetch called %d times, want 2 (errors must not be cached)", got)
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := New(Config{DefaultTTL: 10 * time.Millisecond, MaxBytes: 1 << 20}, nil)
	f := fp(t, "tools/call")

	var calls int32
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return json.RawMessage(`{"ok":true}`), nil
	}

	if _, err := c.Query(context.Background(), "server", "tools/call", f, fetch); err != nil {
		t.Fatalf("Query: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := c.Query(context.Background(), "server", "tools/call", f, fetch); err != nil {
		t.Fatalf("Query after expiry: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("fetch called %d times, want 2 (entry should have expired)", got)
	}
}

func TestMethodTTLOverride(t *testing.T) {
	c := New(Config{
		DefaultTTL: time.Hour,
		MaxBytes:   1 << 20,
		MethodTTL:  map[string]time.Duration{"tools/call": 10 * time.Millisecond},
	}, nil)
	f := fp(t, "tools/call")

	fetch := func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}

	if _, err := c.Query(context.Background(), "server", "tools/call", f, fetch); err != nil {
		t.Fatalf("Query: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("server", f); ok {
		t.Fatal("expected entry to have expired under its method-specific TTL")
	}
}

func TestEvictionUnderSizeBound(t *testing.T) {
	m := metrics.New()
	c := New(Config{DefaultTTL: time.Hour, MaxBytes: 10}, m)

	fetch := func(v string) Fetcher {
		return func(ctx context.Context) (json.RawMessage, error) {
			return json.RawMessage(v), nil
		}
	}

	fA := fp(t, "a")
	fB := fp(t, "b")

	if _, err := c.Query(context.Background(), "server", "a", fA, fetch(`"01234"`)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Query(context.Background(), "server", "b", fB, fetch(`"56789"`)); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("server", fA); ok {
		t.Fatal("expected oldest entry to have been evicted once size bound exceeded")
	}
	if _, ok := c.Get("server", fB); !ok {
		t.Fatal("expected most-recent entry to survive eviction")
	}

	snap := m.Snapshot()
	if snap.CacheEvictions == 0 {
		t.Fatal("expected eviction to be recorded in metrics")
	}
}

func TestInvalidateServerRemovesAllEntriesForServer(t *testing.T) {
	c := New(Config{DefaultTTL: time.Hour, MaxBytes: 1 << 20}, nil)
	fA := fp(t, "a")
	fB := fp(t, "b")

	fetch := func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}

	if _, err := c.Query(context.Background(), "server", "a", fA, fetch); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Query(context.Background(), "server", "b", fB, fetch); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Query(context.Background(), "other", "a", fA, fetch); err != nil {
		t.Fatal(err)
	}

	c.InvalidateServer("server")

	if _, ok := c.Get("server", fA); ok {
		t.Fatal("expected server's entry to be invalidated")
	}
	if _, ok := c.Get("server", fB); ok {
		t.Fatal("expected server's entry to be invalidated")
	}
	if _, ok := c.Get("other", fA); !ok {
		t.Fatal("expected other server's entry to survive InvalidateServer")
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	c := New(Config{DefaultTTL: 10 * time.Millisecond, MaxBytes: 1 << 20}, nil)
	f := fp(t, "a")
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}
	if _, err := c.Query(context.Background(), "server", "a", f, fetch); err != nil {
		t.Fatal(err)
	}

	c.Sweep(time.Now().Add(time.Hour))

	c.mu.Lock()
	_, exists := c.entries["server"]
	c.mu.Unlock()
	if exists {
		t.Fatal("expected Sweep to remove expired entries")
	}
}

func TestSetOverridesExistingEntry(t *testing.T) {
	c := New(Config{DefaultTTL: time.Hour, MaxBytes: 1 << 20}, nil)
	f := fp(t, "a")
	c.Set("server", "a", f, json.RawMessage(`"first"`), 0)
	c.Set("server", "a", f, json.RawMessage(`"second"`), 0)

	v, ok := c.Get("server", f)
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if string(v) != `"second"` {
		t.Fatalf("got %s, want \"second\"", v)
	}
}
