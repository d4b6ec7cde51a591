// Package outbound implements request/response correlation for calls the
// coordinator initiates against a peer that replies asynchronously on a
// shared stream: specifically, the MCP Dialect Adapter's calls to a
// subprocess server. One Dispatcher multiplexes every in-flight call for a
// single AdapterHandle onto one pending-call table keyed by request id.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/localmcp/mcpd/internal/jsonrpc"
)

// Transport abstracts how a request is actually put on the wire. The
// dispatcher calls SendRequest while holding no locks, so a Transport
// implementation may safely block on I/O.
type Transport interface {
	// SendRequest writes req to the underlying stream.
	SendRequest(ctx context.Context, req *jsonrpc.Request) error
	// SendCancelled emits a best-effort cancellation notification for the
	// given request id string. Errors are not actionable by the caller and
	// should be logged, not returned up the call chain.
	SendCancelled(ctx context.Context, requestID string) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher (and by extension, the
	// underlying transport) is closed; no further calls may be made.
	ErrDispatcherClosed = errors.New("outbound: dispatcher closed")
	// ErrDuplicateRequestID indicates the peer or caller produced a request
	// id collision; a protocol violation per §4.C.
	ErrDuplicateRequestID = errors.New("outbound: duplicate request id")
)

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Dispatcher correlates requests with responses arriving out of order on a
// single shared stream. It is safe for concurrent use by many callers.
type Dispatcher struct {
	t Transport

	mu      sync.Mutex
	pending map[string]*pendingCall

	nextID atomic.Uint64

	closed   atomic.Bool
	closeErr error
}

// New constructs a Dispatcher that sends requests through t.
func New(t Transport) *Dispatcher {
	return &Dispatcher{t: t, pending: make(map[string]*pendingCall)}
}

// Call allocates a fresh monotonic request id, registers a one-shot reply
// channel, sends the request via the transport, and blocks until a
// response arrives, the call is canceled, or ctx is done. On ctx
// cancellation, Call best-effort notifies the peer via SendCancelled before
// returning ctx.Err(); the pending entry is removed so a late reply is
// silently dropped by OnResponse.
func (d *Dispatcher) Call(ctx context.Context, method string, params json.RawMessage) (*jsonrpc.Response, error) {
	if d.closed.Load() {
		return nil, d.closedErr()
	}

	id := jsonrpc.NewRequestID(d.nextID.Add(1))
	key := id.String()

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}

	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.closedErr()
	}
	if _, exists := d.pending[key]; exists {
		d.mu.Unlock()
		return nil, ErrDuplicateRequestID
	}
	d.pending[key] = pc
	d.mu.Unlock()

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: params, ID: id}
	if err := d.t.SendRequest(ctx, req); err != nil {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		return nil, fmt.Errorf("outbound: send request: %w", err)
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		if err == nil {
			err = d.closedErr()
		}
		return nil, err
	case <-ctx.Done():
		d.mu.Lock()
		_, stillPending := d.pending[key]
		delete(d.pending, key)
		d.mu.Unlock()
		if stillPending {
			_ = d.t.SendCancelled(context.WithoutCancel(ctx), key)
		}
		return nil, ctx.Err()
	}
}

// OnResponse delivers resp to its matching pending call, if any. A response
// with no matching pending entry — because the caller already canceled, or
// the id is simply unknown — is silently dropped, per the "late replies are
// discarded" contract in §4.C.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) {
	if resp == nil || resp.ID == nil {
		return
	}
	key := resp.ID.String()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
}

// Close fails every pending call with err (or ErrDispatcherClosed if err is
// nil) and prevents any further calls from being registered. Close is
// idempotent.
func (d *Dispatcher) Close(err error) {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	d.closeErr = err
	pending := d.pending
	d.pending = make(map[string]*pendingCall)
	d.mu.Unlock()

	for _, pc := range pending {
		pc.errCh <- err
	}
}

func (d *Dispatcher) closedErr() error {
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}

// Pending returns the number of calls currently awaiting a response.
// Adapter.Pending exposes it.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
