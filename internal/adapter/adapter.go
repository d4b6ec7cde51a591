// Package adapter implements the MCP client side of a connection to one
// subprocess server: the initialize handshake, the request/response
// correlation built on internal/outbound, notification classification and
// dispatch, and the Initializing/Ready/Draining/Closed/Dead state
// machine.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localmcp/mcpd/internal/frame"
	"github.com/localmcp/mcpd/internal/jsonrpc"
	"github.com/localmcp/mcpd/internal/outbound"
	"github.com/localmcp/mcpd/mcp"
)

// State is the adapter's lifecycle state, mirroring the PoolEntry state
// machine it drives.
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateDraining
	StateClosed
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Sentinel errors surfaced to callers. internal/rpcserver maps
// ErrStartupTimeout to error code 1003 and ErrServerGone/ErrNotReady to 1004.
var (
	ErrStartupTimeout = errors.New("adapter: handshake did not complete within startup timeout")
	ErrServerGone     = errors.New("adapter: server transport closed")
	ErrNotReady       = errors.New("adapter: not accepting new requests in current state")
)

// ReadWriteCloser is the transport contract the adapter frames messages
// over: one *frame.Reader/*frame.Writer pair per subprocess or socket
// connection, already wired by the caller (supervisor pipes for stdio, a
// dialed Unix or TCP connection for transport:local-socket and
// transport:http).
type ReadWriteCloser interface {
	ReadOne() ([]byte, error)
	WriteOne([]byte) error
	Close() error
}

// pipeRWC adapts a *frame.Reader/*frame.Writer pair plus a closer into a
// ReadWriteCloser.
type pipeRWC struct {
	r      *frame.Reader
	w      *frame.Writer
	closer func() error
}

func (p *pipeRWC) ReadOne() ([]byte, error)    { return p.r.ReadOne() }
func (p *pipeRWC) WriteOne(b []byte) error     { return p.w.WriteOne(b) }
func (p *pipeRWC) Close() error                { return p.closer() }

// NewPipeTransport builds a ReadWriteCloser from raw byte streams, framing
// both directions with internal/frame. closer is invoked once by Close
// and should tear down the underlying subprocess or connection.
func NewPipeTransport(r *frame.Reader, w *frame.Writer, closer func() error) ReadWriteCloser {
	return &pipeRWC{r: r, w: w, closer: closer}
}

// Sink receives classified notifications from the server. Implementations
// must not block for long; the adapter's reader task calls Sink
// synchronously.
type Sink interface {
	Notify(kind mcp.NotificationKind, method string, params json.RawMessage)
}

// Adapter owns one transport and speaks the MCP client dialect over it.
type Adapter struct {
	ServerName string

	rwc  ReadWriteCloser
	disp *outbound.Dispatcher
	sink Sink

	state       atomic.Int32
	writeMu     sync.Mutex
	caps        mcp.ServerCapabilities
	serverInfo  mcp.ImplementationInfo

	readerDone chan struct{}
	deadErr    atomic.Value // error
}

type transportAdapter struct {
	a *Adapter
}

func (t *transportAdapter) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("adapter: marshal request: %w", err)
	}
	// The write runs in its own goroutine so a transport that is not being
	// read cannot hold Call past ctx; the frame is still written whole.
	errCh := make(chan error, 1)
	go func() {
		t.a.writeMu.Lock()
		defer t.a.writeMu.Unlock()
		errCh <- t.a.rwc.WriteOne(body)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *transportAdapter) SendCancelled(ctx context.Context, requestID string) error {
	note := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.CancelledNotificationMethod),
	}
	params, err := json.Marshal(mcp.CancelledNotification{RequestID: requestID})
	if err != nil {
		return err
	}
	note.Params = params
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	t.a.writeMu.Lock()
	defer t.a.writeMu.Unlock()
	return t.a.rwc.WriteOne(body)
}

// New performs the initialize handshake over rwc and, on success, returns
// a Ready adapter with its reader task already running. If the handshake
// does not complete within startupTimeout, New returns ErrStartupTimeout
// and the caller is responsible for tearing down the underlying
// transport/subprocess — New itself never owns process teardown.
func New(ctx context.Context, serverName string, rwc ReadWriteCloser, sink Sink, startupTimeout time.Duration) (*Adapter, error) {
	a := &Adapter{
		ServerName: serverName,
		rwc:        rwc,
		sink:       sink,
		readerDone: make(chan struct{}),
	}
	a.state.Store(int32(StateInitializing))
	a.disp = outbound.New(&transportAdapter{a: a})

	go a.readLoop()

	hctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	params, err := json.Marshal(mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      mcp.ImplementationInfo{Name: "mcpd", Version: "0.1.0"},
	})
	if err != nil {
		return nil, fmt.Errorf("adapter: marshal initialize params: %w", err)
	}

	resp, err := a.disp.Call(hctx, string(mcp.InitializeMethod), params)
	if err != nil {
		a.transitionDead(err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrStartupTimeout
		}
		return nil, fmt.Errorf("adapter: initialize: %w", err)
	}
	if resp.Error != nil {
		a.transitionDead(fmt.Errorf("adapter: server rejected initialize: %s", resp.Error.Message))
		return nil, fmt.Errorf("adapter: initialize error response: %s", resp.Error.Message)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		a.transitionDead(err)
		return nil, fmt.Errorf("adapter: decode initialize result: %w", err)
	}
	a.caps = result.Capabilities
	a.serverInfo = result.ServerInfo

	initializedBody, err := json.Marshal(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializedNotificationMethod),
	})
	if err != nil {
		return nil, fmt.Errorf("adapter: marshal initialized notification: %w", err)
	}
	a.writeMu.Lock()
	werr := a.rwc.WriteOne(initializedBody)
	a.writeMu.Unlock()
	if werr != nil {
		a.transitionDead(werr)
		return nil, fmt.Errorf("adapter: send initialized notification: %w", werr)
	}

	a.state.Store(int32(StateReady))
	return a, nil
}

// Capabilities returns the server's advertised capabilities from the
// initialize handshake.
func (a *Adapter) Capabilities() mcp.ServerCapabilities { return a.caps }

// ServerInfo returns the server's self-reported implementation info.
func (a *Adapter) ServerInfo() mcp.ImplementationInfo { return a.serverInfo }

// State returns the adapter's current lifecycle state.
func (a *Adapter) State() State { return State(a.state.Load()) }

// Call issues method/params to the server and blocks for a response. It
// returns ErrServerGone (wrapping the cause) if the adapter is Dead and
// ErrNotReady if it is Closed; in every other state, Draining included,
// the call is dispatched. Keeping new work off a draining entry is left
// to the pool, which removes an entry from its map before draining it.
func (a *Adapter) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *jsonrpc.Error, error) {
	st := a.State()
	if st == StateDead {
		if err, ok := a.deadErr.Load().(error); ok && err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrServerGone, err)
		}
		return nil, nil, ErrServerGone
	}
	if st == StateClosed {
		return nil, nil, ErrNotReady
	}

	resp, err := a.disp.Call(ctx, method, params)
	if err != nil {
		return nil, nil, err
	}
	return resp.Result, resp.Error, nil
}

// BeginDrain transitions Ready to Draining. New calls are still
// dispatched by Call (the pool is responsible for refusing new acquires
// against a Draining entry); deadline enforcement over in-flight work is
// the caller's responsibility via ctx.
func (a *Adapter) BeginDrain() {
	a.state.CompareAndSwap(int32(StateReady), int32(StateDraining))
}

// Close tears down the transport and marks the adapter Closed. Pending
// calls are failed via the dispatcher's Close.
func (a *Adapter) Close() error {
	a.state.Store(int32(StateClosed))
	a.disp.Close(nil)
	err := a.rwc.Close()
	<-a.readerDone
	return err
}

// Pending returns the number of calls awaiting a response. The pool does
// not consult it: an evicted entry is closed right after BeginDrain, and
// any call still pending at that point fails.
func (a *Adapter) Pending() int { return a.disp.Pending() }

func (a *Adapter) transitionDead(err error) {
	a.deadErr.Store(err)
	a.state.Store(int32(StateDead))
	a.disp.Close(fmt.Errorf("%w: %v", ErrServerGone, err))
}

// readLoop is the adapter's single reader task: it owns the read half of
// the transport for the adapter's whole lifetime, classifying and routing
// every inbound frame to either the dispatcher (responses) or the sink
// (notifications). On read failure, the adapter transitions to Dead and
// fails all pending calls with ErrServerGone.
func (a *Adapter) readLoop() {
	defer close(a.readerDone)
	for {
		body, err := a.rwc.ReadOne()
		if err != nil {
			if a.State() != StateClosed {
				a.transitionDead(err)
			}
			return
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			a.transitionDead(fmt.Errorf("adapter: protocol error: %w", err))
			return
		}

		switch {
		case msg.Method != "" && msg.ID == nil:
			// Notification from the server.
			kind := mcp.ClassifyNotification(msg.Method)
			if a.sink != nil {
				a.sink.Notify(kind, msg.Method, msg.Params)
			}
		case msg.ID != nil && (msg.Result != nil || msg.Error != nil):
			resp := &jsonrpc.Response{
				JSONRPCVersion: jsonrpc.ProtocolVersion,
				ID:             msg.ID,
				Result:         msg.Result,
				Error:          msg.Error,
			}
			a.disp.OnResponse(resp)
		case msg.Method != "" && msg.ID != nil:
			// The coordinator never receives server-initiated requests in
			// this protocol subset; treat as a protocol violation rather
			// than silently drop it.
			a.transitionDead(fmt.Errorf("adapter: unexpected server-initiated request %q", msg.Method))
			return
		}
	}
}
