package adapter

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/localmcp/mcpd/internal/frame"
	"github.com/localmcp/mcpd/internal/jsonrpc"
	"github.com/localmcp/mcpd/mcp"
)

// fakeServer simulates a subprocess MCP server on the other end of an
// in-memory pipe: it replies to initialize and echoes a "double" method.
type fakeServer struct {
	r *frame.Reader
	w *frame.Writer
}

func (s *fakeServer) run(t *testing.T) {
	for {
		body, err := s.r.ReadOne()
		if err != nil {
			return
		}
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Logf("fake server: bad message: %v", err)
			return
		}
		if msg.Method == string(mcp.InitializedNotificationMethod) {
			continue
		}
		if msg.ID == nil {
			continue
		}
		switch msg.Method {
		case string(mcp.InitializeMethod):
			result, _ := json.Marshal(mcp.InitializeResult{
				ProtocolVersion: mcp.LatestProtocolVersion,
				Capabilities:    mcp.ServerCapabilities{Tools: json.RawMessage(`{}`)},
				ServerInfo:      mcp.ImplementationInfo{Name: "fake", Version: "1.0"},
			})
			resp := &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, ID: msg.ID, Result: result}
			b, _ := json.Marshal(resp)
			s.w.WriteOne(b)
		case "double":
			var params struct{ N int }
			json.Unmarshal(msg.Params, &params)
			result, _ := json.Marshal(map[string]int{"n": params.N * 2})
			resp := &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, ID: msg.ID, Result: result}
			b, _ := json.Marshal(resp)
			s.w.WriteOne(b)
		case "hang":
			// never respond; used to test cancellation.
		}
	}
}

type fakeSink struct {
	notes []string
}

func (s *fakeSink) Notify(kind mcp.NotificationKind, method string, params json.RawMessage) {
	s.notes = append(s.notes, method)
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeServer, func()) {
	t.Helper()
	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	srv := &fakeServer{r: frame.NewReader(serverRead), w: frame.NewWriter(serverWrite)}
	go srv.run(t)

	rwc := NewPipeTransport(frame.NewReader(clientRead), frame.NewWriter(clientWrite), func() error {
		clientRead.Close()
		clientWrite.Close()
		return nil
	})

	a, err := New(context.Background(), "fake-server", rwc, &fakeSink{}, 2*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cleanup := func() {
		a.Close()
		serverRead.Close()
		serverWrite.Close()
	}
	return a, srv, cleanup
}

func TestNewPerformsHandshake(t *testing.T) {
	a, _, cleanup := newTestAdapter(t)
	defer cleanup()

	if a.State() != StateReady {
		t.Fatalf("State() = %v, want Ready", a.State())
	}
	if a.ServerInfo().Name != "fake" {
		t.Fatalf("ServerInfo().Name = %q, want fake", a.ServerInfo().Name)
	}
}

func TestCallRoundTrip(t *testing.T) {
	a, _, cleanup := newTestAdapter(t)
	defer cleanup()

	params, _ := json.Marshal(map[string]int{"N": 21})
	result, rpcErr, err := a.Call(context.Background(), "double", params)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	var out struct{ N int }
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.N != 42 {
		t.Fatalf("N = %d, want 42", out.N)
	}
}

func TestCallFailsAfterContextDeadline(t *testing.T) {
	a, _, cleanup := newTestAdapter(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := a.Call(ctx, "hang", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected Call to fail after context deadline")
	}
}

func TestCloseStopsReaderAndMarksClosed(t *testing.T) {
	a, _, cleanup := newTestAdapter(t)
	defer cleanup()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.State() != StateClosed {
		t.Fatalf("State() = %v, want Closed", a.State())
	}
}

func TestHandshakeTimeout(t *testing.T) {
	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()
	defer serverWrite.Close()
	defer serverRead.Close()
	defer clientRead.Close()
	defer clientWrite.Close()

	rwc := NewPipeTransport(frame.NewReader(clientRead), frame.NewWriter(clientWrite), func() error {
		clientRead.Close()
		clientWrite.Close()
		return nil
	})

	_, err := New(context.Background(), "slow-server", rwc, nil, 30*time.Millisecond)
	if err != ErrStartupTimeout {
		t.Fatalf("got %v, want ErrStartupTimeout", err)
	}
}
