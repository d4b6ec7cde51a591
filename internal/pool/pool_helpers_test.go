package pool

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/localmcp/mcpd/internal/adapter"
	"github.com/localmcp/mcpd/internal/frame"
	"github.com/localmcp/mcpd/internal/jsonrpc"
	"github.com/localmcp/mcpd/mcp"
)

// newHandshakedAdapter builds a real *adapter.Adapter backed by an
// in-memory pipe whose far end answers exactly one initialize request,
// so pool tests can exercise holder accounting against a genuinely Ready
// adapter without spawning a subprocess.
func newHandshakedAdapter(name string) (*adapter.Adapter, chan struct{}, func()) {
	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		r := frame.NewReader(serverRead)
		w := frame.NewWriter(serverWrite)
		for {
			body, err := r.ReadOne()
			if err != nil {
				return
			}
			var msg jsonrpc.AnyMessage
			if json.Unmarshal(body, &msg) != nil || msg.ID == nil {
				continue
			}
			if msg.Method == string(mcp.InitializeMethod) {
				result, _ := json.Marshal(mcp.InitializeResult{
					ProtocolVersion: mcp.LatestProtocolVersion,
					ServerInfo:      mcp.ImplementationInfo{Name: name},
				})
				resp := &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, ID: msg.ID, Result: result}
				b, _ := json.Marshal(resp)
				w.WriteOne(b)
			}
		}
	}()

	rwc := adapter.NewPipeTransport(frame.NewReader(clientRead), frame.NewWriter(clientWrite), func() error {
		clientRead.Close()
		clientWrite.Close()
		return nil
	})

	a, err := adapter.New(context.Background(), name, rwc, nil, time.Second)
	if err != nil {
		panic(err)
	}

	closeFn := func() {
		serverRead.Close()
		serverWrite.Close()
	}
	return a, serverDone, closeFn
}
