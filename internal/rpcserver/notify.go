package rpcserver

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/localmcp/mcpd/internal/jsonrpc"
	"github.com/localmcp/mcpd/internal/session"
	"github.com/localmcp/mcpd/mcp"
)

// serverBroadcaster fans out one MCP server's notifications to every
// client connection with an outstanding query against that server,
// tagging each forwarded notification with the originating server name
// and the client's outer-envelope request id per spec.md §6.2. It
// implements adapter.Sink and is long-lived: the daemon's adapter
// factory obtains one per server name and passes it to adapter.New, so
// it must exist before any client connection does.
type serverBroadcaster struct {
	server string

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	w         *writer
	requestID string
}

// Notify implements adapter.Sink. Delivery to each subscriber is a single
// synchronous frame write whose error is ignored. There is no per-client
// queue or write deadline: a client that stops reading blocks the write,
// and with it the adapter's reader task for every session sharing this
// server.
func (b *serverBroadcaster) Notify(kind mcp.NotificationKind, method string, params json.RawMessage) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		tagged := taggedNotification{Server: b.server, RequestID: sub.requestID, Params: params}
		paramsBytes, err := json.Marshal(tagged)
		if err != nil {
			continue
		}
		msg := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: paramsBytes}
		_ = sub.w.writeMessage(msg)
	}
}

// taggedNotification wraps a forwarded MCP notification's params with the
// originating server and the client request it is associated with.
type taggedNotification struct {
	Server    string          `json:"server"`
	RequestID string          `json:"requestId"`
	Params    json.RawMessage `json:"params"`
}

// SinkFor returns the long-lived broadcaster for server, creating it on
// first use. The daemon's adapter factory calls this when constructing an
// adapter for server, so the resulting adapter.Sink outlives any single
// client connection.
func (s *Server) SinkFor(server string) *serverBroadcaster {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcasters == nil {
		s.broadcasters = make(map[string]*serverBroadcaster)
	}
	b, ok := s.broadcasters[server]
	if !ok {
		b = &serverBroadcaster{server: server, subs: make(map[string]*subscription)}
		s.broadcasters[server] = b
	}
	return b
}

// notifier tracks one client connection's outstanding per-server
// subscriptions so they can all be removed when the connection closes.
type notifier struct {
	s    *Server
	sess *session.Session
	w    *writer

	mu   sync.Mutex
	keys map[string]struct{} // "server|subscriptionKey" pairs currently registered
}

func (s *Server) notifierFor(sess *session.Session, w *writer) *notifier {
	return &notifier{s: s, sess: sess, w: w, keys: make(map[string]struct{})}
}

func (n *notifier) subscribe(server, requestID string) {
	b := n.s.SinkFor(server)
	key := fmt.Sprintf("%p:%s", n, requestID)

	b.mu.Lock()
	b.subs[key] = &subscription{w: n.w, requestID: requestID}
	b.mu.Unlock()

	n.mu.Lock()
	n.keys[server+"|"+key] = struct{}{}
	n.mu.Unlock()
}

func (n *notifier) unsubscribe(server, requestID string) {
	key := fmt.Sprintf("%p:%s", n, requestID)
	b := n.s.SinkFor(server)

	b.mu.Lock()
	delete(b.subs, key)
	b.mu.Unlock()

	n.mu.Lock()
	delete(n.keys, server+"|"+key)
	n.mu.Unlock()
}

func (n *notifier) unsubscribeAll() {
	n.mu.Lock()
	keys := make([]string, 0, len(n.keys))
	for k := range n.keys {
		keys = append(keys, k)
	}
	n.keys = make(map[string]struct{})
	n.mu.Unlock()

	for _, combined := range keys {
		var server, key string
		for i := 0; i < len(combined); i++ {
			if combined[i] == '|' {
				server, key = combined[:i], combined[i+1:]
				break
			}
		}
		if server == "" {
			continue
		}
		b := n.s.SinkFor(server)
		b.mu.Lock()
		delete(b.subs, key)
		b.mu.Unlock()
	}
}
