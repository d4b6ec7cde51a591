// Package mcp contains the wire-level MCP types the coordinator needs as
// a client: the initialize handshake, capability advertisement, and
// notification classification. It is intentionally not the full MCP
// protocol catalog — the coordinator never serves tools, resources,
// prompts, sampling, completion, roots, or elicitation to anyone; it only
// dials servers that implement them and multiplexes the resulting
// connections.
//
// Method and notification method params beyond the handshake are kept as
// opaque json.RawMessage by internal/adapter and internal/rpcserver
// rather than typed here, since the coordinator never inspects their
// shape — it forwards them verbatim between a client and whichever
// server is live.
package mcp
