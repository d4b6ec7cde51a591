// Package jsonrpc defines the JSON-RPC 2.0 envelope types shared by every
// wire protocol the coordinator speaks: the local-socket RPC surface facing
// editor/agent clients and the MCP dialect spoken to subprocess servers.
// The package carries no transport or dispatch logic; see internal/frame for
// wire framing and internal/outbound for request/response correlation.
package jsonrpc
