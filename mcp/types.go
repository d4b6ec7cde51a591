package mcp

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// LatestProtocolVersion is the latest version of the protocol this
// coordinator negotiates during initialize.
const LatestProtocolVersion = "2025-06-18"
