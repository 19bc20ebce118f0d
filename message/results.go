package message

// Reserved and built-in method names.
const (
	MethodInitialize = "initialize"
	MethodShutdown   = "shutdown"
	MethodPing       = "bridge.ping"
)

// Protocol identity advertised by the bridge.
const (
	ProtocolName    = "pymolcode-jsonrpc"
	ProtocolVersion = "2026-02-25"
	TransportName   = "content-length"
)

type InitializeResult struct {
	ProtocolVersion string   `json:"protocolVersion"`
	Capabilities    []string `json:"capabilities"`
}

type ShutdownResult struct {
	OK bool `json:"ok"`
}

// PingResult is the protocol metadata returned by bridge.ping.
type PingResult struct {
	Protocol        string            `json:"protocol"`
	ProtocolVersion string            `json:"protocol_version"`
	JSONRPCVersion  string            `json:"jsonrpc_version"`
	Transport       string            `json:"transport"`
	Methods         []string          `json:"methods"`
	MethodCatalog   map[string]string `json:"method_catalog"`
}
