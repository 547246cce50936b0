package proto

import "fmt"

type ErrorCode string

const (
	CodeInvalidRequest            ErrorCode = "invalid_request"
	CodeFileNotFound              ErrorCode = "file_not_found"
	CodePermissionDenied          ErrorCode = "permission_denied"
	CodeProcessFailed             ErrorCode = "process_failed"
	CodeWasmFailed                ErrorCode = "wasm_failed"
	CodeTimeout                   ErrorCode = "timeout"
	CodeInternalError             ErrorCode = "internal_error"
	CodeUnsupported               ErrorCode = "unsupported"
	CodeResourceExhausted         ErrorCode = "resource_exhausted"
	CodePrivilegeEscalationFailed ErrorCode = "privilege_escalation_failed"
	CodeCancelled                 ErrorCode = "cancelled"
)

type ErrorDetails struct {
	Code    ErrorCode         `cbor:"1,keyasint"`
	Message string            `cbor:"2,keyasint"`
	Context map[string]string `cbor:"3,keyasint,omitempty"`
}

func (e *ErrorDetails) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

type ProcessExec struct {
	Command     []string          `cbor:"1,keyasint"`
	Env         map[string]string `cbor:"2,keyasint,omitempty"`
	Cwd         string            `cbor:"3,keyasint,omitempty"`
	Stdin       []byte            `cbor:"4,keyasint,omitempty"`
	TimeoutSecs uint32            `cbor:"5,keyasint,omitempty"`
	// Stream asks for output as StreamData chunks instead of buffered in the result
	Stream bool `cbor:"6,keyasint,omitempty"`
}

type ProcessResult struct {
	ExitCode   int    `cbor:"1,keyasint"`
	Stdout     []byte `cbor:"2,keyasint,omitempty"`
	Stderr     []byte `cbor:"3,keyasint,omitempty"`
	DurationMs uint64 `cbor:"4,keyasint"`
}

// ByteRange is a half open [Start, End) slice of a file. End 0 means to the end.
type ByteRange struct {
	Start uint64 `cbor:"1,keyasint"`
	End   uint64 `cbor:"2,keyasint,omitempty"`
}

type FileGet struct {
	Path  string     `cbor:"1,keyasint"`
	Range *ByteRange `cbor:"2,keyasint,omitempty"`
}

type FileMetadata struct {
	Size     uint64 `cbor:"1,keyasint"`
	Mode     uint32 `cbor:"2,keyasint"`
	Modified int64  `cbor:"3,keyasint"`
	IsDir    bool   `cbor:"4,keyasint,omitempty"`
	IsLink   bool   `cbor:"5,keyasint,omitempty"`
}

type FileContent struct {
	Content  []byte       `cbor:"1,keyasint"`
	Metadata FileMetadata `cbor:"2,keyasint"`
}

type FilePut struct {
	Path       string `cbor:"1,keyasint"`
	Content    []byte `cbor:"2,keyasint"`
	Mode       uint32 `cbor:"3,keyasint,omitempty"`
	CreateDirs bool   `cbor:"4,keyasint,omitempty"`
}

type FilePutResult struct {
	BytesWritten uint64 `cbor:"1,keyasint"`
}

type DirList struct {
	Path          string `cbor:"1,keyasint"`
	IncludeHidden bool   `cbor:"2,keyasint,omitempty"`
	Recursive     bool   `cbor:"3,keyasint,omitempty"`
}

type DirEntry struct {
	Name     string       `cbor:"1,keyasint"`
	Path     string       `cbor:"2,keyasint"`
	Metadata FileMetadata `cbor:"3,keyasint"`
}

type DirListing struct {
	Entries []DirEntry `cbor:"1,keyasint"`
}

// WasmExec runs a sandboxed module. Input and output are opaque here.
type WasmExec struct {
	Module      []byte `cbor:"1,keyasint"`
	Input       []byte `cbor:"2,keyasint,omitempty"`
	TimeoutSecs uint32 `cbor:"3,keyasint,omitempty"`
}

type WasmResult struct {
	Output []byte `cbor:"1,keyasint"`
}

type PrivilegeMethod string

const (
	PrivilegeSudo   PrivilegeMethod = "sudo"
	PrivilegeSu     PrivilegeMethod = "su"
	PrivilegeDoas   PrivilegeMethod = "doas"
	PrivilegeCustom PrivilegeMethod = "custom"
)

type Privilege struct {
	Method PrivilegeMethod `cbor:"1,keyasint"`
	// the wrapper command when Method is custom
	Custom         []string `cbor:"2,keyasint,omitempty"`
	Username       string   `cbor:"3,keyasint,omitempty"`
	Password       string   `cbor:"4,keyasint,omitempty"`
	PromptPatterns []string `cbor:"5,keyasint,omitempty"`
}

type PtyExec struct {
	Command     []string          `cbor:"1,keyasint"`
	Env         map[string]string `cbor:"2,keyasint,omitempty"`
	Cwd         string            `cbor:"3,keyasint,omitempty"`
	Privilege   *Privilege        `cbor:"4,keyasint,omitempty"`
	TimeoutSecs uint32            `cbor:"5,keyasint,omitempty"`
}

type PtyResult struct {
	ExitCode int    `cbor:"1,keyasint"`
	Output   []byte `cbor:"2,keyasint,omitempty"`
}

type Ping struct {
	Timestamp int64 `cbor:"1,keyasint"`
}

type Pong struct {
	Timestamp  int64 `cbor:"1,keyasint"`
	ServerTime int64 `cbor:"2,keyasint"`
}

// Hop describes one host of a route.
type Hop struct {
	Host         string            `cbor:"1,keyasint"`
	Port         int               `cbor:"2,keyasint,omitempty"`
	User         string            `cbor:"3,keyasint,omitempty"`
	IdentityFile string            `cbor:"4,keyasint,omitempty"`
	Options      map[string]string `cbor:"5,keyasint,omitempty"`
}

func (h Hop) String() string {
	s := h.Host
	if h.User != "" {
		s = h.User + "@" + s
	}
	if h.Port != 0 {
		s = fmt.Sprintf("%s:%d", s, h.Port)
	}
	return s
}

// AgentBinary is a build of the agent for one platform.
type AgentBinary struct {
	OS   string `cbor:"1,keyasint"`
	Arch string `cbor:"2,keyasint"`
	Data []byte `cbor:"3,keyasint"`
}

// Relay asks the agent to bring up an agent on Next and relay the stream's
// bytes to a connection with it.
type Relay struct {
	Next   Hop           `cbor:"1,keyasint"`
	Agents []AgentBinary `cbor:"2,keyasint,omitempty"`
}

// RelayResult reports how the next hop's agent was started. The stream
// carries that agent's bytes once it has been sent.
type RelayResult struct {
	OS       string `cbor:"1,keyasint"`
	Arch     string `cbor:"2,keyasint"`
	Strategy string `cbor:"3,keyasint"`
}

// Hello opens the handshake on a new connection, and also answers it.
type Hello struct {
	Version      uint8    `cbor:"1,keyasint"`
	AgentVersion string   `cbor:"2,keyasint,omitempty"`
	OS           string   `cbor:"3,keyasint,omitempty"`
	Arch         string   `cbor:"4,keyasint,omitempty"`
	Capabilities []string `cbor:"5,keyasint,omitempty"`
}

// Supports reports whether the peer advertised kind.
func (h *Hello) Supports(kind Kind) bool {
	for _, c := range h.Capabilities {
		if c == kind.String() {
			return true
		}
	}
	return false
}
