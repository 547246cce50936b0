// Package proto defines the messages carried on multiplexed streams and the
// request and response bodies of each request kind.
package proto

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Version is the message protocol version, negotiated once per connection
// in the Hello exchange.
const Version uint8 = 1

type Type uint8

const (
	TypeRequest Type = iota + 1
	TypeResponse
	TypeStreamData
	TypeControl
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeStreamData:
		return "stream-data"
	case TypeControl:
		return "control"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Kind tags what a request asks for. Handlers are looked up by Kind.
type Kind uint8

const (
	KindProcessExec Kind = iota + 1
	KindFileGet
	KindFilePut
	KindDirList
	KindWasmExec
	KindPtyExec
	KindPing
	KindRelay
	// KindHello is only used on control messages
	KindHello
)

var kindNames = map[Kind]string{
	KindProcessExec: "process-exec",
	KindFileGet:     "file-get",
	KindFilePut:     "file-put",
	KindDirList:     "dir-list",
	KindWasmExec:    "wasm-exec",
	KindPtyExec:     "pty-exec",
	KindPing:        "ping",
	KindRelay:       "relay",
	KindHello:       "hello",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

type Status uint8

const (
	StatusOK Status = iota + 1
	StatusError
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Channel names the output a StreamData chunk belongs to.
type Channel uint8

const (
	ChannelStdout Channel = iota + 1
	ChannelStderr
	ChannelData
)

// Message is the envelope for everything sent on a stream or on the control
// channel. ID correlates a Response and any StreamData with its Request.
type Message struct {
	Type    Type            `cbor:"1,keyasint"`
	ID      uuid.UUID       `cbor:"2,keyasint"`
	Kind    Kind            `cbor:"3,keyasint,omitempty"`
	Status  Status          `cbor:"4,keyasint,omitempty"`
	Body    cbor.RawMessage `cbor:"5,keyasint,omitempty"`
	Error   *ErrorDetails   `cbor:"6,keyasint,omitempty"`
	Channel Channel         `cbor:"7,keyasint,omitempty"`
	Data    []byte          `cbor:"8,keyasint,omitempty"`
}

var ErrMalformedMessage = errors.New("malformed message")

func NewID() uuid.UUID { return uuid.New() }

func encodeBody(body interface{}) (cbor.RawMessage, error) {
	if body == nil {
		return nil, nil
	}
	b, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding message body: %w", err)
	}
	return b, nil
}

// NewRequest builds a request of kind with a fresh correlation id.
func NewRequest(kind Kind, body interface{}) (*Message, error) {
	b, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypeRequest, ID: NewID(), Kind: kind, Body: b}, nil
}

// NewResponse answers req successfully.
func NewResponse(req *Message, body interface{}) (*Message, error) {
	b, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypeResponse, ID: req.ID, Kind: req.Kind, Status: StatusOK, Body: b}, nil
}

// NewErrorResponse answers the request with id unsuccessfully.
func NewErrorResponse(id uuid.UUID, kind Kind, code ErrorCode, msg string) *Message {
	status := StatusError
	if code == CodeCancelled {
		status = StatusCancelled
	}
	return &Message{
		Type:   TypeResponse,
		ID:     id,
		Kind:   kind,
		Status: status,
		Error:  &ErrorDetails{Code: code, Message: msg},
	}
}

func NewStreamData(req *Message, ch Channel, data []byte) *Message {
	return &Message{Type: TypeStreamData, ID: req.ID, Kind: req.Kind, Channel: ch, Data: data}
}

func NewControl(kind Kind, body interface{}) (*Message, error) {
	b, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypeControl, ID: NewID(), Kind: kind, Body: b}, nil
}

// Decode unmarshals the message body into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Body) == 0 {
		return fmt.Errorf("%w: %v %v has no body", ErrMalformedMessage, m.Type, m.Kind)
	}
	if err := cbor.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("%w: %v body: %v", ErrMalformedMessage, m.Kind, err)
	}
	return nil
}

// Validate checks the fields every message of its type must carry.
func (m *Message) Validate() error {
	if m.ID == uuid.Nil {
		return fmt.Errorf("%w: missing correlation id", ErrMalformedMessage)
	}
	switch m.Type {
	case TypeRequest, TypeControl:
		if !m.Kind.Valid() {
			return fmt.Errorf("%w: unknown kind %v", ErrMalformedMessage, m.Kind)
		}
	case TypeResponse:
		if m.Status == 0 {
			return fmt.Errorf("%w: response without status", ErrMalformedMessage)
		}
		if m.Status != StatusOK && m.Error == nil {
			return fmt.Errorf("%w: failed response without error details", ErrMalformedMessage)
		}
	case TypeStreamData:
	default:
		return fmt.Errorf("%w: unknown type %v", ErrMalformedMessage, m.Type)
	}
	return nil
}

// Err turns a failed response into an error. It is nil for a successful one.
func (m *Message) Err() error {
	if m.Type != TypeResponse || m.Status == StatusOK {
		return nil
	}
	if m.Error == nil {
		return &ErrorDetails{Code: CodeInternalError, Message: "response failed without details"}
	}
	return m.Error
}

// Marshal encodes m.
func Marshal(m *Message) ([]byte, error) { return cbor.Marshal(m) }

// Unmarshal decodes and validates a single message.
func Unmarshal(b []byte) (*Message, error) {
	m := new(Message)
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteMessage writes m with a single Write, so messages from concurrent
// writers on the same stream never interleave.
func WriteMessage(w io.Writer, m *Message) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Reader reads consecutive messages off a stream. CBOR items are self
// delimiting, so no extra framing is needed.
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader { return &Reader{dec: cbor.NewDecoder(r)} }

// Read returns io.EOF when the stream ends cleanly between messages.
func (r *Reader) Read() (*Message, error) {
	m := new(Message)
	if err := r.dec.Decode(m); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		var syn *cbor.SyntaxError
		var typ *cbor.UnmarshalTypeError
		if errors.As(err, &syn) || errors.As(err, &typ) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// byteReader hands out one byte per Read, so a decoder wrapped around it
// never holds bytes past the item it is decoding.
type byteReader struct{ r io.Reader }

func (b byteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return b.r.Read(p)
}

// ReadOne reads a single message and nothing after it, for a stream that is
// handed to another protocol once the message is in.
func ReadOne(r io.Reader) (*Message, error) {
	return NewReader(byteReader{r}).Read()
}
