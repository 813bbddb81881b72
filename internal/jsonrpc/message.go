// Package jsonrpc implements the request/response protocol spoken over a
// frame stream: the message envelope, the client-side correlator (Conn) and
// the server-side dispatcher (Server).
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ProtocolVersion is announced in the welcome handshake.
const ProtocolVersion = "1.10"

// Response status values.
const (
	StatusSuccess      = "success"
	StatusFailure      = "error"
	StatusUnauthorized = "unauthorized"
)

// Kind classifies a decoded message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is the wire envelope. Exactly one shape is valid at a time:
// a request carries id and method, a response carries id and status, a
// notification carries method (or notification) and no id.
type Message struct {
	ID           *int            `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	Notification string          `json:"notification,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Status       string          `json:"status,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Kind reports which of the three message shapes m has.
func (m *Message) Kind() Kind {
	switch {
	case m.ID != nil && m.Status != "" && m.Method == "":
		return KindResponse
	case m.ID != nil && m.Method != "" && m.Status == "":
		return KindRequest
	case m.ID == nil && m.Status == "" && (m.Method != "" || m.Notification != ""):
		return KindNotification
	default:
		return KindInvalid
	}
}

// Name returns the method name of a request or notification.
func (m *Message) Name() string {
	if m.Method != "" {
		return m.Method
	}
	return m.Notification
}

// Welcome is the handshake object a server sends unprompted on every new
// connection. JSONRPC.Hello returns the same object.
type Welcome struct {
	ID                     *int   `json:"id,omitempty"`
	Server                 string `json:"server"`
	Name                   string `json:"name,omitempty"`
	Version                string `json:"version"`
	UUID                   string `json:"uuid,omitempty"`
	Language               string `json:"language,omitempty"`
	Locale                 string `json:"locale,omitempty"`
	ProtocolVersion        string `json:"protocol version"`
	InitialSetupRequired   bool   `json:"initialSetupRequired"`
	AuthenticationRequired bool   `json:"authenticationRequired"`
}

var errBadWelcome = errors.New("jsonrpc: invalid welcome message")

func (w *Welcome) validate() error {
	var missing []string
	if w.Server == "" {
		missing = append(missing, "server")
	}
	if w.Version == "" {
		missing = append(missing, "version")
	}
	if w.ProtocolVersion == "" {
		missing = append(missing, "protocol version")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", errBadWelcome, strings.Join(missing, ", "))
	}
	return nil
}

// Response is a resolved request as seen by the caller.
type Response struct {
	ID     int
	Status string
	Params json.RawMessage
	Error  string
}

// Decode unmarshals the response params into v. Empty params leave v untouched.
func (r *Response) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("jsonrpc: decode params of response %d: %w", r.ID, err)
	}
	return nil
}

// StatusError is returned by Conn.Request when the transport status is not success.
type StatusError struct {
	Method string
	Status string
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("jsonrpc: %s: status %s", e.Method, e.Status)
	}
	return fmt.Sprintf("jsonrpc: %s: %s: %s", e.Method, e.Status, e.Msg)
}

// SplitMethod splits "Namespace.Verb" into its parts.
func SplitMethod(method string) (namespace, verb string, ok bool) {
	namespace, verb, ok = strings.Cut(method, ".")
	if !ok || namespace == "" || verb == "" || strings.Contains(verb, ".") {
		return "", "", false
	}
	return namespace, verb, true
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" || string(data) == "{}" {
		return nil, nil
	}
	return data, nil
}
