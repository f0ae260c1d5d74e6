package transport

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNodeNotConnected = errors.New("node not connected")
	ErrHandlerNotFound  = errors.New("no handler registered for action")
	ErrTransportClosed  = errors.New("transport closed")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrInternal         = errors.New("internal error")
)

const (
	CodeNotConnected   = "transport.not_connected"
	CodeNoHandler      = "transport.no_handler"
	CodeClosed         = "transport.closed"
	CodeInvalidRequest = "transport.invalid_request"
	CodeTimeout        = "transport.timeout"
	CodeInternal       = "internal"
)

type errorCode struct {
	code     string
	sentinel error
}

var (
	codesMu sync.RWMutex
	codes   = []errorCode{
		{CodeNotConnected, ErrNodeNotConnected},
		{CodeNoHandler, ErrHandlerNotFound},
		{CodeClosed, ErrTransportClosed},
		{CodeInvalidRequest, ErrInvalidRequest},
		{CodeTimeout, ErrRequestTimeout},
	}
)

// RegisterErrorCode maps a wire code to a sentinel error. A handler error that matches
// the sentinel (errors.Is) is sent as that code, and the RemoteError rebuilt on the
// caller matches the same sentinel. Codes registered earlier take precedence.
func RegisterErrorCode(code string, sentinel error) {
	codesMu.Lock()
	defer codesMu.Unlock()
	for i, c := range codes {
		if c.code == code {
			codes[i].sentinel = sentinel
			return
		}
	}
	codes = append(codes, errorCode{code: code, sentinel: sentinel})
}

func codeFor(err error) string {
	codesMu.RLock()
	defer codesMu.RUnlock()
	for _, c := range codes {
		if errors.Is(err, c.sentinel) {
			return c.code
		}
	}
	return CodeInternal
}

func sentinelFor(code string) error {
	codesMu.RLock()
	defer codesMu.RUnlock()
	for _, c := range codes {
		if c.code == code {
			return c.sentinel
		}
	}
	return nil
}

// WireError is the error body carried in a response envelope.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewWireError encodes err for the wire.
func NewWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	return &WireError{Code: codeFor(err), Message: err.Error()}
}

// RemoteError is an error returned by the handler on another node.
type RemoteError struct {
	Node    string
	Action  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("[%s][%s] remote error %s: %s", e.Node, e.Action, e.Code, e.Message)
}

// Is matches the sentinel registered for the remote code.
func (e *RemoteError) Is(target error) bool {
	if s := sentinelFor(e.Code); s != nil {
		return errors.Is(s, target)
	}
	return target == ErrInternal && e.Code == CodeInternal
}

// IsRemote reports whether err came back from another node's handler.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
