package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"

	"golang.org/x/sys/unix"

	"mnrestd/internal/api"
	"mnrestd/internal/emulator"
)

var (
	ErrAlreadyRunning      = errors.New("server: already running")
	ErrNotRunning          = errors.New("server: not running")
	ErrServiceUnavailable  = errors.New("server: service unavailable")
	ErrServiceShuttingDown = errors.New("server: service shutting down")
)

// BindError is returned by Start when the listening socket cannot be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("server: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// AddrInUse reports whether another socket already holds the address.
func (e *BindError) AddrInUse() bool {
	return errors.Is(e.Err, unix.EADDRINUSE)
}

// PermissionDenied reports whether the process may not bind the port.
func (e *BindError) PermissionDenied() bool {
	return errors.Is(e.Err, unix.EACCES) || errors.Is(e.Err, syscall.EPERM)
}

// statusClientClosedRequest reports a dispatch abandoned because the client
// went away. The client never sees it; it only shows up in access logs.
const statusClientClosedRequest = 499

// requestError is an error raised by a handler before reaching the emulator.
type requestError struct {
	kind    string
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func invalidRequest(format string, args ...any) error {
	return &requestError{kind: api.KindInvalidRequest, status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

// classify maps an error from the dispatch path to its response. Internal
// failures are reported with a generic message; the caller logs the detail.
func classify(err error) (status int, body api.ErrorBody) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.status, errorBody(reqErr.kind, reqErr.message, reqErr.status)
	case errors.Is(err, ErrServiceShuttingDown):
		return http.StatusServiceUnavailable, errorBody(api.KindServiceShuttingDown, "service is shutting down", http.StatusServiceUnavailable)
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorBody(api.KindServiceUnavailable, "service is not running", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, errorBody(api.KindRequestCanceled, "request canceled", statusClientClosedRequest)
	case errors.Is(err, emulator.ErrInvalidSpec):
		return http.StatusBadRequest, errorBody(api.KindInvalidRequest, err.Error(), http.StatusBadRequest)
	case errors.Is(err, emulator.ErrNotFound):
		return http.StatusNotFound, errorBody(api.KindNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, emulator.ErrConflict):
		return http.StatusConflict, errorBody(api.KindConflict, err.Error(), http.StatusConflict)
	default:
		return http.StatusInternalServerError, errorBody(api.KindInternalError, "internal error", http.StatusInternalServerError)
	}
}

func errorBody(kind, message string, code int) api.ErrorBody {
	return api.ErrorBody{ErrorKind: kind, Message: message, Code: code}
}
