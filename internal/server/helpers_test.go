package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"mnrestd/internal/api"
	"mnrestd/internal/emulator"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// freePort asks the kernel for an unused loopback port.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func newTestService(t *testing.T, emu emulator.Emulator, opts ...Option) *Service {
	t.Helper()
	if emu == nil {
		emu = emulator.NewMemory()
	}
	opts = append([]Option{WithHost("127.0.0.1")}, opts...)
	s, err := New(emu, freePort(t), opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return s
}

// startTestService returns a running service that is stopped on cleanup.
func startTestService(t *testing.T, emu emulator.Emulator, opts ...Option) *Service {
	t.Helper()
	s := newTestService(t, emu, opts...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func do(s *Service, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, kind string) api.ErrorBody {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	body := decode[api.ErrorBody](t, w)
	if body.ErrorKind != kind || body.Code != status {
		t.Fatalf("expected %s/%d, got %+v", kind, status, body)
	}
	return body
}

// hookEmulator overrides selected emulator calls on top of an in-memory one.
type hookEmulator struct {
	*emulator.Memory
	createNode func(ctx context.Context, spec emulator.NodeSpec) (string, error)
	listNodes  func(ctx context.Context) ([]emulator.Node, error)
}

func newHookEmulator() *hookEmulator {
	return &hookEmulator{Memory: emulator.NewMemory()}
}

func (h *hookEmulator) CreateNode(ctx context.Context, spec emulator.NodeSpec) (string, error) {
	if h.createNode != nil {
		return h.createNode(ctx, spec)
	}
	return h.Memory.CreateNode(ctx, spec)
}

func (h *hookEmulator) ListNodes(ctx context.Context) ([]emulator.Node, error) {
	if h.listNodes != nil {
		return h.listNodes(ctx)
	}
	return h.Memory.ListNodes(ctx)
}

func itoa(n int) string { return strconv.Itoa(n) }

func decodeJSON(resp *http.Response, dst any) error {
	return json.NewDecoder(resp.Body).Decode(dst)
}
