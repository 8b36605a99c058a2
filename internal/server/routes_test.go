package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mnrestd/internal/api"
	"mnrestd/internal/emulator"
)

func TestListNodes_Empty(t *testing.T) {
	s := startTestService(t, nil)
	w := do(s, http.MethodGet, "/nodes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"nodes":[]}` {
		t.Fatalf("unexpected body %s", got)
	}
}

func TestCreateNode_ThenList(t *testing.T) {
	s := startTestService(t, nil)
	w := do(s, http.MethodPost, "/nodes", `{"name":"h1","ip":"10.0.0.1/8"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decode[api.NodeResponse](t, w)
	if created.Node.Name != "h1" || created.Node.Kind != "host" || created.Node.ID == "" {
		t.Fatalf("unexpected node %+v", created.Node)
	}

	list := decode[api.NodeListResponse](t, do(s, http.MethodGet, "/nodes", ""))
	if len(list.Nodes) != 1 || list.Nodes[0].Name != "h1" || list.Nodes[0].IP != "10.0.0.1/8" {
		t.Fatalf("unexpected list %+v", list)
	}

	got := decode[api.NodeResponse](t, do(s, http.MethodGet, "/nodes/h1", ""))
	if got.Node.ID != created.Node.ID {
		t.Fatalf("GET returned %+v", got.Node)
	}
}

func TestCreateNode_YAMLBody(t *testing.T) {
	s := startTestService(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/nodes", strings.NewReader("name: s1\nkind: switch\n"))
	req.Header.Set("Content-Type", "application/x-yaml")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if node := decode[api.NodeResponse](t, w).Node; node.Kind != "switch" {
		t.Fatalf("unexpected kind %q", node.Kind)
	}
}

func TestCreateNode_ConflictLeavesTopologyUnchanged(t *testing.T) {
	s := startTestService(t, nil)
	first := decode[api.NodeResponse](t, do(s, http.MethodPost, "/nodes", `{"name":"h1"}`))

	expectError(t, do(s, http.MethodPost, "/nodes", `{"name":"h1","kind":"switch"}`), http.StatusConflict, api.KindConflict)

	list := decode[api.NodeListResponse](t, do(s, http.MethodGet, "/nodes", ""))
	if len(list.Nodes) != 1 || list.Nodes[0].ID != first.Node.ID || list.Nodes[0].Kind != "host" {
		t.Fatalf("topology changed after conflict: %+v", list)
	}
}

func TestCreateNode_Malformed(t *testing.T) {
	s := startTestService(t, nil)
	cases := map[string]string{
		"broken json":   `{"name":`,
		"unknown field": `{"name":"h1","cpu":2}`,
		"wrong type":    `{"name":5}`,
		"bad kind":      `{"name":"h1","kind":"router"}`,
		"bad name":      `{"name":"1h"}`,
		"bad ip":        `{"name":"h1","ip":"10.0.0.300/8"}`,
		"trailing data": `{"name":"h1"} {}`,
		"stray brace":   `{"name":"h1"}}`,
		"stray bracket": `{"name":"h1"}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			expectError(t, do(s, http.MethodPost, "/nodes", body), http.StatusBadRequest, api.KindInvalidRequest)
		})
	}
	expectError(t, do(s, http.MethodPost, "/nodes", ""), http.StatusBadRequest, api.KindInvalidRequest)
	expectError(t, do(s, http.MethodPost, "/nodes", "name=h1", "Content-Type", "application/x-www-form-urlencoded"),
		http.StatusBadRequest, api.KindInvalidRequest)

	list := decode[api.NodeListResponse](t, do(s, http.MethodGet, "/nodes", ""))
	if len(list.Nodes) != 0 {
		t.Fatalf("malformed requests created nodes: %+v", list)
	}
}

func TestRemoveNode(t *testing.T) {
	s := startTestService(t, nil)
	expectError(t, do(s, http.MethodDelete, "/nodes/h1", ""), http.StatusNotFound, api.KindNotFound)

	do(s, http.MethodPost, "/nodes", `{"name":"h1"}`)
	w := do(s, http.MethodDelete, "/nodes/h1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if decode[api.RemovedResponse](t, w).Removed != "h1" {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
	expectError(t, do(s, http.MethodGet, "/nodes/h1", ""), http.StatusNotFound, api.KindNotFound)
}

func TestLinks(t *testing.T) {
	s := startTestService(t, nil)
	for _, body := range []string{`{"name":"h1"}`, `{"name":"s1","kind":"switch"}`} {
		if w := do(s, http.MethodPost, "/nodes", body); w.Code != http.StatusCreated {
			t.Fatalf("create node: %d %s", w.Code, w.Body.String())
		}
	}

	w := do(s, http.MethodPost, "/links", `{"endpoint_a":{"node":"h1"},"endpoint_b":{"node":"s1"},"params":{"bw_mbit":10,"delay":"5ms"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	link := decode[api.LinkResponse](t, w).Link
	if link.A.Intf != "h1-eth0" || link.B.Intf != "s1-eth0" || link.Params.Delay != "5ms" {
		t.Fatalf("unexpected link %+v", link)
	}

	expectError(t, do(s, http.MethodPost, "/links", `{"endpoint_a":{"node":"h1"},"endpoint_b":{"node":"ghost"}}`),
		http.StatusNotFound, api.KindNotFound)
	expectError(t, do(s, http.MethodPost, "/links", `{"endpoint_a":{"node":"h1","intf":"h1-eth0"},"endpoint_b":{"node":"s1"}}`),
		http.StatusConflict, api.KindConflict)
	expectError(t, do(s, http.MethodPost, "/links", `{"endpoint_a":{"node":"h1"},"endpoint_b":{"node":"h1"}}`),
		http.StatusBadRequest, api.KindInvalidRequest)

	links := decode[api.LinkListResponse](t, do(s, http.MethodGet, "/links", ""))
	if len(links.Links) != 1 || links.Links[0].ID != link.ID {
		t.Fatalf("unexpected links %+v", links)
	}
	node := decode[api.NodeResponse](t, do(s, http.MethodGet, "/nodes/h1", "")).Node
	if len(node.Interfaces) != 1 || node.Interfaces[0] != "h1-eth0" {
		t.Fatalf("unexpected interfaces %v", node.Interfaces)
	}

	if w := do(s, http.MethodDelete, "/links/"+link.ID, ""); w.Code != http.StatusOK {
		t.Fatalf("delete link: %d %s", w.Code, w.Body.String())
	}
	expectError(t, do(s, http.MethodDelete, "/links/"+link.ID, ""), http.StatusNotFound, api.KindNotFound)
}

func TestCreateLink_NonFiniteParamsRejected(t *testing.T) {
	s := startTestService(t, nil)
	do(s, http.MethodPost, "/nodes", `{"name":"h1"}`)
	do(s, http.MethodPost, "/nodes", `{"name":"h2"}`)

	for _, params := range []string{"{bw_mbit: .inf}", "{bw_mbit: .nan}", "{loss_pct: .nan}", "{loss_pct: -.inf}"} {
		body := "endpoint_a: {node: h1}\nendpoint_b: {node: h2}\nparams: " + params + "\n"
		expectError(t, do(s, http.MethodPost, "/links", body, "Content-Type", "application/x-yaml"),
			http.StatusBadRequest, api.KindInvalidRequest)
	}

	links := decode[api.LinkListResponse](t, do(s, http.MethodGet, "/links", ""))
	if len(links.Links) != 0 {
		t.Fatalf("rejected links were stored: %+v", links)
	}
	topo := decode[api.TopologyResponse](t, do(s, http.MethodGet, "/topology", ""))
	if len(topo.Nodes) != 2 || len(topo.Links) != 0 {
		t.Fatalf("unexpected topology %+v", topo)
	}
}

func TestRemoveNode_CascadesLinks(t *testing.T) {
	s := startTestService(t, nil)
	do(s, http.MethodPost, "/nodes", `{"name":"h1"}`)
	do(s, http.MethodPost, "/nodes", `{"name":"h2"}`)
	do(s, http.MethodPost, "/links", `{"endpoint_a":{"node":"h1"},"endpoint_b":{"node":"h2"}}`)

	do(s, http.MethodDelete, "/nodes/h2", "")
	topo := decode[api.TopologyResponse](t, do(s, http.MethodGet, "/topology", ""))
	if len(topo.Nodes) != 1 || len(topo.Links) != 0 {
		t.Fatalf("unexpected topology %+v", topo)
	}
	if len(topo.Nodes[0].Interfaces) != 0 {
		t.Fatalf("h1 kept interfaces %v", topo.Nodes[0].Interfaces)
	}
}

func TestUnmatchedRoute(t *testing.T) {
	s := startTestService(t, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/switches"},
		{http.MethodPut, "/nodes"},
		{http.MethodPatch, "/nodes/h1"},
		{http.MethodGet, "/"},
	} {
		body := expectError(t, do(s, tc.method, tc.path, ""), http.StatusNotFound, api.KindNotFound)
		if !strings.Contains(body.Message, tc.path) {
			t.Fatalf("message %q should name the path", body.Message)
		}
	}
}

func TestDispatch_NotRunning(t *testing.T) {
	s := newTestService(t, nil)
	expectError(t, do(s, http.MethodGet, "/nodes", ""), http.StatusServiceUnavailable, api.KindServiceUnavailable)
	expectError(t, do(s, http.MethodGet, "/nowhere", ""), http.StatusServiceUnavailable, api.KindServiceUnavailable)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if w := do(s, http.MethodGet, "/nodes", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 while running, got %d", w.Code)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	expectError(t, do(s, http.MethodPost, "/nodes", `{"name":"h1"}`), http.StatusServiceUnavailable, api.KindServiceUnavailable)
}

func TestCollaboratorFailure_IsGeneric500(t *testing.T) {
	emu := newHookEmulator()
	emu.listNodes = func(ctx context.Context) ([]emulator.Node, error) {
		return nil, errors.New("namespace table corrupted: secret detail")
	}
	s := startTestService(t, emu)
	body := expectError(t, do(s, http.MethodGet, "/nodes", ""), http.StatusInternalServerError, api.KindInternalError)
	if strings.Contains(body.Message, "secret") {
		t.Fatalf("internal detail leaked: %q", body.Message)
	}
}

func TestCollaboratorPanic_IsRecovered(t *testing.T) {
	emu := newHookEmulator()
	emu.createNode = func(ctx context.Context, spec emulator.NodeSpec) (string, error) {
		panic("emulator exploded")
	}
	s := startTestService(t, emu)
	expectError(t, do(s, http.MethodPost, "/nodes", `{"name":"h1"}`), http.StatusInternalServerError, api.KindInternalError)

	// The gate was released: later mutations still go through.
	emu.createNode = nil
	if w := do(s, http.MethodPost, "/nodes", `{"name":"h2"}`); w.Code != http.StatusCreated {
		t.Fatalf("expected 201 after panic, got %d", w.Code)
	}
}

func TestCollaboratorTimeout_IsInternalError(t *testing.T) {
	emu := newHookEmulator()
	release := make(chan struct{})
	defer close(release)
	emu.createNode = func(ctx context.Context, spec emulator.NodeSpec) (string, error) {
		<-release
		return "", errors.New("too late")
	}
	s := startTestService(t, emu, WithCallTimeout(50*time.Millisecond))

	start := time.Now()
	expectError(t, do(s, http.MethodPost, "/nodes", `{"name":"h1"}`), http.StatusInternalServerError, api.KindInternalError)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("dispatch blocked for %s", elapsed)
	}
}

func TestSystemEndpoints(t *testing.T) {
	s := startTestService(t, nil, WithVersion("1.2.3"))

	v := decode[api.VersionResponse](t, do(s, http.MethodGet, "/version", ""))
	if v.Version != "1.2.3" || v.ServiceID != s.ID() {
		t.Fatalf("unexpected version %+v", v)
	}

	ready := decode[api.ReadinessResponse](t, do(s, http.MethodGet, "/health/ready", ""))
	if !ready.Ready || ready.Status != "ok" || len(ready.Components) != 2 {
		t.Fatalf("unexpected readiness %+v", ready)
	}

	live := decode[map[string]string](t, do(s, http.MethodGet, "/health/live", ""))
	if live["status"] != "ok" {
		t.Fatalf("unexpected liveness %+v", live)
	}

	w := do(s, http.MethodGet, "/openapi.yaml", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "openapi: 3.0.3") {
		t.Fatalf("unexpected openapi response %d", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := startTestService(t, nil)
	w := do(s, http.MethodGet, "/nodes", "", "X-Request-ID", "abc-123")
	if got := w.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("request id not propagated: %q", got)
	}
	if w := do(s, http.MethodGet, "/nodes", ""); w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id")
	}
}
