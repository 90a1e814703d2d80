package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/colock/colock/lib/lease"
	"github.com/colock/colock/lib/store/memstore"
	"github.com/colock/colock/rpc/common"
	"github.com/colock/colock/rpc/serializer"
)

func newTestServer(t *testing.T) (*httptest.Server, common.ServerConfig) {
	t.Helper()

	config := common.ServerConfig{
		DefaultLeaseMinutes: 5,
		Collections: map[string]common.CollectionConfig{
			"notes": {LeaseMinutes: 1},
		},
		AllowSameUserTransfer: true,
		AdminToken:            "secret",
		TimeoutSecond:         5,
		LogLevel:              "error",
	}

	st := memstore.New(nil)
	t.Cleanup(func() { _ = st.Close() })
	svc := lease.NewLockService(st, &lease.Options{DefaultLeaseMinutes: config.DefaultLeaseMinutes})

	srv := httptest.NewServer(NewLockServer(config, svc, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, config
}

// call sends a request with identity headers and decodes the JSON envelope.
func call(t *testing.T, srv *httptest.Server, method, path, user, tab string, body *common.Message, headers map[string]string) (int, *common.Message) {
	t.Helper()

	ser := serializer.NewJSONSerializer()
	var reqBody io.Reader
	if body != nil {
		data, err := ser.Serialize(*body)
		if err != nil {
			t.Fatalf("failed to serialize request: %v", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, srv.URL+path, reqBody)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", serializer.ContentTypeJSON)
	if user != "" {
		req.Header.Set(common.HeaderUserID, user)
		req.Header.Set(common.HeaderUserName, user)
	}
	if tab != "" {
		req.Header.Set(common.HeaderTabID, tab)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}

	msg := &common.Message{}
	if len(data) > 0 && resp.Header.Get("Content-Type") == serializer.ContentTypeJSON {
		if err := ser.Deserialize(data, msg); err != nil {
			t.Fatalf("failed to deserialize response %q: %v", data, err)
		}
	}
	return resp.StatusCode, msg
}

func TestAcquireAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	code, msg := call(t, srv, http.MethodPost, "/locks/docs/d1/acquire", "alice", "tab-1", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if msg.Acquire == nil || !msg.Acquire.OK {
		t.Fatalf("expected successful acquire, got %+v", msg)
	}
	if msg.Acquire.Lease.RemainingSeconds(msg.Acquire.Lease.AcquiredAt) != 300 {
		t.Errorf("expected the 5 minute default window, got lease %+v", msg.Acquire.Lease)
	}

	code, msg = call(t, srv, http.MethodGet, "/locks/docs/d1/status", "alice", "tab-1", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if msg.Status == nil || msg.Status.State != lease.StateSelfSameTab {
		t.Errorf("expected self_same_tab status, got %+v", msg.Status)
	}
}

func TestMissingIdentityIsUnauthorized(t *testing.T) {
	srv, _ := newTestServer(t)

	code, _ := call(t, srv, http.MethodPost, "/locks/docs/d1/acquire", "", "", nil, nil)
	if code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity headers, got %d", code)
	}

	code, _ = call(t, srv, http.MethodPost, "/locks/docs/d1/acquire", "alice", "", nil, nil)
	if code != http.StatusUnauthorized {
		t.Errorf("expected 401 without tab header, got %d", code)
	}
}

func TestContentionStatusCodes(t *testing.T) {
	srv, _ := newTestServer(t)

	code, _ := call(t, srv, http.MethodPost, "/locks/docs/d1/acquire", "bob", "tab-b", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	// Foreign holder -> 423 with holder details in the envelope
	code, msg := call(t, srv, http.MethodPost, "/locks/docs/d1/acquire", "alice", "tab-1", nil, nil)
	if code != http.StatusLocked {
		t.Errorf("expected 423 for a foreign holder, got %d", code)
	}
	if msg.Acquire == nil || msg.Acquire.LockedBy != "bob" {
		t.Errorf("expected holder details, got %+v", msg.Acquire)
	}

	// Same user, second tab -> 409 with transfer offer
	code, msg = call(t, srv, http.MethodPost, "/locks/docs/d2/acquire", "alice", "tab-1", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	code, msg = call(t, srv, http.MethodPost, "/locks/docs/d2/acquire", "alice", "tab-2", nil, nil)
	if code != http.StatusConflict {
		t.Errorf("expected 409 for a multi-tab conflict, got %d", code)
	}
	if msg.Acquire == nil || !msg.Acquire.AllowTransfer {
		t.Errorf("expected transfer offer, got %+v", msg.Acquire)
	}
}

func TestTransferRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	if code, _ := call(t, srv, http.MethodPost, "/locks/docs/d1/acquire", "alice", "tab-old", nil, nil); code != http.StatusOK {
		t.Fatalf("acquire failed with %d", code)
	}

	body := common.NewTransferRequest(lease.ResourceKey{Collection: "docs", ResourceID: "d1"}, "tab-new")
	code, msg := call(t, srv, http.MethodPatch, "/locks/docs/d1/transfer", "alice", "tab-new", body, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if msg.Transfer == nil || !msg.Transfer.OK {
		t.Fatalf("expected successful transfer, got %+v", msg)
	}
	if msg.Transfer.Lease.HolderTabID != "tab-new" {
		t.Errorf("expected lease on tab-new, got %+v", msg.Transfer.Lease)
	}
}

func TestReleaseRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	if code, _ := call(t, srv, http.MethodPost, "/locks/docs/d1/acquire", "alice", "tab-1", nil, nil); code != http.StatusOK {
		t.Fatalf("acquire failed with %d", code)
	}

	code, msg := call(t, srv, http.MethodDelete, "/locks/docs/d1/release", "alice", "tab-1", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if msg.Release == nil || !msg.Release.OK {
		t.Fatalf("expected successful release, got %+v", msg)
	}

	code, msg = call(t, srv, http.MethodGet, "/locks/docs/d1/status", "bob", "tab-b", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if msg.Status.State != lease.StateAbsent {
		t.Errorf("expected the lock to be gone, got %v", msg.Status.State)
	}
}

func TestReleaseFromWrongTabIsConflict(t *testing.T) {
	srv, _ := newTestServer(t)

	if code, _ := call(t, srv, http.MethodPost, "/locks/docs/d1/acquire", "alice", "tab-1", nil, nil); code != http.StatusOK {
		t.Fatalf("acquire failed with %d", code)
	}

	code, _ := call(t, srv, http.MethodDelete, "/locks/docs/d1/release", "alice", "tab-2", nil, nil)
	if code != http.StatusConflict {
		t.Errorf("expected 409 for a tab mismatch, got %d", code)
	}

	// The override query parameter relaxes the tab check.
	code, msg := call(t, srv, http.MethodDelete, "/locks/docs/d1/release?override=true", "alice", "tab-2", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200 with override, got %d", code)
	}
	if msg.Release == nil || !msg.Release.OK {
		t.Errorf("expected successful release, got %+v", msg)
	}
}

func TestAdminEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	if code, _ := call(t, srv, http.MethodPost, "/locks/docs/d1/acquire", "alice", "tab-1", nil, nil); code != http.StatusOK {
		t.Fatalf("acquire failed with %d", code)
	}

	// Wrong token -> 403
	body := common.NewForceUnlockRequest(lease.ResourceKey{Collection: "docs", ResourceID: "d1"}, "stuck")
	code, _ := call(t, srv, http.MethodPost, "/locks/docs/d1/force-unlock", "admin", "tab-a", body,
		map[string]string{common.HeaderAdminToken: "wrong"})
	if code != http.StatusForbidden {
		t.Errorf("expected 403 for a bad admin token, got %d", code)
	}

	// Correct token -> lease removed
	code, msg := call(t, srv, http.MethodPost, "/locks/docs/d1/force-unlock", "admin", "tab-a", body,
		map[string]string{common.HeaderAdminToken: "secret"})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if msg.Release == nil || !msg.Release.OK {
		t.Fatalf("expected successful force unlock, got %+v", msg)
	}

	// Sweep dry run over an empty keyspace
	sweepBody := common.NewSweepRequest("", 5, true)
	code, msg = call(t, srv, http.MethodPost, "/locks/cleanup", "admin", "tab-a", sweepBody,
		map[string]string{common.HeaderAdminToken: "secret"})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if msg.Sweep == nil || !msg.Sweep.DryRun {
		t.Errorf("expected dry run sweep result, got %+v", msg)
	}
	if len(msg.Sweep.Candidates) != 0 {
		t.Errorf("expected no candidates, got %v", msg.Sweep.Candidates)
	}
}

func TestLockGroupsAreSeparateOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	code, _ := call(t, srv, http.MethodPost, "/locks/docs/d1/acquire?lockGroup=table-1", "alice", "tab-1", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	// A different group on the same resource is free.
	code, msg := call(t, srv, http.MethodPost, "/locks/docs/d1/acquire?lockGroup=table-2", "bob", "tab-b", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200 for a different lock group, got %d", code)
	}
	if msg.Acquire == nil || !msg.Acquire.OK {
		t.Errorf("expected successful acquire, got %+v", msg)
	}
}

func TestCollectionLeaseOverride(t *testing.T) {
	srv, _ := newTestServer(t)

	// The notes collection is configured with a 1 minute window.
	code, msg := call(t, srv, http.MethodPost, "/locks/notes/n1/acquire", "alice", "tab-1", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	l := msg.Acquire.Lease
	if got := l.ExpiresAt.Sub(l.AcquiredAt); got.Minutes() != 1 {
		t.Errorf("expected a 1 minute lease, got %s", got)
	}
}

func TestGobContentNegotiation(t *testing.T) {
	srv, _ := newTestServer(t)
	ser := serializer.NewGOBSerializer()

	data, err := ser.Serialize(common.Message{Op: common.OpAcquire, Minutes: 2})
	if err != nil {
		t.Fatalf("failed to serialize: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/locks/docs/d1/acquire", bytes.NewReader(data))
	req.Header.Set("Content-Type", serializer.ContentTypeGOB)
	req.Header.Set(common.HeaderUserID, "alice")
	req.Header.Set(common.HeaderTabID, "tab-1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != serializer.ContentTypeGOB {
		t.Fatalf("expected gob response, got %s", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	var msg common.Message
	if err := ser.Deserialize(body, &msg); err != nil {
		t.Fatalf("failed to deserialize gob response: %v", err)
	}
	if msg.Acquire == nil || !msg.Acquire.OK {
		t.Errorf("expected successful acquire, got %+v", msg)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	if code, _ := call(t, srv, http.MethodPost, "/locks/docs/d1/acquire", "alice", "tab-1", nil, nil); code != http.StatusOK {
		t.Fatalf("acquire failed with %d", code)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("colock_requests_total")) {
		t.Errorf("expected request counters in metrics output")
	}
}

func TestRateLimitedRequestsGet429(t *testing.T) {
	config := common.ServerConfig{
		DefaultLeaseMinutes: 5,
		TimeoutSecond:       5,
		LogLevel:            "error",
	}
	st := memstore.New(nil)
	t.Cleanup(func() { _ = st.Close() })
	svc := lease.NewLockService(st, nil)

	srv := httptest.NewServer(NewLockServer(config, svc, NewUserRateLimiter(1)).Handler())
	t.Cleanup(srv.Close)

	// Burst capacity is 2 at 1 req/min.
	for i := 0; i < 2; i++ {
		if code, _ := call(t, srv, http.MethodGet, "/locks/docs/d1/status", "alice", "tab-1", nil, nil); code != http.StatusOK {
			t.Fatalf("request %d within burst got %d", i, code)
		}
	}
	if code, _ := call(t, srv, http.MethodGet, "/locks/docs/d1/status", "alice", "tab-1", nil, nil); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 beyond the burst, got %d", code)
	}

	// An unrelated user is unaffected.
	if code, _ := call(t, srv, http.MethodGet, "/locks/docs/d1/status", "bob", "tab-9", nil, nil); code != http.StatusOK {
		t.Errorf("expected other users to pass, got %d", code)
	}
}
