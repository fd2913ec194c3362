package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/usage-relay/internal/auth"
	"github.com/vnmchuo/usage-relay/internal/report"
	"github.com/vnmchuo/usage-relay/internal/store"
)

// Mock capture store
type mockStore struct {
	mu        sync.Mutex
	snapshots map[string]*report.ClientSnapshot
	skipped   int
	state     *report.SubmissionState
	records   map[string]*report.SubmissionRecord

	putErr   error
	listErr  error
	stateErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		snapshots: make(map[string]*report.ClientSnapshot),
		state:     &report.SubmissionState{},
		records:   make(map[string]*report.SubmissionRecord),
	}
}

func (m *mockStore) PutClientSnapshot(id string, snap *report.ClientSnapshot) error {
	if m.putErr != nil {
		return m.putErr
	}
	safe, err := store.SanitizeClientID(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[safe] = snap
	return nil
}

func (m *mockStore) ListClientSnapshots() ([]*report.ClientSnapshot, int, error) {
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*report.ClientSnapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s)
	}
	return out, m.skipped, nil
}

func (m *mockStore) ReadState() (*report.SubmissionState, error) {
	if m.stateErr != nil {
		return nil, m.stateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *m.state
	return &copied, nil
}

func (m *mockStore) WriteState(state *report.SubmissionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *state
	m.state = &copied
	return nil
}

func (m *mockStore) WriteSubmissionRecord(date string, rec *report.SubmissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[date] = rec
	return nil
}

func setupHandler(captures CaptureStore) *Handler {
	tracer := noop.NewTracerProvider().Tracer("test")
	h := NewHandler(captures, tracer, true, 2, 1<<20)
	h.now = func() time.Time { return time.Date(2026, 2, 18, 10, 0, 0, 0, time.UTC) }
	return h
}

const validPayload = `{
	"summary": {"totalTokens": 15},
	"days": [{
		"date": "2026-02-18",
		"rows": [{"source": "codex", "modelId": "gpt-5.2", "providerId": "openai", "tokens": {"input": 10, "output": 5}, "cost": 1.5, "messages": 2}]
	}]
}`

func TestHandleCapture_InvalidBody(t *testing.T) {
	h := setupHandler(newMockStore())
	req := httptest.NewRequest("POST", "/v1/captures", strings.NewReader(`{invalid`))
	w := httptest.NewRecorder()

	h.HandleCapture(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleCapture_MissingClientID(t *testing.T) {
	h := setupHandler(newMockStore())
	body := `{"payload": ` + validPayload + `}`
	req := httptest.NewRequest("POST", "/v1/captures", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleCapture(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "clientId is required" {
		t.Errorf("Unexpected error message: %v", resp["error"])
	}
}

func TestHandleCapture_PayloadNotAReport(t *testing.T) {
	h := setupHandler(newMockStore())
	body := `{"clientId": "host-1", "payload": {"foo": 1}}`
	req := httptest.NewRequest("POST", "/v1/captures", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleCapture(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleCapture_Success(t *testing.T) {
	m := newMockStore()
	h := setupHandler(m)
	body := `{"clientId": "host-1", "capturedAt": "2026-02-18T09:55:00Z", "sourceHost": "host-1.lan", "payload": ` + validPayload + `}`
	req := httptest.NewRequest("POST", "/v1/captures", strings.NewReader(body))
	req = req.WithContext(auth.WithRequestID(req.Context(), "req-1"))
	w := httptest.NewRecorder()

	h.HandleCapture(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["ok"] != true || resp["clientId"] != "host-1" {
		t.Errorf("Unexpected response: %v", resp)
	}
	if resp["receivedAt"] == "" {
		t.Error("Expected receivedAt in response")
	}

	snap := m.snapshots["host-1"]
	if snap == nil {
		t.Fatal("Snapshot was not persisted")
	}
	if snap.SourceHost != "host-1.lan" {
		t.Errorf("Unexpected sourceHost: %s", snap.SourceHost)
	}
	if !snap.CapturedAt.Equal(time.Date(2026, 2, 18, 9, 55, 0, 0, time.UTC)) {
		t.Errorf("Unexpected capturedAt: %v", snap.CapturedAt)
	}
	if snap.Report == nil || snap.Report.Days[0].Rows[0].Tokens.Input != 10 {
		t.Errorf("Report not stored intact: %+v", snap.Report)
	}
}

func TestHandleCapture_DefaultsCapturedAtToReceiptTime(t *testing.T) {
	m := newMockStore()
	h := setupHandler(m)
	body := `{"clientId": "host-1", "payload": ` + validPayload + `}`
	req := httptest.NewRequest("POST", "/v1/captures", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleCapture(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	snap := m.snapshots["host-1"]
	if !snap.CapturedAt.Equal(snap.ReceivedAt) {
		t.Errorf("Expected capturedAt to default to receivedAt, got %v vs %v", snap.CapturedAt, snap.ReceivedAt)
	}
}

func TestHandleCapture_BadCapturedAt(t *testing.T) {
	h := setupHandler(newMockStore())
	body := `{"clientId": "host-1", "capturedAt": "yesterday", "payload": ` + validPayload + `}`
	req := httptest.NewRequest("POST", "/v1/captures", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleCapture(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleCapture_OversizedBody(t *testing.T) {
	h := setupHandler(newMockStore())
	h.maxUploadBytes = 64
	big := bytes.Repeat([]byte("x"), 1024)
	req := httptest.NewRequest("POST", "/v1/captures", bytes.NewReader(big))
	w := httptest.NewRecorder()

	h.HandleCapture(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for oversized body, got %d", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	m := newMockStore()
	m.skipped = 2
	at := time.Date(2026, 2, 17, 2, 5, 0, 0, time.UTC)
	m.state = &report.SubmissionState{
		LastSubmittedDate: "2026-02-17",
		LastSubmittedAt:   &at,
		LastSubmissionID:  "sub-1",
	}
	m.snapshots["host-1"] = &report.ClientSnapshot{
		ClientID:   "host-1",
		CapturedAt: at,
		ReceivedAt: at,
		SourceHost: "host-1.lan",
		Report:     &report.Report{},
	}

	h := setupHandler(m)
	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()

	h.HandleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp["authEnabled"] != true {
		t.Errorf("Expected authEnabled true, got %v", resp["authEnabled"])
	}
	if resp["submitHourUtc"].(float64) != 2 {
		t.Errorf("Expected submitHourUtc 2, got %v", resp["submitHourUtc"])
	}
	if resp["unreadableClients"].(float64) != 2 {
		t.Errorf("Expected unreadableClients 2, got %v", resp["unreadableClients"])
	}

	state := resp["state"].(map[string]interface{})
	if state["lastSubmittedDate"] != "2026-02-17" {
		t.Errorf("Unexpected state: %v", state)
	}

	clients := resp["clients"].([]interface{})
	if len(clients) != 1 {
		t.Fatalf("Expected 1 client, got %d", len(clients))
	}
	entry := clients[0].(map[string]interface{})
	if entry["clientId"] != "host-1" || entry["sourceHost"] != "host-1.lan" {
		t.Errorf("Unexpected client entry: %v", entry)
	}
	if _, leaked := entry["report"]; leaked {
		t.Error("Status must never echo snapshot payloads")
	}
}

func TestHandleHealthz(t *testing.T) {
	h := setupHandler(newMockStore())
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	h.HandleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["ok"] != true || resp["now"] == "" {
		t.Errorf("Unexpected response: %v", resp)
	}
}
