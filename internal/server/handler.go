// Package server implements the capture-ingestion HTTP surface and the
// daily-submit runner that turns stored snapshots into one combined
// submission per UTC day.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/usage-relay/internal/auth"
	"github.com/vnmchuo/usage-relay/internal/report"
	"github.com/vnmchuo/usage-relay/internal/store"
)

// CaptureStore is the slice of the capture store the HTTP surface and the
// daily runner consume.
type CaptureStore interface {
	PutClientSnapshot(id string, snap *report.ClientSnapshot) error
	ListClientSnapshots() ([]*report.ClientSnapshot, int, error)
	ReadState() (*report.SubmissionState, error)
	WriteState(state *report.SubmissionState) error
	WriteSubmissionRecord(date string, rec *report.SubmissionRecord) error
}

// Handler serves the ingestion endpoints.
type Handler struct {
	store          CaptureStore
	tracer         trace.Tracer
	authEnabled    bool
	submitHourUTC  int
	maxUploadBytes int64
	now            func() time.Time
}

func NewHandler(captures CaptureStore, tracer trace.Tracer, authEnabled bool, submitHourUTC int, maxUploadBytes int64) *Handler {
	return &Handler{
		store:          captures,
		tracer:         tracer,
		authEnabled:    authEnabled,
		submitHourUTC:  submitHourUTC,
		maxUploadBytes: maxUploadBytes,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

type captureRequest struct {
	ClientID   string          `json:"clientId"`
	CapturedAt string          `json:"capturedAt,omitempty"`
	SourceHost string          `json:"sourceHost,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// HandleCapture accepts one client's latest snapshot and replaces whatever
// the server held for that client before.
func (h *Handler) HandleCapture(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "server.capture")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "clientId is required")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	span.SetAttributes(
		attribute.String("client_id", req.ClientID),
		attribute.String("request_id", auth.GetRequestID(ctx)),
	)

	rep, err := report.Extract(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	receivedAt := h.now()
	capturedAt := receivedAt
	if req.CapturedAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.CapturedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid capturedAt (use RFC3339)")
			return
		}
		capturedAt = parsed.UTC()
	}

	snap := &report.ClientSnapshot{
		ClientID:   req.ClientID,
		CapturedAt: capturedAt,
		ReceivedAt: receivedAt,
		SourceHost: req.SourceHost,
		Report:     rep,
	}
	if err := h.store.PutClientSnapshot(req.ClientID, snap); err != nil {
		if errors.Is(err, store.ErrInvalidClientID) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.WithError(err).Errorf("capture: persist snapshot for %s failed", req.ClientID)
		writeError(w, http.StatusInternalServerError, "failed to persist snapshot")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ok":         true,
		"clientId":   req.ClientID,
		"receivedAt": receivedAt.Format(time.RFC3339),
	})
}

// HandleStatus reports submission state and the known client fleet. It never
// echoes snapshot payloads.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := h.store.ReadState()
	if err != nil {
		log.WithError(err).Error("status: read state failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snaps, skipped, err := h.store.ListClientSnapshots()
	if err != nil {
		log.WithError(err).Error("status: list snapshots failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	clients := make([]map[string]interface{}, 0, len(snaps))
	for _, snap := range snaps {
		clients = append(clients, map[string]interface{}{
			"clientId":   snap.ClientID,
			"capturedAt": snap.CapturedAt.Format(time.RFC3339),
			"receivedAt": snap.ReceivedAt.Format(time.RFC3339),
			"sourceHost": snap.SourceHost,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":             state,
		"authEnabled":       h.authEnabled,
		"submitHourUtc":     h.submitHourUTC,
		"clients":           clients,
		"unreadableClients": skipped,
	})
}

// HandleHealthz is the unauthenticated liveness probe.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":  true,
		"now": h.now().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
