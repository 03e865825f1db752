package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/dishpatch/libs/httpx"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/outbox"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/reconcile"
)

type messageResponse struct {
	ID             uuid.UUID     `json:"id"`
	Type           string        `json:"type"`
	Status         outbox.Status `json:"status"`
	AggregateType  string        `json:"aggregate_type"`
	AggregateID    string        `json:"aggregate_id,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
	Attempt        int           `json:"attempt"`
	NextAttemptAt  *time.Time    `json:"next_attempt_at,omitempty"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
	DeadLetteredAt *time.Time    `json:"dead_lettered_at,omitempty"`
	Error          string        `json:"error,omitempty"`
	CorrelationID  string        `json:"correlation_id,omitempty"`
	CausationID    string        `json:"causation_id,omitempty"`
	// Content is only set on single-message lookups.
	Content rawJSON `json:"content,omitempty"`
}

type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func toMessage(m outbox.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		Type:           m.Type,
		Status:         m.Status(),
		AggregateType:  m.AggregateType,
		AggregateID:    m.AggregateID,
		OccurredAt:     m.OccurredAt,
		Attempt:        m.Attempt,
		NextAttemptAt:  m.NextAttemptAt,
		ProcessedAt:    m.ProcessedAt,
		DeadLetteredAt: m.DeadLetteredAt,
		Error:          m.Error,
		CorrelationID:  m.CorrelationID,
		CausationID:    m.CausationID,
	}
}

func (h *Handler) OutboxSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Outbox.Summary(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sum)
}

func (h *Handler) ListOutboxMessages(w http.ResponseWriter, r *http.Request) {
	f := outbox.Filter{
		Status: outbox.Status(r.URL.Query().Get("status")),
		Type:   r.URL.Query().Get("type"),
		Limit:  queryInt(r, "limit", 100),
	}
	switch f.Status {
	case "", outbox.StatusPending, outbox.StatusRetrying, outbox.StatusProcessed, outbox.StatusDeadLettered:
	default:
		httpx.WriteError(w, http.StatusBadRequest, "invalid status")
		return
	}
	msgs, err := h.Outbox.List(r.Context(), f)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (h *Handler) GetOutboxMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	m, err := h.Outbox.Get(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	resp := toMessage(m)
	resp.Content = rawJSON(m.Content)
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) RequeueOutboxMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	if err := h.Outbox.Requeue(r.Context(), id); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.Logger.Info("outbox message requeued", "event_id", id, "request_id", httpx.RequestIDFromContext(r.Context()))
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) DrainOutbox(w http.ResponseWriter, r *http.Request) {
	n := h.Processor.Drain(r.Context(), h.DrainTimeout)
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"processed": n})
}

// RunReconcile runs one sweep synchronously, optionally for one read model.
func (h *Handler) RunReconcile(w http.ResponseWriter, r *http.Request) {
	var (
		report reconcile.Report
		err    error
	)
	if name := r.URL.Query().Get("read_model"); name != "" {
		report, err = h.Reconciler.RunTarget(r.Context(), name)
	} else {
		report = h.Reconciler.RunOnce(r.Context())
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}
