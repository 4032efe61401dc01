package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"splitsend/internal/observability"
	"splitsend/internal/provider/waha"
	sqsqueue "splitsend/internal/queue/sqs"
	"splitsend/internal/util"
)

// maxWebhookBody bounds how much of a callback we are willing to read.
const maxWebhookBody = 1 << 20

type AckQueue interface {
	Enqueue(ctx context.Context, ev sqsqueue.AckEvent) error
}

// Webhook receives message.ack callbacks from the messaging backend and
// hands them to the queue; the processor applies them to result rows.
type Webhook struct {
	Queue AckQueue

	// Secret enables HMAC verification of the raw body; empty disables it.
	Secret          string
	VerifySignature func(secret string, body []byte, provided string) bool
}

func (w *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/waha", w.handleEvent).Methods(http.MethodPost)
}

type ackPayload struct {
	ID      string `json:"id"`
	Ack     int    `json:"ack"`
	AckName string `json:"ackName"`
	To      string `json:"to"`
}

type wahaEvent struct {
	Event   string     `json:"event"`
	Session string     `json:"session"`
	Payload ackPayload `json:"payload"`
}

func (w *Webhook) handleEvent(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if w.Secret != "" {
		if w.VerifySignature == nil || !w.VerifySignature(w.Secret, body, r.Header.Get("X-Webhook-Hmac")) {
			http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
			return
		}
	}

	var ev wahaEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if ev.Event != "message.ack" {
		// Other event kinds are acknowledged and dropped.
		rw.WriteHeader(http.StatusOK)
		return
	}

	ackName := ev.Payload.AckName
	if ackName == "" {
		ackName = waha.AckName(ev.Payload.Ack)
	}
	observability.AckEvents.WithLabelValues(ackName).Inc()

	if err := w.Queue.Enqueue(r.Context(), sqsqueue.AckEvent{
		Session:    ev.Session,
		MessageID:  ev.Payload.ID,
		Ack:        ackName,
		ChatID:     ev.Payload.To,
		ReceivedAt: util.NowUTC(),
	}); err != nil {
		slog.Error("webhook enqueue ack failed", "err", err, "session", ev.Session, "message_id", ev.Payload.ID)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusOK)
}
