package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"splitsend/internal/domain"
	"splitsend/internal/experiment"
	"splitsend/internal/provider/waha"
	sqsqueue "splitsend/internal/queue/sqs"
	"splitsend/internal/store"
)

type fakeSvc struct {
	exp        store.Experiment
	found      bool
	execResp   domain.ExecuteResponse
	err        error
	deleteErr  error
	lastAction string
}

func (f *fakeSvc) Create(_ context.Context, req domain.CreateExperimentRequest, _ time.Time) (store.Experiment, error) {
	if f.err != nil {
		return store.Experiment{}, f.err
	}
	return f.exp, nil
}

func (f *fakeSvc) Get(context.Context, string) (store.Experiment, bool, error) {
	return f.exp, f.found, f.err
}

func (f *fakeSvc) List(context.Context) ([]store.Experiment, error) {
	if f.found {
		return []store.Experiment{f.exp}, f.err
	}
	return nil, f.err
}

func (f *fakeSvc) Delete(context.Context, string) error { return f.deleteErr }

func (f *fakeSvc) Execute(_ context.Context, _ string, action string, _ time.Time) (domain.ExecuteResponse, error) {
	f.lastAction = action
	return f.execResp, f.err
}

func (f *fakeSvc) Significance(context.Context, string) (experiment.Significance, error) {
	return experiment.Significance{ExperimentID: f.exp.ID}, f.err
}

func (f *fakeSvc) Analytics(context.Context, string) (experiment.Analytics, error) {
	return experiment.Analytics{ExperimentID: f.exp.ID}, f.err
}

func newTestServer(svc ExperimentService) *httptest.Server {
	s := New()
	api := &API{Svc: svc}
	api.Register(s.Mux)
	return httptest.NewServer(s.Mux)
}

func TestCreateExperimentCreated(t *testing.T) {
	svc := &fakeSvc{exp: store.Experiment{ID: "exp_1", Status: domain.StatusDraft}}
	ts := newTestServer(svc)
	defer ts.Close()

	body := `{"name":"n","session":"default","batchSize":5,"variants":[{"name":"A","messageText":"a"},{"name":"B","messageText":"b"}]}`
	resp, err := http.Post(ts.URL+"/v1/experiments", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var got store.Experiment
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "exp_1" {
		t.Errorf("id = %q", got.ID)
	}
}

func TestCreateExperimentValidationError(t *testing.T) {
	svc := &fakeSvc{err: domain.ErrTooFewVariants}
	ts := newTestServer(svc)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/experiments", "application/json", strings.NewReader(`{"name":"n"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateExperimentBadJSON(t *testing.T) {
	ts := newTestServer(&fakeSvc{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/experiments", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetExperimentNotFound(t *testing.T) {
	ts := newTestServer(&fakeSvc{found: false})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/experiments/exp_missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestExecuteRateLimited(t *testing.T) {
	next := time.Date(2025, 3, 10, 12, 5, 0, 0, time.UTC)
	svc := &fakeSvc{err: &domain.RateLimitError{Reason: "cooldown", NextAllowed: next}}
	ts := newTestServer(svc)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/experiments/exp_1/execute", "application/json", strings.NewReader(`{"action":"send_batch"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	var body struct {
		Reason           string    `json:"reason"`
		NextBatchAllowed time.Time `json:"nextBatchAllowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Reason != "cooldown" || !body.NextBatchAllowed.Equal(next) {
		t.Errorf("body = %+v", body)
	}
}

func TestExecuteIllegalTransition(t *testing.T) {
	svc := &fakeSvc{err: &domain.TransitionError{Action: domain.ActionPause, Required: "active", Current: domain.StatusDraft}}
	ts := newTestServer(svc)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/experiments/exp_1/execute", "application/json", strings.NewReader(`{"action":"pause"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteExperiment(t *testing.T) {
	svc := &fakeSvc{deleteErr: domain.ErrNotTerminal}
	ts := newTestServer(svc)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/experiments/exp_1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("delete active: status = %d, want 400", resp.StatusCode)
	}

	svc.deleteErr = nil
	resp, err = http.DefaultClient.Do(req.Clone(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete terminal: status = %d, want 204", resp.StatusCode)
	}
}

type fakeQueue struct {
	events []sqsqueue.AckEvent
	err    error
}

func (f *fakeQueue) Enqueue(_ context.Context, ev sqsqueue.AckEvent) error {
	f.events = append(f.events, ev)
	return f.err
}

func newWebhookServer(q AckQueue, secret string) *httptest.Server {
	s := New()
	wh := &Webhook{Queue: q, Secret: secret, VerifySignature: waha.VerifySignature}
	wh.Register(s.Mux)
	return httptest.NewServer(s.Mux)
}

func TestWebhookEnqueuesAck(t *testing.T) {
	q := &fakeQueue{}
	ts := newWebhookServer(q, "")
	defer ts.Close()

	body := `{"event":"message.ack","session":"default","payload":{"id":"msg_1","ack":2,"to":"491555000@c.us"}}`
	resp, err := http.Post(ts.URL+"/v1/webhooks/waha", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(q.events) != 1 {
		t.Fatalf("enqueued %d events, want 1", len(q.events))
	}
	ev := q.events[0]
	if ev.MessageID != "msg_1" || ev.Ack != "DEVICE" || ev.Session != "default" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	q := &fakeQueue{}
	ts := newWebhookServer(q, "")
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/webhooks/waha", "application/json", strings.NewReader(`{"event":"message.any","session":"default"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(q.events) != 0 {
		t.Error("non-ack event was enqueued")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	q := &fakeQueue{}
	ts := newWebhookServer(q, "topsecret")
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/webhooks/waha", bytes.NewReader([]byte(`{"event":"message.ack"}`)))
	req.Header.Set("X-Webhook-Hmac", "deadbeef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if len(q.events) != 0 {
		t.Error("unverified event was enqueued")
	}
}
