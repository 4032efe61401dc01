// mock-provider is a WAHA-style gateway stand-in for local runs and load
// tests. It accepts sendText/sendImage, flips coins on the outcome, and
// optionally posts message.ack webhooks the way the real backend would.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Port          string  `envconfig:"PORT" default:"8080"`
	APIKey        string  `envconfig:"MOCK_API_KEY" default:""`
	SessionStatus string  `envconfig:"MOCK_SESSION_STATUS" default:"WORKING"`
	SuccessRate   float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	DelayMs       int     `envconfig:"MOCK_DELAY_MS" default:"0"`

	WebhookURL        string  `envconfig:"MOCK_WEBHOOK_URL" default:""`
	WebhookHMACSecret string  `envconfig:"MOCK_WEBHOOK_HMAC_SECRET" default:""`
	AckServerDelayMs  int     `envconfig:"MOCK_ACK_SERVER_DELAY_MS" default:"200"`
	AckDeviceDelayMs  int     `envconfig:"MOCK_ACK_DEVICE_DELAY_MS" default:"800"`
	AckReadDelayMs    int     `envconfig:"MOCK_ACK_READ_DELAY_MS" default:"3000"`
	ReadRate          float64 `envconfig:"MOCK_READ_RATE" default:"0.6"`
}

type sendRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
}

type server struct {
	cfg    config
	seq    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/sendText", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/api/sendImage", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions/{session}", s.handleSession).Methods(http.MethodGet)

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) roll() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["session"]
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"name": name, "status": s.cfg.SessionStatus})
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && r.Header.Get("X-Api-Key") != s.cfg.APIKey {
		http.Error(w, `{"message":"invalid api key"}`, http.StatusUnauthorized)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"message":"invalid json"}`, http.StatusBadRequest)
		return
	}

	if s.cfg.DelayMs > 0 {
		time.Sleep(time.Duration(s.cfg.DelayMs) * time.Millisecond)
	}

	if s.roll() >= s.cfg.SuccessRate {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "mock send failure"})
		return
	}

	id := fmt.Sprintf("mockmsg_%d_%d", time.Now().UnixNano(), atomic.AddUint64(&s.seq, 1))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})

	if s.cfg.WebhookURL != "" {
		go s.emitAcks(req.Session, req.ChatID, id)
	}
}

// emitAcks replays the backend's ack ladder: SERVER, then DEVICE, then
// READ for a configurable share of messages.
func (s *server) emitAcks(session, chatID, id string) {
	time.Sleep(time.Duration(s.cfg.AckServerDelayMs) * time.Millisecond)
	s.postAck(session, chatID, id, 1, "SERVER")

	time.Sleep(time.Duration(s.cfg.AckDeviceDelayMs) * time.Millisecond)
	s.postAck(session, chatID, id, 2, "DEVICE")

	if s.roll() < s.cfg.ReadRate {
		time.Sleep(time.Duration(s.cfg.AckReadDelayMs) * time.Millisecond)
		s.postAck(session, chatID, id, 3, "READ")
	}
}

func (s *server) postAck(session, chatID, id string, ack int, ackName string) {
	body, err := json.Marshal(map[string]any{
		"event":   "message.ack",
		"session": session,
		"payload": map[string]any{
			"id":      id,
			"ack":     ack,
			"ackName": ackName,
			"to":      chatID,
		},
	})
	if err != nil {
		return
	}

	req, err := http.NewRequest(http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.WebhookHMACSecret != "" {
		mac := hmac.New(sha512.New, []byte(s.cfg.WebhookHMACSecret))
		mac.Write(body)
		req.Header.Set("X-Webhook-Hmac", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Error("mock webhook post failed", "err", err, "ack", ackName, "message_id", id)
		return
	}
	resp.Body.Close()
}
