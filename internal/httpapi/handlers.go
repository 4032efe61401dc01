package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"splitsend/internal/allocator"
	"splitsend/internal/domain"
	"splitsend/internal/experiment"
	"splitsend/internal/store"
	"splitsend/internal/util"
)

type ExperimentService interface {
	Create(ctx context.Context, req domain.CreateExperimentRequest, now time.Time) (store.Experiment, error)
	Get(ctx context.Context, id string) (store.Experiment, bool, error)
	List(ctx context.Context) ([]store.Experiment, error)
	Delete(ctx context.Context, id string) error
	Execute(ctx context.Context, id, action string, now time.Time) (domain.ExecuteResponse, error)
	Significance(ctx context.Context, id string) (experiment.Significance, error)
	Analytics(ctx context.Context, id string) (experiment.Analytics, error)
}

type API struct {
	Svc ExperimentService
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/experiments", a.handleCreate).Methods(http.MethodPost)
	mux.HandleFunc("/v1/experiments", a.handleList).Methods(http.MethodGet)
	mux.HandleFunc("/v1/experiments/{id}", a.handleGet).Methods(http.MethodGet)
	mux.HandleFunc("/v1/experiments/{id}", a.handleDelete).Methods(http.MethodDelete)
	mux.HandleFunc("/v1/experiments/{id}/execute", a.handleExecute).Methods(http.MethodPost)
	mux.HandleFunc("/v1/experiments/{id}/significance", a.handleSignificance).Methods(http.MethodGet)
	mux.HandleFunc("/v1/experiments/{id}/analytics", a.handleAnalytics).Methods(http.MethodGet)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	exp, err := a.Svc.Create(r.Context(), req, util.NowUTC())
	if err != nil {
		slog.Error("create experiment failed", "err", err, "name", req.Name, "session", req.Session)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	exps, err := a.Svc.List(r.Context())
	if err != nil {
		slog.Error("list experiments failed", "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if exps == nil {
		exps = []store.Experiment{}
	}
	writeJSON(w, http.StatusOK, exps)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	exp, found, err := a.Svc.Get(r.Context(), id)
	if err != nil {
		slog.Error("get experiment failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Svc.Delete(r.Context(), id); err != nil {
		slog.Error("delete experiment failed", "err", err, "id", id)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req domain.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.Execute(r.Context(), id, req.Action, util.NowUTC())
	if err != nil {
		slog.Error("execute action failed", "err", err, "id", id, "action", req.Action)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSignificance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sig, err := a.Svc.Significance(r.Context(), id)
	if err != nil {
		slog.Error("significance failed", "err", err, "id", id)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	an, err := a.Svc.Analytics(r.Context(), id)
	if err != nil {
		slog.Error("analytics failed", "err", err, "id", id)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, an)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// rateLimitBody tells the client when to retry a denied send_batch.
type rateLimitBody struct {
	Error         string     `json:"error"`
	Reason        string     `json:"reason"`
	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
	NextAllowed   time.Time  `json:"nextBatchAllowed"`
}

func writeError(w http.ResponseWriter, err error) {
	var rle *domain.RateLimitError
	if errors.As(err, &rle) {
		body := rateLimitBody{Error: rle.Error(), Reason: rle.Reason, NextAllowed: rle.NextAllowed}
		if !rle.CooldownUntil.IsZero() {
			body.CooldownUntil = &rle.CooldownUntil
		}
		w.Header().Set("Retry-After", rle.NextAllowed.UTC().Format(http.TimeFormat))
		writeJSON(w, http.StatusTooManyRequests, body)
		return
	}

	var te *domain.TransitionError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.As(err, &te),
		errors.Is(err, domain.ErrInvalidAction),
		errors.Is(err, domain.ErrMissingFields),
		errors.Is(err, domain.ErrTooFewVariants),
		errors.Is(err, domain.ErrDuplicateVariantName),
		errors.Is(err, domain.ErrNoContent),
		errors.Is(err, domain.ErrNotTerminal),
		errors.Is(err, domain.ErrSessionNotConnected),
		errors.Is(err, allocator.ErrEmptyPhone),
		errors.Is(err, allocator.ErrNoRecipients),
		errors.Is(err, allocator.ErrPercentagesMismatch),
		errors.Is(err, allocator.ErrDuplicateRecipient):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}
