// Package experiment implements the lifecycle state machine and
// orchestrates allocation, rate limiting and batch dispatch.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"splitsend/internal/allocator"
	"splitsend/internal/composer"
	"splitsend/internal/dispatch"
	"splitsend/internal/domain"
	"splitsend/internal/observability"
	"splitsend/internal/ratelimit"
	"splitsend/internal/stats"
	"splitsend/internal/store"
	"splitsend/internal/util"
)

// stopReason is recorded on every recipient and result swept by a stop.
const stopReason = "stopped by user"

type Store interface {
	CreateExperiment(ctx context.Context, in store.ExperimentInsert) error
	GetExperiment(ctx context.Context, id string) (store.Experiment, bool, error)
	ListExperiments(ctx context.Context) ([]store.Experiment, error)
	DeleteExperiment(ctx context.Context, id string) (bool, error)
	SetExperimentStatus(ctx context.Context, in store.StatusUpdate) error
	ListVariants(ctx context.Context, experimentID string) ([]store.Variant, error)
	CountRecipients(ctx context.Context, experimentID string) (store.RecipientCounts, error)
	FailAssignedRecipients(ctx context.Context, experimentID string) (int64, error)
	FailPendingResults(ctx context.Context, experimentID, reason string) (int64, error)
	VariantMetrics(ctx context.Context, experimentID string) ([]store.VariantMetrics, error)
	AnalyticsBuckets(ctx context.Context, experimentID string) ([]store.AnalyticsBucket, error)
}

type SessionChecker interface {
	SessionStatus(ctx context.Context, session string) (string, error)
}

type Limiter interface {
	Acquire(session string) func()
	Check(ctx context.Context, session string, now time.Time) (ratelimit.Decision, error)
	Consume(ctx context.Context, session string, n int, now time.Time) error
	Initialize(ctx context.Context, session string, now time.Time) error
}

type BatchDispatcher interface {
	DispatchVariant(ctx context.Context, exp store.Experiment, v store.Variant, now time.Time) (dispatch.Report, error)
}

type Service struct {
	Store      Store
	Sessions   SessionChecker
	Limiter    Limiter
	Dispatcher BatchDispatcher

	// Rand drives the percentage-split shuffle; nil seeds from the clock.
	Rand *rand.Rand
}

func (s *Service) rng() *rand.Rand {
	if s.Rand != nil {
		return s.Rand
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Create persists a draft experiment with its variants and recipients.
// Recipients pre-grouped on variants take precedence; otherwise the flat
// list is split by the variants' allocation percentages.
func (s *Service) Create(ctx context.Context, req domain.CreateExperimentRequest, now time.Time) (store.Experiment, error) {
	if err := req.Validate(); err != nil {
		return store.Experiment{}, err
	}

	preassigned := false
	for _, v := range req.Variants {
		if len(v.Recipients) > 0 {
			preassigned = true
			break
		}
	}

	var (
		assignment allocator.Assignment
		err        error
	)
	if preassigned {
		assignment, err = allocator.Preassigned(req.Variants)
	} else {
		assignment, err = allocator.SplitByPercentage(req.Recipients, req.Variants, s.rng())
	}
	if err != nil {
		return store.Experiment{}, err
	}

	in := store.ExperimentInsert{
		ID:              util.NewExperimentID(),
		Name:            req.Name,
		Description:     req.Description,
		Session:         req.Session,
		CooldownMinutes: req.CooldownMinutes,
		BatchSize:       req.BatchSize,
		Settings:        req.Settings,
		Status:          domain.StatusDraft,
		Now:             now,
	}
	for _, v := range req.Variants {
		variantID := util.NewVariantID()
		in.Variants = append(in.Variants, store.VariantInsert{
			ID:                   variantID,
			Name:                 v.Name,
			TemplateID:           v.TemplateID,
			TemplateText:         v.TemplateText,
			MessageText:          v.MessageText,
			ImageURL:             v.ImageURL,
			ImageMimetype:        v.ImageMimetype,
			ImageFilename:        v.ImageFilename,
			AllocationPercentage: v.AllocationPercentage,
		})
		for _, r := range assignment[v.Name] {
			in.Recipients = append(in.Recipients, store.RecipientInsert{
				ID:        util.NewRecipientID(),
				VariantID: variantID,
				Phone:     r.Phone,
				Name:      r.Name,
			})
		}
	}
	in.TotalRecipients = len(in.Recipients)

	if err := s.Store.CreateExperiment(ctx, in); err != nil {
		return store.Experiment{}, err
	}

	slog.Info("experiment created",
		"experiment_id", in.ID,
		"variants", len(in.Variants),
		"recipients", in.TotalRecipients,
	)

	exp, _, err := s.Store.GetExperiment(ctx, in.ID)
	return exp, err
}

func (s *Service) Get(ctx context.Context, id string) (store.Experiment, bool, error) {
	return s.Store.GetExperiment(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]store.Experiment, error) {
	return s.Store.ListExperiments(ctx)
}

// Delete removes a terminal experiment.
func (s *Service) Delete(ctx context.Context, id string) error {
	exp, found, err := s.Store.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrNotFound
	}
	if !exp.Status.Terminal() {
		return domain.ErrNotTerminal
	}
	_, err = s.Store.DeleteExperiment(ctx, id)
	return err
}

// Execute runs one lifecycle action to completion. There is no scheduler
// behind this: the caller drives the experiment by invoking send_batch
// again once the cooldown passes.
func (s *Service) Execute(ctx context.Context, id, rawAction string, now time.Time) (domain.ExecuteResponse, error) {
	action, ok := domain.ParseAction(rawAction)
	if !ok {
		return domain.ExecuteResponse{}, fmt.Errorf("%w: %q", domain.ErrInvalidAction, rawAction)
	}

	exp, found, err := s.Store.GetExperiment(ctx, id)
	if err != nil {
		return domain.ExecuteResponse{}, err
	}
	if !found {
		return domain.ExecuteResponse{}, domain.ErrNotFound
	}

	resp, err := s.execute(ctx, exp, action, now)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.Actions.WithLabelValues(string(action), result).Inc()
	return resp, err
}

func (s *Service) execute(ctx context.Context, exp store.Experiment, action domain.Action, now time.Time) (domain.ExecuteResponse, error) {
	switch action {
	case domain.ActionStart:
		return s.start(ctx, exp, now)
	case domain.ActionPause:
		return s.flip(ctx, exp, action, domain.StatusActive, domain.StatusPaused, now)
	case domain.ActionResume:
		return s.flip(ctx, exp, action, domain.StatusPaused, domain.StatusActive, now)
	case domain.ActionStop:
		return s.stop(ctx, exp, now)
	case domain.ActionSendBatch:
		return s.sendBatch(ctx, exp, now)
	}
	return domain.ExecuteResponse{}, domain.ErrInvalidAction
}

func (s *Service) start(ctx context.Context, exp store.Experiment, now time.Time) (domain.ExecuteResponse, error) {
	if exp.Status != domain.StatusDraft {
		return domain.ExecuteResponse{}, &domain.TransitionError{Action: domain.ActionStart, Required: "draft", Current: exp.Status}
	}

	// Every variant must resolve to sendable content before anything goes out.
	variants, err := s.Store.ListVariants(ctx, exp.ID)
	if err != nil {
		return domain.ExecuteResponse{}, err
	}
	for _, v := range variants {
		if _, err := composer.Resolve(v); err != nil {
			return domain.ExecuteResponse{}, fmt.Errorf("variant %s: %w", v.Name, err)
		}
	}

	status, err := s.Sessions.SessionStatus(ctx, exp.Session)
	if err != nil {
		return domain.ExecuteResponse{}, fmt.Errorf("session status check: %w", err)
	}
	if !domain.SessionReady(status) {
		return domain.ExecuteResponse{}, fmt.Errorf("%w: session %s is %s", domain.ErrSessionNotConnected, exp.Session, status)
	}

	if err := s.Limiter.Initialize(ctx, exp.Session, now); err != nil {
		return domain.ExecuteResponse{}, err
	}
	if err := s.Store.SetExperimentStatus(ctx, store.StatusUpdate{
		ID: exp.ID, Status: domain.StatusActive, StartedAt: &now, Now: now,
	}); err != nil {
		return domain.ExecuteResponse{}, err
	}

	slog.Info("experiment started", "experiment_id", exp.ID, "session", exp.Session)
	return domain.ExecuteResponse{ExperimentID: exp.ID, Status: domain.StatusActive, HasMoreBatches: true}, nil
}

func (s *Service) flip(ctx context.Context, exp store.Experiment, action domain.Action, from, to domain.ExperimentStatus, now time.Time) (domain.ExecuteResponse, error) {
	if exp.Status != from {
		return domain.ExecuteResponse{}, &domain.TransitionError{Action: action, Required: string(from), Current: exp.Status}
	}
	if err := s.Store.SetExperimentStatus(ctx, store.StatusUpdate{ID: exp.ID, Status: to, Now: now}); err != nil {
		return domain.ExecuteResponse{}, err
	}
	return domain.ExecuteResponse{ExperimentID: exp.ID, Status: to, HasMoreBatches: to == domain.StatusActive}, nil
}

// stop ends the experiment: in-flight rows are swept to failed with the
// stop reason, recipients never attempted included. Stopping a draft
// cancels it instead of completing it.
func (s *Service) stop(ctx context.Context, exp store.Experiment, now time.Time) (domain.ExecuteResponse, error) {
	var to domain.ExperimentStatus
	switch exp.Status {
	case domain.StatusDraft:
		to = domain.StatusCancelled
	case domain.StatusActive, domain.StatusPaused:
		to = domain.StatusCompleted
	default:
		return domain.ExecuteResponse{}, &domain.TransitionError{Action: domain.ActionStop, Required: "draft, active or paused", Current: exp.Status}
	}

	if _, err := s.Store.FailPendingResults(ctx, exp.ID, stopReason); err != nil {
		return domain.ExecuteResponse{}, err
	}
	swept, err := s.Store.FailAssignedRecipients(ctx, exp.ID)
	if err != nil {
		return domain.ExecuteResponse{}, err
	}
	if err := s.Store.SetExperimentStatus(ctx, store.StatusUpdate{
		ID: exp.ID, Status: to, EndedAt: &now, Now: now,
	}); err != nil {
		return domain.ExecuteResponse{}, err
	}

	slog.Info("experiment stopped", "experiment_id", exp.ID, "status", to, "swept_recipients", swept)
	return domain.ExecuteResponse{ExperimentID: exp.ID, Status: to}, nil
}

func (s *Service) sendBatch(ctx context.Context, exp store.Experiment, now time.Time) (domain.ExecuteResponse, error) {
	if exp.Status != domain.StatusActive {
		return domain.ExecuteResponse{}, &domain.TransitionError{Action: domain.ActionSendBatch, Required: "active", Current: exp.Status}
	}

	// Hold the session for the whole check-dispatch-consume sequence.
	release := s.Limiter.Acquire(exp.Session)
	defer release()

	decision, err := s.Limiter.Check(ctx, exp.Session, now)
	if err != nil {
		return domain.ExecuteResponse{}, err
	}
	if !decision.Allowed {
		observability.RateLimitDenials.WithLabelValues(decision.Reason).Inc()
		return domain.ExecuteResponse{}, &domain.RateLimitError{
			Reason:        decision.Reason,
			CooldownUntil: decision.CooldownUntil,
			NextAllowed:   decision.NextAllowed,
		}
	}

	variants, err := s.Store.ListVariants(ctx, exp.ID)
	if err != nil {
		return domain.ExecuteResponse{}, err
	}

	reports := make([]domain.VariantReport, 0, len(variants))
	attempted := 0
	for _, v := range variants {
		rep, err := s.Dispatcher.DispatchVariant(ctx, exp, v, now)
		vr := domain.VariantReport{VariantID: v.ID, Name: v.Name, Sent: rep.Sent, Failed: rep.Failed}
		if err != nil {
			if errors.Is(err, domain.ErrNoContent) {
				// This variant's step fails; the others still run.
				vr.Error = err.Error()
				reports = append(reports, vr)
				continue
			}
			return domain.ExecuteResponse{}, err
		}
		attempted += rep.Attempted()
		reports = append(reports, vr)
	}

	if attempted > 0 {
		if err := s.Limiter.Consume(ctx, exp.Session, attempted, now); err != nil {
			return domain.ExecuteResponse{}, err
		}
	}

	counts, err := s.Store.CountRecipients(ctx, exp.ID)
	if err != nil {
		return domain.ExecuteResponse{}, err
	}

	status := exp.Status
	if counts.Assigned == 0 {
		if err := s.Store.SetExperimentStatus(ctx, store.StatusUpdate{
			ID: exp.ID, Status: domain.StatusCompleted, EndedAt: &now, Now: now,
		}); err != nil {
			return domain.ExecuteResponse{}, err
		}
		status = domain.StatusCompleted
		slog.Info("experiment auto-completed", "experiment_id", exp.ID)
	}

	return domain.ExecuteResponse{
		ExperimentID:   exp.ID,
		Status:         status,
		Variants:       reports,
		HasMoreBatches: counts.Assigned > 0,
	}, nil
}

type Significance struct {
	ExperimentID string               `json:"experimentId"`
	Variants     []stats.VariantRates `json:"variants"`
	Comparisons  []stats.Comparison   `json:"comparisons"`
}

// Significance runs the two-proportion z-test across every variant pair.
func (s *Service) Significance(ctx context.Context, id string) (Significance, error) {
	_, found, err := s.Store.GetExperiment(ctx, id)
	if err != nil {
		return Significance{}, err
	}
	if !found {
		return Significance{}, domain.ErrNotFound
	}

	metrics, err := s.Store.VariantMetrics(ctx, id)
	if err != nil {
		return Significance{}, err
	}

	out := Significance{ExperimentID: id, Comparisons: stats.CompareAll(metrics)}
	for _, m := range metrics {
		out.Variants = append(out.Variants, stats.Rates(m))
	}
	return out, nil
}

type Analytics struct {
	ExperimentID string                  `json:"experimentId"`
	Assigned     int                     `json:"assigned"`
	Sent         int                     `json:"sent"`
	Failed       int                     `json:"failed"`
	Buckets      []store.AnalyticsBucket `json:"buckets"`
}

// Analytics reduces persisted result rows; it never mutates state.
func (s *Service) Analytics(ctx context.Context, id string) (Analytics, error) {
	_, found, err := s.Store.GetExperiment(ctx, id)
	if err != nil {
		return Analytics{}, err
	}
	if !found {
		return Analytics{}, domain.ErrNotFound
	}

	counts, err := s.Store.CountRecipients(ctx, id)
	if err != nil {
		return Analytics{}, err
	}
	buckets, err := s.Store.AnalyticsBuckets(ctx, id)
	if err != nil {
		return Analytics{}, err
	}
	return Analytics{
		ExperimentID: id,
		Assigned:     counts.Assigned,
		Sent:         counts.Sent,
		Failed:       counts.Failed,
		Buckets:      buckets,
	}, nil
}
