// Package dispatch sends one variant's next recipient slice.
//
// Sends are strictly sequential with a paced gap between recipients; a
// failed recipient is recorded and never aborts the rest of the batch.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"splitsend/internal/composer"
	"splitsend/internal/domain"
	"splitsend/internal/observability"
	"splitsend/internal/provider/waha"
	"splitsend/internal/store"
	"splitsend/internal/util"
)

type Store interface {
	NextAssignedRecipients(ctx context.Context, variantID string, limit int) ([]store.Recipient, error)
	InsertBatch(ctx context.Context, in store.BatchInsert) (int, error)
	CloseBatch(ctx context.Context, in store.BatchClose) error
	InsertResult(ctx context.Context, in store.ResultInsert) error
	SetRecipientStatus(ctx context.Context, recipientID string, status domain.RecipientStatus) error
}

type Sender interface {
	SendText(ctx context.Context, req waha.SendTextRequest) (waha.SendResponse, int, []byte, error)
	SendImage(ctx context.Context, req waha.SendImageRequest) (waha.SendResponse, int, []byte, error)
}

// Pacer spaces consecutive sends. Production wires a *rate.Limiter with a
// full burst of one, so the first wait is free and each subsequent wait
// enforces the inter-message delay; tests substitute a no-op.
type Pacer interface {
	Wait(ctx context.Context) error
}

type Report struct {
	VariantID string
	Name      string
	Sent      int
	Failed    int
}

func (r Report) Attempted() int { return r.Sent + r.Failed }

type Dispatcher struct {
	Store       Store
	Sender      Sender
	Breaker     *gobreaker.CircuitBreaker
	Pacer       Pacer
	SendTimeout time.Duration
}

// DispatchVariant processes the variant's next batch. An empty slice is
// the per-variant completion signal: no batch record is created and a
// zero Report comes back.
func (d *Dispatcher) DispatchVariant(ctx context.Context, exp store.Experiment, v store.Variant, now time.Time) (Report, error) {
	report := Report{VariantID: v.ID, Name: v.Name}

	// Content resolves before any recipient is touched, so a content
	// error fails this variant's step without consuming its slice.
	content, err := composer.Resolve(v)
	if err != nil {
		return report, err
	}

	recipients, err := d.Store.NextAssignedRecipients(ctx, v.ID, exp.BatchSize)
	if err != nil {
		return report, err
	}
	if len(recipients) == 0 {
		return report, nil
	}

	batchID := util.NewBatchID()
	cooldown := time.Duration(exp.CooldownMinutes) * time.Minute
	batchNumber, err := d.Store.InsertBatch(ctx, store.BatchInsert{
		ID:                 batchID,
		ExperimentID:       exp.ID,
		VariantID:          v.ID,
		RecipientCount:     len(recipients),
		NextBatchAllowedAt: now.Add(cooldown),
		Now:                now,
	})
	if err != nil {
		return report, err
	}

	slog.Info("batch dispatch started",
		"experiment_id", exp.ID,
		"variant", v.Name,
		"batch_number", batchNumber,
		"recipients", len(recipients),
	)

	for _, r := range recipients {
		if d.Pacer != nil {
			if err := d.Pacer.Wait(ctx); err != nil {
				// Pacing interrupted (shutdown); close out what we have.
				break
			}
		}
		ok, err := d.sendOne(ctx, exp, v, batchID, content, r)
		if err != nil {
			return report, err
		}
		if ok {
			report.Sent++
		} else {
			report.Failed++
		}
	}

	if err := d.Store.CloseBatch(ctx, store.BatchClose{
		ID:           batchID,
		SuccessCount: report.Sent,
		FailedCount:  report.Failed,
		Status:       domain.BatchCompleted,
		Now:          util.NowUTC(),
	}); err != nil {
		return report, err
	}

	observability.Batches.WithLabelValues(string(domain.BatchCompleted)).Inc()
	slog.Info("batch dispatch finished",
		"experiment_id", exp.ID,
		"variant", v.Name,
		"batch_number", batchNumber,
		"sent", report.Sent,
		"failed", report.Failed,
	)
	return report, nil
}

// sendOne attempts one recipient and records the outcome. It returns
// ok=false for a recorded send failure; a non-nil error means the store
// itself failed and the batch cannot make progress.
func (d *Dispatcher) sendOne(ctx context.Context, exp store.Experiment, v store.Variant, batchID string, content composer.Content, r store.Recipient) (bool, error) {
	chatID := waha.FormatChatID(r.Phone)
	start := time.Now()

	resp, httpStatus, raw, err := d.executeWithBreaker(ctx, exp.Session, chatID, content, r)

	observability.SendLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		observability.Sends.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()
		return false, d.recordFailure(ctx, exp, v, batchID, r, err)
	}

	observability.Sends.WithLabelValues("ok", strconv.Itoa(httpStatus)).Inc()
	if err := d.Store.InsertResult(ctx, store.ResultInsert{
		ID:           util.NewResultID(),
		ExperimentID: exp.ID,
		VariantID:    v.ID,
		RecipientID:  r.ID,
		BatchID:      batchID,
		Status:       domain.ResultSent,
		MessageID:    resp.ID,
		Response:     map[string]any{"raw": string(raw)},
		Now:          util.NowUTC(),
	}); err != nil {
		return false, err
	}
	return true, d.Store.SetRecipientStatus(ctx, r.ID, domain.RecipientSent)
}

func (d *Dispatcher) recordFailure(ctx context.Context, exp store.Experiment, v store.Variant, batchID string, r store.Recipient, sendErr error) error {
	if err := d.Store.InsertResult(ctx, store.ResultInsert{
		ID:           util.NewResultID(),
		ExperimentID: exp.ID,
		VariantID:    v.ID,
		RecipientID:  r.ID,
		BatchID:      batchID,
		Status:       domain.ResultFailed,
		ErrorText:    sendErr.Error(),
		Now:          util.NowUTC(),
	}); err != nil {
		return err
	}
	return d.Store.SetRecipientStatus(ctx, r.ID, domain.RecipientFailed)
}

type sendResult struct {
	resp       waha.SendResponse
	httpStatus int
	raw        []byte
}

type sendError struct {
	err        error
	httpStatus int
	raw        []byte
}

func (e sendError) Error() string { return e.err.Error() }
func (e sendError) Unwrap() error { return e.err }

// executeWithBreaker wraps one send in the circuit breaker and a bounded
// timeout. Breaker-open and timeouts both surface as ordinary per-recipient
// failures; nothing here retries.
func (d *Dispatcher) executeWithBreaker(ctx context.Context, session, chatID string, content composer.Content, r store.Recipient) (waha.SendResponse, int, []byte, error) {
	call := func() (any, error) {
		reqCtx := ctx
		if d.SendTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, d.SendTimeout)
			defer cancel()
		}

		var (
			resp       waha.SendResponse
			httpStatus int
			raw        []byte
			callErr    error
		)
		switch content.Kind {
		case composer.KindImage:
			resp, httpStatus, raw, callErr = d.Sender.SendImage(reqCtx, waha.SendImageRequest{
				Session: session,
				ChatID:  chatID,
				File:    content.Image,
				Caption: composer.Personalize(content.Caption, r),
			})
		default:
			resp, httpStatus, raw, callErr = d.Sender.SendText(reqCtx, waha.SendTextRequest{
				Session: session,
				ChatID:  chatID,
				Text:    composer.Personalize(content.Text, r),
			})
		}
		if callErr != nil {
			return nil, sendError{err: callErr, httpStatus: httpStatus, raw: raw}
		}
		return sendResult{resp: resp, httpStatus: httpStatus, raw: raw}, nil
	}

	var (
		resAny any
		err    error
	)
	if d.Breaker != nil {
		resAny, err = d.Breaker.Execute(call)
	} else {
		resAny, err = call()
	}
	if err != nil {
		var se sendError
		if errors.As(err, &se) {
			return waha.SendResponse{}, se.httpStatus, se.raw, err
		}
		return waha.SendResponse{}, 0, nil, err
	}
	res := resAny.(sendResult)
	return res.resp, res.httpStatus, res.raw, nil
}
