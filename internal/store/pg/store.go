package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"splitsend/internal/domain"
	"splitsend/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) CreateExperiment(ctx context.Context, in store.ExperimentInsert) error {
	settings, _ := json.Marshal(in.Settings)

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO experiments (id, name, description, session_name, cooldown_minutes, batch_size, total_recipients, settings_json, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, in.ID, in.Name, nullIfEmpty(in.Description), in.Session, in.CooldownMinutes, in.BatchSize, in.TotalRecipients, settings, in.Status, in.Now)
	if err != nil {
		return err
	}

	for _, v := range in.Variants {
		_, err = tx.Exec(ctx, `
			INSERT INTO variants (id, experiment_id, name, template_id, template_text, message_text, image_url, image_mimetype, image_filename, allocation_percentage)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, v.ID, in.ID, v.Name, nullIfEmpty(v.TemplateID), nullIfEmpty(v.TemplateText), nullIfEmpty(v.MessageText),
			nullIfEmpty(v.ImageURL), nullIfEmpty(v.ImageMimetype), nullIfEmpty(v.ImageFilename), v.AllocationPercentage)
		if err != nil {
			return err
		}
	}

	rows := make([][]any, 0, len(in.Recipients))
	for _, r := range in.Recipients {
		rows = append(rows, []any{r.ID, in.ID, r.VariantID, r.Phone, nullIfEmpty(r.Name), string(domain.RecipientAssigned), in.Now})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"recipients"},
		[]string{"id", "experiment_id", "variant_id", "phone", "display_name", "status", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) GetExperiment(ctx context.Context, id string) (store.Experiment, bool, error) {
	var (
		e            store.Experiment
		settingsJSON []byte
	)
	row := s.DB.QueryRow(ctx, `
		SELECT id, name, COALESCE(description,''), session_name, cooldown_minutes, batch_size, total_recipients,
		       settings_json, status, created_at, started_at, ended_at, updated_at
		FROM experiments WHERE id=$1
	`, id)
	err := row.Scan(&e.ID, &e.Name, &e.Description, &e.Session, &e.CooldownMinutes, &e.BatchSize, &e.TotalRecipients,
		&settingsJSON, &e.Status, &e.CreatedAt, &e.StartedAt, &e.EndedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Experiment{}, false, nil
		}
		return store.Experiment{}, false, err
	}
	_ = json.Unmarshal(settingsJSON, &e.Settings)
	return e, true, nil
}

func (s *Store) ListExperiments(ctx context.Context) ([]store.Experiment, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, name, COALESCE(description,''), session_name, cooldown_minutes, batch_size, total_recipients,
		       status, created_at, started_at, ended_at, updated_at
		FROM experiments ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Experiment
	for rows.Next() {
		var e store.Experiment
		if err := rows.Scan(&e.ID, &e.Name, &e.Description, &e.Session, &e.CooldownMinutes, &e.BatchSize,
			&e.TotalRecipients, &e.Status, &e.CreatedAt, &e.StartedAt, &e.EndedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteExperiment removes a terminal experiment and everything it owns.
// Returns false when the experiment exists but is not deletable.
func (s *Store) DeleteExperiment(ctx context.Context, id string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		DELETE FROM experiments WHERE id=$1 AND status IN ('completed','cancelled')
	`, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) SetExperimentStatus(ctx context.Context, in store.StatusUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE experiments
		SET status=$2,
		    started_at=COALESCE($3, started_at),
		    ended_at=COALESCE($4, ended_at),
		    updated_at=$5
		WHERE id=$1
	`, in.ID, in.Status, in.StartedAt, in.EndedAt, in.Now)
	return err
}

func (s *Store) ListVariants(ctx context.Context, experimentID string) ([]store.Variant, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, experiment_id, name, COALESCE(template_id,''), COALESCE(template_text,''), COALESCE(message_text,''),
		       COALESCE(image_url,''), COALESCE(image_mimetype,''), COALESCE(image_filename,''), allocation_percentage
		FROM variants WHERE experiment_id=$1 ORDER BY name
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Variant
	for rows.Next() {
		var v store.Variant
		if err := rows.Scan(&v.ID, &v.ExperimentID, &v.Name, &v.TemplateID, &v.TemplateText, &v.MessageText,
			&v.ImageURL, &v.ImageMimetype, &v.ImageFilename, &v.AllocationPercentage); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// NextAssignedRecipients returns the next unsent slice for a variant in
// assignment order.
func (s *Store) NextAssignedRecipients(ctx context.Context, variantID string, limit int) ([]store.Recipient, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, experiment_id, variant_id, phone, COALESCE(display_name,''), status, created_at
		FROM recipients
		WHERE variant_id=$1 AND status='assigned'
		ORDER BY created_at, id
		LIMIT $2
	`, variantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Recipient
	for rows.Next() {
		var r store.Recipient
		if err := rows.Scan(&r.ID, &r.ExperimentID, &r.VariantID, &r.Phone, &r.Name, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CountRecipients(ctx context.Context, experimentID string) (store.RecipientCounts, error) {
	var c store.RecipientCounts
	row := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status='assigned'),
		       COUNT(*) FILTER (WHERE status='sent'),
		       COUNT(*) FILTER (WHERE status='failed')
		FROM recipients WHERE experiment_id=$1
	`, experimentID)
	if err := row.Scan(&c.Assigned, &c.Sent, &c.Failed); err != nil {
		return store.RecipientCounts{}, err
	}
	return c, nil
}

func (s *Store) SetRecipientStatus(ctx context.Context, recipientID string, status domain.RecipientStatus) error {
	_, err := s.DB.Exec(ctx, `UPDATE recipients SET status=$2 WHERE id=$1`, recipientID, status)
	return err
}

// FailAssignedRecipients sweeps recipients never attempted when an
// experiment is stopped.
func (s *Store) FailAssignedRecipients(ctx context.Context, experimentID string) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE recipients SET status='failed' WHERE experiment_id=$1 AND status='assigned'
	`, experimentID)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// InsertBatch creates the batch record and assigns the next sequential
// batch number for the variant.
func (s *Store) InsertBatch(ctx context.Context, in store.BatchInsert) (batchNumber int, err error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO batches (id, experiment_id, variant_id, batch_number, recipient_count, success_count, failed_count, status, next_batch_allowed_at, created_at)
		SELECT $1, $2, $3, COALESCE(MAX(batch_number),0)+1, $4, 0, 0, 'sending', $5, $6
		FROM batches WHERE variant_id=$3
		RETURNING batch_number
	`, in.ID, in.ExperimentID, in.VariantID, in.RecipientCount, in.NextBatchAllowedAt, in.Now)
	if err := row.Scan(&batchNumber); err != nil {
		return 0, err
	}
	return batchNumber, nil
}

func (s *Store) CloseBatch(ctx context.Context, in store.BatchClose) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE batches SET success_count=$2, failed_count=$3, status=$4 WHERE id=$1
	`, in.ID, in.SuccessCount, in.FailedCount, in.Status)
	return err
}

func (s *Store) ListBatches(ctx context.Context, experimentID string) ([]store.Batch, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, experiment_id, variant_id, batch_number, recipient_count, success_count, failed_count, status, next_batch_allowed_at, created_at
		FROM batches WHERE experiment_id=$1 ORDER BY created_at
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Batch
	for rows.Next() {
		var b store.Batch
		if err := rows.Scan(&b.ID, &b.ExperimentID, &b.VariantID, &b.BatchNumber, &b.RecipientCount,
			&b.SuccessCount, &b.FailedCount, &b.Status, &b.NextBatchAllowedAt, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) InsertResult(ctx context.Context, in store.ResultInsert) error {
	respJSON, _ := json.Marshal(in.Response)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO results (id, experiment_id, variant_id, recipient_id, batch_id, status, message_id, error_text, response_json, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, in.ID, in.ExperimentID, in.VariantID, in.RecipientID, in.BatchID, in.Status,
		nullIfEmpty(in.MessageID), nullIfEmpty(in.ErrorText), respJSON, in.Now)
	return err
}

// FailPendingResults closes out result rows still in flight when an
// experiment is stopped.
func (s *Store) FailPendingResults(ctx context.Context, experimentID, reason string) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE results SET status='failed', error_text=$2
		WHERE experiment_id=$1 AND status IN ('pending','processing')
	`, experimentID, reason)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// UpdateResultDelivery applies an asynchronous backend ack to the result
// row identified by the external message id.
func (s *Store) UpdateResultDelivery(ctx context.Context, in store.DeliveryUpdate) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE results SET delivery_status=$2 WHERE message_id=$1
	`, in.MessageID, in.DeliveryStatus)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// VariantMetrics aggregates send attempts and accepted sends per variant,
// the inputs to the significance evaluator.
func (s *Store) VariantMetrics(ctx context.Context, experimentID string) ([]store.VariantMetrics, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT v.id, v.name,
		       COUNT(r.id),
		       COUNT(r.id) FILTER (WHERE r.status='sent')
		FROM variants v
		LEFT JOIN results r ON r.variant_id = v.id
		WHERE v.experiment_id=$1
		GROUP BY v.id, v.name
		ORDER BY v.name
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.VariantMetrics
	for rows.Next() {
		var m store.VariantMetrics
		if err := rows.Scan(&m.VariantID, &m.Name, &m.Trials, &m.Successes); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AnalyticsBuckets rolls results up per variant and hour.
func (s *Store) AnalyticsBuckets(ctx context.Context, experimentID string) ([]store.AnalyticsBucket, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT v.id, v.name, date_trunc('hour', r.sent_at) AS bucket,
		       COUNT(r.id) FILTER (WHERE r.status='sent'),
		       COUNT(r.id) FILTER (WHERE r.status='failed'),
		       COUNT(r.id) FILTER (WHERE r.delivery_status IN ('delivered','read')),
		       COUNT(r.id) FILTER (WHERE r.delivery_status='read')
		FROM results r
		JOIN variants v ON v.id = r.variant_id
		WHERE r.experiment_id=$1
		GROUP BY v.id, v.name, bucket
		ORDER BY bucket, v.name
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AnalyticsBucket
	for rows.Next() {
		var b store.AnalyticsBucket
		if err := rows.Scan(&b.VariantID, &b.Name, &b.Bucket, &b.Sent, &b.Failed, &b.Delivered, &b.Read); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) GetRateLimit(ctx context.Context, session string) (store.RateLimit, bool, error) {
	var rl store.RateLimit
	row := s.DB.QueryRow(ctx, `
		SELECT session_name, messages_sent_hour, messages_sent_day, last_send_at, cooldown_until
		FROM rate_limits WHERE session_name=$1
	`, session)
	err := row.Scan(&rl.Session, &rl.MessagesSentHour, &rl.MessagesSentDay, &rl.LastSendAt, &rl.CooldownUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.RateLimit{}, false, nil
		}
		return store.RateLimit{}, false, err
	}
	return rl, true, nil
}

// InitRateLimit zeroes the session's counters and clears any cooldown.
func (s *Store) InitRateLimit(ctx context.Context, session string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO rate_limits (session_name, messages_sent_hour, messages_sent_day, last_send_at, cooldown_until, updated_at)
		VALUES ($1, 0, 0, $2, NULL, $2)
		ON CONFLICT (session_name)
		DO UPDATE SET messages_sent_hour=0, messages_sent_day=0, cooldown_until=NULL, updated_at=$2
	`, session, now)
	return err
}

// ConsumeRateLimit records N sends for a session in one atomic upsert.
// Counters whose window has lapsed restart at N rather than accumulating,
// matching the lazy-reset semantics of the check path.
func (s *Store) ConsumeRateLimit(ctx context.Context, in store.RateLimitConsume) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO rate_limits (session_name, messages_sent_hour, messages_sent_day, last_send_at, cooldown_until, updated_at)
		VALUES ($1, $2, $2, $3, $4, $3)
		ON CONFLICT (session_name)
		DO UPDATE SET
			messages_sent_hour = CASE WHEN rate_limits.last_send_at < $5 THEN $2 ELSE rate_limits.messages_sent_hour + $2 END,
			messages_sent_day  = CASE WHEN rate_limits.last_send_at < $6 THEN $2 ELSE rate_limits.messages_sent_day + $2 END,
			last_send_at = $3,
			cooldown_until = $4,
			updated_at = $3
	`, in.Session, in.N, in.Now, in.CooldownUntil, in.HourCutoff, in.DayCutoff)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
