//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"splitsend/internal/dispatch"
	"splitsend/internal/domain"
	"splitsend/internal/experiment"
	"splitsend/internal/provider/waha"
	"splitsend/internal/ratelimit"
	"splitsend/internal/store"
	"splitsend/internal/store/pg"
	"splitsend/internal/util"
)

type stubSender struct {
	sent []string
}

func (s *stubSender) SendText(_ context.Context, req waha.SendTextRequest) (waha.SendResponse, int, []byte, error) {
	s.sent = append(s.sent, req.ChatID)
	id := util.NewResultID()
	return waha.SendResponse{ID: id}, 201, []byte(`{"id":"` + id + `"}`), nil
}

func (s *stubSender) SendImage(_ context.Context, req waha.SendImageRequest) (waha.SendResponse, int, []byte, error) {
	s.sent = append(s.sent, req.ChatID)
	id := util.NewResultID()
	return waha.SendResponse{ID: id}, 201, []byte(`{"id":"` + id + `"}`), nil
}

type stubSessions struct{}

func (stubSessions) SessionStatus(context.Context, string) (string, error) {
	return "WORKING", nil
}

type noopPacer struct{}

func (noopPacer) Wait(context.Context) error { return nil }

func newService(st *pg.Store, limits ratelimit.Limits) (*experiment.Service, *stubSender) {
	sender := &stubSender{}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "test"})
	return &experiment.Service{
		Store:    st,
		Sessions: stubSessions{},
		Limiter:  &ratelimit.Limiter{Store: st, Limits: limits},
		Dispatcher: &dispatch.Dispatcher{
			Store:       st,
			Sender:      sender,
			Breaker:     cb,
			Pacer:       noopPacer{},
			SendTimeout: 5 * time.Second,
		},
	}, sender
}

func createRequest(perVariant int) domain.CreateExperimentRequest {
	req := domain.CreateExperimentRequest{
		Name:            "lifecycle",
		Session:         "default",
		CooldownMinutes: 5,
		BatchSize:       5,
		Variants: []domain.VariantInput{
			{Name: "A", MessageText: "Hi {name}!"},
			{Name: "B", MessageText: "Hello {name}."},
		},
	}
	for i := 0; i < perVariant; i++ {
		req.Variants[0].Recipients = append(req.Variants[0].Recipients,
			domain.RecipientInput{Phone: fmt.Sprintf("4915551%03d", i), Name: "a"})
		req.Variants[1].Recipients = append(req.Variants[1].Recipients,
			domain.RecipientInput{Phone: fmt.Sprintf("4915552%03d", i), Name: "b"})
	}
	return req
}

func TestExperimentLifecycle(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	svc, sender := newService(st, ratelimit.Limits{PerHour: 100, PerDay: 1000, Cooldown: 5 * time.Minute})

	now := time.Now().UTC().Truncate(time.Millisecond)
	exp, err := svc.Create(ctx, createRequest(10), now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if exp.Status != domain.StatusDraft || exp.TotalRecipients != 20 {
		t.Fatalf("created experiment = %+v", exp)
	}

	if _, err := svc.Execute(ctx, exp.ID, "start", now); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := svc.Execute(ctx, exp.ID, "send_batch", now)
	if err != nil {
		t.Fatalf("first send_batch: %v", err)
	}
	for _, vr := range resp.Variants {
		if vr.Sent != 5 {
			t.Errorf("variant %s sent %d, want 5", vr.Name, vr.Sent)
		}
	}
	if !resp.HasMoreBatches || resp.Status != domain.StatusActive {
		t.Fatalf("first batch resp = %+v", resp)
	}
	if len(sender.sent) != 10 {
		t.Fatalf("sender saw %d sends, want 10", len(sender.sent))
	}

	// Second batch is blocked by the cooldown armed above.
	if _, err := svc.Execute(ctx, exp.ID, "send_batch", now.Add(time.Minute)); err == nil {
		t.Fatal("send_batch inside cooldown succeeded")
	}

	later := now.Add(6 * time.Minute)
	resp, err = svc.Execute(ctx, exp.ID, "send_batch", later)
	if err != nil {
		t.Fatalf("second send_batch: %v", err)
	}
	if resp.Status != domain.StatusCompleted || resp.HasMoreBatches {
		t.Fatalf("second batch resp = %+v", resp)
	}

	got, found, err := st.GetExperiment(ctx, exp.ID)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Status != domain.StatusCompleted || got.EndedAt == nil {
		t.Fatalf("experiment after completion = %+v", got)
	}

	batches, err := st.ListBatches(ctx, exp.ID)
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(batches) != 4 {
		t.Fatalf("got %d batches, want 4", len(batches))
	}
	for _, b := range batches {
		if b.Status != domain.BatchCompleted || b.SuccessCount != 5 {
			t.Errorf("batch %s: %+v", b.ID, b)
		}
	}

	metrics, err := st.VariantMetrics(ctx, exp.ID)
	if err != nil {
		t.Fatalf("variant metrics: %v", err)
	}
	for _, m := range metrics {
		if m.Trials != 10 || m.Successes != 10 {
			t.Errorf("metrics %s = %+v", m.Name, m)
		}
	}
}

func TestStopSweepsRecipients(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	svc, _ := newService(st, ratelimit.Limits{PerHour: 100, PerDay: 1000, Cooldown: 5 * time.Minute})

	now := time.Now().UTC()
	exp, err := svc.Create(ctx, createRequest(3), now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Execute(ctx, exp.ID, "start", now); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := svc.Execute(ctx, exp.ID, "stop", now)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if resp.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", resp.Status)
	}

	counts, err := st.CountRecipients(ctx, exp.ID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Assigned != 0 || counts.Failed != 6 {
		t.Fatalf("counts after stop = %+v", counts)
	}

	// Terminal now, so deletion cascades everything away.
	if err := svc.Delete(ctx, exp.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := st.GetExperiment(ctx, exp.ID); found {
		t.Fatal("experiment survived deletion")
	}
}

func TestDeliveryAckAppliesToResult(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	svc, _ := newService(st, ratelimit.Limits{PerHour: 100, PerDay: 1000, Cooldown: time.Minute})

	now := time.Now().UTC()
	exp, err := svc.Create(ctx, createRequest(2), now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Execute(ctx, exp.ID, "start", now); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Execute(ctx, exp.ID, "send_batch", now); err != nil {
		t.Fatalf("send_batch: %v", err)
	}

	var messageID string
	if err := db.QueryRow(ctx, `SELECT message_id FROM results WHERE experiment_id=$1 LIMIT 1`, exp.ID).Scan(&messageID); err != nil {
		t.Fatalf("select result: %v", err)
	}

	updated, err := st.UpdateResultDelivery(ctx, store.DeliveryUpdate{
		MessageID:      messageID,
		DeliveryStatus: domain.DeliveryDevice,
		Now:            now,
	})
	if err != nil || !updated {
		t.Fatalf("update delivery: updated=%v err=%v", updated, err)
	}

	updated, err = st.UpdateResultDelivery(ctx, store.DeliveryUpdate{
		MessageID:      "msg_unknown",
		DeliveryStatus: domain.DeliveryDevice,
		Now:            now,
	})
	if err != nil || updated {
		t.Fatalf("unknown message id: updated=%v err=%v", updated, err)
	}

	buckets, err := st.AnalyticsBuckets(ctx, exp.ID)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	delivered := 0
	for _, b := range buckets {
		delivered += b.Delivered
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
}

func TestRateLimitCountersPersist(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	limiter := &ratelimit.Limiter{Store: st, Limits: ratelimit.Limits{PerHour: 10, PerDay: 100, Cooldown: 5 * time.Minute}}

	now := time.Now().UTC()
	if err := limiter.Initialize(ctx, "default", now); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := limiter.Consume(ctx, "default", 7, now); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// Inside the cooldown window.
	d, err := limiter.Check(ctx, "default", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != ratelimit.ReasonCooldown {
		t.Fatalf("decision = %+v, want cooldown denial", d)
	}

	// Past the cooldown but hourly counter still carries the 7.
	d, err = limiter.Check(ctx, "default", now.Add(6*time.Minute))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed || d.HourCount != 7 {
		t.Fatalf("decision = %+v, want allowed with hourCount 7", d)
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	if _, err := admin.Exec(context.Background(), "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlPath := filepath.Join("..", "..", "migrations", "001_init.sql")
	sqlBytes, err := os.ReadFile(sqlPath)
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}

	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}

	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
