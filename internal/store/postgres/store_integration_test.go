package postgres

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/store"
)

func TestConditionalPromoteConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool := openTestStore(t, ctx)

	locationID := seedLocation(t, ctx, pool, `{"autoCaller": {"enabled": true, "maxServing": 1}}`)
	customer := createCustomer(t, ctx, st, locationID, "A")

	var wg sync.WaitGroup
	results := make(chan promoteResult, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ConditionalPromote(ctx, customer.CustomerID, models.WaitingStatuses, time.Now().UTC())
			results <- promoteResult{ok: ok, err: err}
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for result := range results {
		if result.err != nil {
			t.Fatalf("promote error: %v", result.err)
		}
		if result.ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one promotion, got %d", wins)
	}

	serving, err := st.CountServing(ctx, locationID)
	if err != nil {
		t.Fatalf("count serving: %v", err)
	}
	if serving != 1 {
		t.Fatalf("expected 1 serving, got %d", serving)
	}
}

func TestAddMilestoneIsSetLike(t *testing.T) {
	ctx := context.Background()
	st, pool := openTestStore(t, ctx)

	locationID := seedLocation(t, ctx, pool, `{}`)
	customer := createCustomer(t, ctx, st, locationID, "A")

	first, err := st.AddMilestone(ctx, customer.CustomerID, models.MilestoneNearThree)
	if err != nil || !first {
		t.Fatalf("expected first add to win, got %v %v", first, err)
	}
	second, err := st.AddMilestone(ctx, customer.CustomerID, models.MilestoneNearThree)
	if err != nil || second {
		t.Fatalf("expected second add to be a no-op, got %v %v", second, err)
	}
	has, err := st.HasMilestone(ctx, customer.CustomerID, models.MilestoneNearThree)
	if err != nil || !has {
		t.Fatalf("expected milestone recorded, got %v %v", has, err)
	}

	got, found, err := st.GetCustomer(ctx, customer.CustomerID)
	if err != nil || !found {
		t.Fatalf("get customer: %v %v", found, err)
	}
	if len(got.NotificationFlags) != 1 || got.NotificationFlags[0] != models.MilestoneNearThree {
		t.Fatalf("unexpected flags: %v", got.NotificationFlags)
	}
}

func TestFindWaitingOrderAndSubscriptions(t *testing.T) {
	ctx := context.Background()
	st, pool := openTestStore(t, ctx)

	locationID := seedLocation(t, ctx, pool, `{}`)
	a := createCustomer(t, ctx, st, locationID, "A")
	b := createCustomer(t, ctx, st, locationID, "B")
	if err := st.SaveSubscription(ctx, b.CustomerID, models.Subscription{Endpoint: "https://push.example/b"}); err != nil {
		t.Fatalf("save subscription: %v", err)
	}

	waiting, err := st.FindWaiting(ctx, locationID)
	if err != nil {
		t.Fatalf("find waiting: %v", err)
	}
	if len(waiting) != 2 || waiting[0].CustomerID != a.CustomerID || waiting[1].CustomerID != b.CustomerID {
		t.Fatalf("unexpected order: %+v", waiting)
	}
	if len(waiting[1].Subscriptions) != 1 {
		t.Fatalf("expected subscription on B, got %+v", waiting[1].Subscriptions)
	}

	if err := st.RemoveSubscription(ctx, b.CustomerID, "https://push.example/b"); err != nil {
		t.Fatalf("remove subscription: %v", err)
	}
	got, _, err := st.GetCustomer(ctx, b.CustomerID)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if len(got.Subscriptions) != 0 {
		t.Fatalf("expected subscription removed")
	}
}

func TestDeleteIfStatusRespectsGuard(t *testing.T) {
	ctx := context.Background()
	st, pool := openTestStore(t, ctx)

	locationID := seedLocation(t, ctx, pool, `{}`)
	customer := createCustomer(t, ctx, st, locationID, "A")
	if _, err := st.ConditionalPromote(ctx, customer.CustomerID, models.WaitingStatuses, time.Now().UTC()); err != nil {
		t.Fatalf("promote: %v", err)
	}

	deleted, err := st.DeleteIfStatus(ctx, customer.CustomerID, models.StatusWaiting)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted {
		t.Fatalf("serving customer must not be deleted")
	}

	done, changed, err := st.CompleteCustomer(ctx, locationID, customer.CustomerID, time.Now().UTC())
	if err != nil || !changed || done.Status != models.StatusDone {
		t.Fatalf("complete: %+v %v %v", done, changed, err)
	}
	var history int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_history WHERE location_id = $1`, locationID).Scan(&history); err != nil {
		t.Fatalf("count history: %v", err)
	}
	if history != 1 {
		t.Fatalf("expected 1 history row, got %d", history)
	}
}

func TestListEnabledLocationsNormalizesSettings(t *testing.T) {
	ctx := context.Background()
	st, pool := openTestStore(t, ctx)

	flat := seedLocation(t, ctx, pool, `{"autoCallerEnabled": true, "maxServing": 2}`)
	seedLocation(t, ctx, pool, `{"autoCaller": {"enabled": false}}`)
	nested := seedLocation(t, ctx, pool, `{"autoCaller": {"enabled": true, "maxServing": 3}}`)

	locations, err := st.ListEnabledLocations(ctx)
	if err != nil {
		t.Fatalf("list locations: %v", err)
	}
	got := map[string]int{}
	for _, location := range locations {
		got[location.LocationID] = location.Config.MaxServing
	}
	if len(got) != 2 || got[flat] != 2 || got[nested] != 3 {
		t.Fatalf("unexpected locations: %v", got)
	}
}

func TestRecordRecallAndFindServing(t *testing.T) {
	ctx := context.Background()
	st, pool := openTestStore(t, ctx)

	locationID := seedLocation(t, ctx, pool, `{}`)
	first := createCustomer(t, ctx, st, locationID, "A")
	second := createCustomer(t, ctx, st, locationID, "B")
	at := time.Now().UTC().Truncate(time.Millisecond)

	if ok, err := st.RecordRecall(ctx, first.CustomerID, at, time.Minute); err != nil || ok {
		t.Fatalf("waiting customer recalled: %v %v", ok, err)
	}
	for i, customer := range []models.Customer{second, first} {
		if _, err := st.ConditionalPromote(ctx, customer.CustomerID, models.WaitingStatuses, at.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("promote: %v", err)
		}
	}

	serving, err := st.FindServing(ctx, locationID)
	if err != nil {
		t.Fatalf("find serving: %v", err)
	}
	if len(serving) != 2 || serving[0].CustomerID != second.CustomerID {
		t.Fatalf("unexpected serving order: %+v", serving)
	}

	if ok, err := st.RecordRecall(ctx, first.CustomerID, at, time.Minute); err != nil || !ok {
		t.Fatalf("first recall: %v %v", ok, err)
	}
	if ok, err := st.RecordRecall(ctx, first.CustomerID, at.Add(30*time.Second), time.Minute); err != nil || ok {
		t.Fatalf("recall inside gap: %v %v", ok, err)
	}
	got, _, err := st.GetCustomer(ctx, first.CustomerID)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if got.RecallCount != 1 || got.LastRecallAt == nil || !got.LastRecallAt.Equal(at) {
		t.Fatalf("unexpected recall state: %d %v", got.RecallCount, got.LastRecallAt)
	}
}

type promoteResult struct {
	ok  bool
	err error
}

// openTestStore migrates a throwaway schema and drops it when the test ends.
func openTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("set TEST_DB_DSN to run postgres tests")
	}

	schema := fmt.Sprintf("walkin_test_%d", time.Now().UnixNano())
	if err := execOnce(ctx, dsn, `CREATE SCHEMA `+schema); err != nil {
		t.Fatalf("create schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		_ = execOnce(context.Background(), dsn, `DROP SCHEMA `+schema+` CASCADE`)
	})

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	poolCfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	scripts, err := filepath.Glob(filepath.Join("..", "..", "..", "migrations", "*.sql"))
	if err != nil || len(scripts) == 0 {
		t.Fatalf("no migrations found: %v", err)
	}
	sort.Strings(scripts)
	for _, script := range scripts {
		body, err := os.ReadFile(script)
		if err != nil {
			t.Fatalf("read %s: %v", script, err)
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			t.Fatalf("migrate %s: %v", filepath.Base(script), err)
		}
	}
	return NewStore(pool, Options{}), pool
}

func execOnce(ctx context.Context, dsn, sql string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}

func seedLocation(t *testing.T, ctx context.Context, pool *pgxpool.Pool, settings string) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(ctx, `INSERT INTO locations (location_id, name, settings) VALUES ($1, $2, $3::jsonb)`, id, "Front desk", settings)
	if err != nil {
		t.Fatalf("seed location: %v", err)
	}
	return id
}

func createCustomer(t *testing.T, ctx context.Context, st *Store, locationID, name string) models.Customer {
	t.Helper()
	customer, err := st.CreateCustomer(ctx, store.CreateCustomerInput{LocationID: locationID, Name: name, JoinedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	return customer
}
