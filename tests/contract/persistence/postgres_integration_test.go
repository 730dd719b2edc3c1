package persistence_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/tradestore/internal/domain/auditstore"
	"github.com/coachpo/tradestore/internal/domain/outboxstore"
	"github.com/coachpo/tradestore/internal/domain/schema"
	"github.com/coachpo/tradestore/internal/domain/tradestore"
	pgstore "github.com/coachpo/tradestore/internal/infra/persistence/postgres"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "tradestore"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/tradestore?sslmode=disable", host, port.Port())

	if err := applyMigrations(dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func applyMigrations(dsn string) error {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return fmt.Errorf("runtime caller lookup failed")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
	migrationsDir := filepath.Join(root, "db", "migrations")
	sourceURL := fmt.Sprintf("file://%s", migrationsDir)

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func TestPostgresTradeStoreUpsertAndQueries(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()

	store := pgstore.New(testPool)
	trades := store.Trades()

	tradeID := "T-" + uuid.NewString()
	maturity := tradestore.Date(time.Now().UTC().AddDate(0, 1, 0))

	created, err := trades.Put(ctx, tradestore.Trade{
		TradeID:        tradeID,
		Version:        1,
		CounterPartyID: "CP-1",
		BookID:         "B1",
		MaturityDate:   maturity,
		Status:         tradestore.StatusActive,
	})
	if err != nil {
		t.Fatalf("put trade: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated row id")
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be set")
	}

	replaced, err := trades.Put(ctx, tradestore.Trade{
		TradeID:        tradeID,
		Version:        2,
		CounterPartyID: "CP-2",
		BookID:         "B2",
		MaturityDate:   maturity.AddDate(0, 0, 7),
		Status:         tradestore.StatusActive,
	})
	if err != nil {
		t.Fatalf("replace trade: %v", err)
	}
	if replaced.ID != created.ID {
		t.Fatalf("upsert must preserve row id: got %s, want %s", replaced.ID, created.ID)
	}
	if !replaced.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("upsert must preserve created_at")
	}
	if replaced.Version != 2 || replaced.CounterPartyID != "CP-2" {
		t.Fatalf("unexpected replaced trade: %+v", replaced)
	}

	got, err := trades.Get(ctx, tradeID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if got.Version != 2 || got.BookID != "B2" {
		t.Fatalf("unexpected stored trade: %+v", got)
	}

	_, err = trades.Get(ctx, "T-missing-"+uuid.NewString())
	if err == nil {
		t.Fatalf("expected not-found error")
	}

	active, err := trades.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if !containsTrade(active, tradeID) {
		t.Fatalf("expected %s in active listing", tradeID)
	}

	expiryDate := tradestore.Date(time.Now().UTC())
	expired := got
	expired.Status = tradestore.StatusExpired
	expired.Expired = true
	expired.ExpiryDate = &expiryDate
	if _, err := trades.Put(ctx, expired); err != nil {
		t.Fatalf("expire trade: %v", err)
	}

	activeAfter, err := trades.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active after expiry: %v", err)
	}
	if containsTrade(activeAfter, tradeID) {
		t.Fatalf("expired trade must not appear in active listing")
	}

	all, err := trades.ListAll(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if !containsTrade(all, tradeID) {
		t.Fatalf("expected %s in full listing", tradeID)
	}
}

func TestPostgresAuditStoreAppendOrdering(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()

	store := pgstore.New(testPool)
	audit := store.Audit()

	tradeID := "T-" + uuid.NewString()
	maturity := tradestore.Date(time.Now().UTC().AddDate(0, 2, 0))
	trade := tradestore.Trade{
		TradeID:        tradeID,
		Version:        1,
		CounterPartyID: "CP-9",
		BookID:         "B9",
		MaturityDate:   maturity,
		Status:         tradestore.StatusActive,
	}

	base := time.Now().UTC()
	actions := []tradestore.Action{tradestore.ActionCreate, tradestore.ActionUpdate, tradestore.ActionExpire}
	for i, action := range actions {
		snapshot := trade
		if action != tradestore.ActionCreate {
			snapshot.Version = 2
		}
		if action == tradestore.ActionExpire {
			snapshot.Status = tradestore.StatusExpired
			snapshot.Expired = true
		}
		entry := auditstore.Snapshot(snapshot, action, "", base.Add(time.Duration(i)*time.Second))
		if err := audit.Append(ctx, entry); err != nil {
			t.Fatalf("append %s entry: %v", action, err)
		}
	}

	entries, err := audit.ListByTradeID(ctx, tradeID)
	if err != nil {
		t.Fatalf("list audit trail: %v", err)
	}
	if len(entries) != len(actions) {
		t.Fatalf("expected %d entries, got %d", len(actions), len(entries))
	}
	for i, entry := range entries {
		if entry.Action != actions[i] {
			t.Fatalf("entry %d: expected action %s, got %s", i, actions[i], entry.Action)
		}
		if entry.ID == 0 {
			t.Fatalf("entry %d: expected assigned id", i)
		}
		if i > 0 && entries[i].ID <= entries[i-1].ID {
			t.Fatalf("audit ids must be strictly increasing")
		}
	}
}

func TestPostgresOutboxLifecycle(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()

	store := pgstore.New(testPool)
	outbox := store.Outbox()

	tradeID := "T-" + uuid.NewString()
	payload, err := json.Marshal(schema.TradePayload{
		TradeID:        tradeID,
		Version:        1,
		CounterPartyID: "CP-1",
		BookID:         "B1",
		MaturityDate:   time.Now().UTC().AddDate(0, 1, 0).Format(time.DateOnly),
		Status:         string(tradestore.StatusActive),
		Action:         string(tradestore.ActionCreate),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	record, err := outbox.Enqueue(ctx, outboxstore.Event{
		Key:     tradeID,
		Channel: string(schema.EventTypeTradeCreated),
		Payload: payload,
		Headers: map[string]any{
			"source": "integration-test",
		},
		AvailableAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("enqueue event: %v", err)
	}
	if record.ID == 0 {
		t.Fatalf("expected event id to be set")
	}

	pending := waitForPending(t, ctx, outbox, 10, 1)
	found := false
	for _, row := range pending {
		if row.Key == tradeID {
			found = true
			if row.Channel != string(schema.EventTypeTradeCreated) {
				t.Fatalf("unexpected channel %s", row.Channel)
			}
		}
	}
	if !found {
		t.Fatalf("expected enqueued event in pending listing")
	}

	if err := outbox.MarkFailed(ctx, record.ID, "broker unavailable"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := outbox.MarkDelivered(ctx, record.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	pendingAfter, err := outbox.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending after delivery: %v", err)
	}
	for _, row := range pendingAfter {
		if row.ID == record.ID {
			t.Fatalf("delivered event must leave the pending set")
		}
	}

	pruned, err := outbox.DeleteDelivered(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("delete delivered: %v", err)
	}
	if pruned < 1 {
		t.Fatalf("expected at least one pruned row, got %d", pruned)
	}
}

func containsTrade(trades []tradestore.Trade, tradeID string) bool {
	for _, trade := range trades {
		if trade.TradeID == tradeID {
			return true
		}
	}
	return false
}

func waitForPending(t *testing.T, ctx context.Context, store outboxstore.Store, limit int, expected int) []outboxstore.EventRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := store.ListPending(ctx, limit)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		if len(rows) >= expected {
			return rows
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pending events, got %d", expected, len(rows))
		}
		time.Sleep(50 * time.Millisecond)
	}
}
