package stores

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmoor/moor/pkg/entity"
)

// setupTestStore creates a file-backed SQLite store in a test temp dir
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "moor.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// testEntityRecord returns a minimal persisted row for the given identity
func testEntityRecord(namespace, name, entityType string, status entity.Status) *EntityRecord {
	now := time.Now()
	return &EntityRecord{
		Namespace:  namespace,
		Name:       name,
		Type:       entityType,
		Status:     status,
		Definition: `{"raw":{"size":"small"},"meta":{"version":"1.0.0","version_hash":"aaa"}}`,
		State:      `{"existing":false}`,
		Labels:     `{}`,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "moor.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"entities", "invocations", "events", "locks"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestEntityCRUD tests entity record CRUD operations
func TestEntityCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Create
	rec := testEntityRecord("infra", "main-db", "postgres.cluster", entity.StatusCreating)
	if err := store.UpsertEntity(ctx, rec); err != nil {
		t.Fatalf("failed to upsert entity: %v", err)
	}

	// Read
	retrieved, err := store.GetEntity(ctx, "infra", "main-db")
	if err != nil {
		t.Fatalf("failed to get entity: %v", err)
	}

	if retrieved.Type != rec.Type {
		t.Errorf("expected Type %s, got %s", rec.Type, retrieved.Type)
	}
	if retrieved.Status != entity.StatusCreating {
		t.Errorf("expected Status %s, got %s", entity.StatusCreating, retrieved.Status)
	}
	if retrieved.Definition != rec.Definition {
		t.Errorf("expected Definition %s, got %s", rec.Definition, retrieved.Definition)
	}

	// Upsert over the existing row
	rec.Status = entity.StatusReady
	rec.State = `{"existing":false,"definition_hash":"abc123"}`
	if err := store.UpsertEntity(ctx, rec); err != nil {
		t.Fatalf("failed to upsert entity (update): %v", err)
	}

	updated, err := store.GetEntity(ctx, "infra", "main-db")
	if err != nil {
		t.Fatalf("failed to get updated entity: %v", err)
	}

	if updated.Status != entity.StatusReady {
		t.Errorf("expected Status %s, got %s", entity.StatusReady, updated.Status)
	}
	if updated.State != rec.State {
		t.Errorf("expected State %s, got %s", rec.State, updated.State)
	}

	// Update status only
	if err := store.UpdateEntityStatus(ctx, "infra", "main-db", entity.StatusDeleting); err != nil {
		t.Fatalf("failed to update entity status: %v", err)
	}

	transitioned, err := store.GetEntity(ctx, "infra", "main-db")
	if err != nil {
		t.Fatalf("failed to get transitioned entity: %v", err)
	}

	if transitioned.Status != entity.StatusDeleting {
		t.Errorf("expected Status %s, got %s", entity.StatusDeleting, transitioned.Status)
	}

	// Status update on a missing row
	if err := store.UpdateEntityStatus(ctx, "infra", "no-such-db", entity.StatusReady); err == nil {
		t.Error("expected error when updating status of missing entity")
	}

	// List with filters
	other := testEntityRecord("mail", "relay", "mail.identity", entity.StatusReady)
	if err := store.UpsertEntity(ctx, other); err != nil {
		t.Fatalf("failed to upsert second entity: %v", err)
	}

	all, err := store.ListEntities(ctx, nil, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list entities: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 entities, got %d", len(all))
	}

	namespace := "mail"
	byNamespace, err := store.ListEntities(ctx, &namespace, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list entities by namespace: %v", err)
	}
	if len(byNamespace) != 1 || byNamespace[0].Name != "relay" {
		t.Errorf("expected only mail/relay, got %d entities", len(byNamespace))
	}

	entityType := "postgres.cluster"
	byType, err := store.ListEntities(ctx, nil, &entityType, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list entities by type: %v", err)
	}
	if len(byType) != 1 || byType[0].Name != "main-db" {
		t.Errorf("expected only infra/main-db, got %d entities", len(byType))
	}

	status := entity.StatusReady
	byStatus, err := store.ListEntities(ctx, nil, nil, &status, 10, 0)
	if err != nil {
		t.Fatalf("failed to list entities by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].Name != "relay" {
		t.Errorf("expected only the ready entity, got %d entities", len(byStatus))
	}

	// Delete
	if err := store.DeleteEntity(ctx, "infra", "main-db"); err != nil {
		t.Fatalf("failed to delete entity: %v", err)
	}

	_, err = store.GetEntity(ctx, "infra", "main-db")
	if err == nil {
		t.Error("expected error when getting deleted entity")
	}

	if err := store.DeleteEntity(ctx, "infra", "main-db"); err == nil {
		t.Error("expected error when deleting missing entity")
	}
}

// TestEntityRecordConversion tests the instance round trip through the
// persisted row form
func TestEntityRecordConversion(t *testing.T) {
	inst := &entity.Instance{
		Namespace: "infra",
		Name:      "main-db",
		Type:      "postgres.cluster",
		Definition: entity.Definition{
			Raw:    json.RawMessage(`{"size":"small"}`),
			Meta:   entity.Meta{Version: "1.0.0", VersionHash: "aaa"},
			Labels: map[string]string{"team": "platform"},
		},
		State: &entity.State{
			Existing:       true,
			DefinitionHash: "abc123",
			Provider:       json.RawMessage(`{"cluster_id":"c-42"}`),
		},
		Status: entity.StatusReady,
	}

	rec, err := NewEntityRecord(inst)
	if err != nil {
		t.Fatalf("failed to build entity record: %v", err)
	}

	if rec.Labels != `{"team":"platform"}` {
		t.Errorf("expected denormalized labels, got %s", rec.Labels)
	}

	restored, err := rec.Instance()
	if err != nil {
		t.Fatalf("failed to restore instance: %v", err)
	}

	if restored.Namespace != inst.Namespace || restored.Name != inst.Name || restored.Type != inst.Type {
		t.Errorf("identity mismatch: got %s/%s (%s)", restored.Namespace, restored.Name, restored.Type)
	}
	if restored.Status != entity.StatusReady {
		t.Errorf("expected Status %s, got %s", entity.StatusReady, restored.Status)
	}
	if string(restored.Definition.Raw) != `{"size":"small"}` {
		t.Errorf("expected raw definition to survive, got %s", restored.Definition.Raw)
	}
	if restored.Definition.Meta.Version != "1.0.0" {
		t.Errorf("expected Meta version 1.0.0, got %s", restored.Definition.Meta.Version)
	}
	if restored.Definition.Label("team") != "platform" {
		t.Errorf("expected team label to survive, got %q", restored.Definition.Label("team"))
	}
	if !restored.State.Existing {
		t.Error("expected Existing to survive")
	}
	if restored.State.DefinitionHash != "abc123" {
		t.Errorf("expected DefinitionHash abc123, got %s", restored.State.DefinitionHash)
	}
	if string(restored.State.Provider) != `{"cluster_id":"c-42"}` {
		t.Errorf("expected provider state to survive, got %s", restored.State.Provider)
	}
}

// TestInvocationCRUD tests invocation CRUD operations
func TestInvocationCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	rec := testEntityRecord("infra", "main-db", "postgres.cluster", entity.StatusCreating)
	if err := store.UpsertEntity(ctx, rec); err != nil {
		t.Fatalf("failed to upsert entity: %v", err)
	}

	// Create
	inv := &Invocation{
		ID:         "inv-001",
		Namespace:  "infra",
		Name:       "main-db",
		EntityType: "postgres.cluster",
		Verb:       entity.VerbCreate,
		Status:     InvocationStatusRunning,
		StartedAt:  now,
	}

	if err := store.CreateInvocation(ctx, inv); err != nil {
		t.Fatalf("failed to create invocation: %v", err)
	}

	// Read
	retrieved, err := store.GetInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("failed to get invocation: %v", err)
	}

	if retrieved.Verb != entity.VerbCreate {
		t.Errorf("expected Verb %s, got %s", entity.VerbCreate, retrieved.Verb)
	}
	if retrieved.Status != InvocationStatusRunning {
		t.Errorf("expected Status %s, got %s", InvocationStatusRunning, retrieved.Status)
	}
	if retrieved.Action != nil {
		t.Errorf("expected nil Action, got %v", retrieved.Action)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected CompletedAt to be unset")
	}

	// Complete
	errMsg := "provider rejected the request"
	if err := store.CompleteInvocation(ctx, inv.ID, InvocationStatusFailed, &errMsg); err != nil {
		t.Fatalf("failed to complete invocation: %v", err)
	}

	completed, err := store.GetInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("failed to get completed invocation: %v", err)
	}

	if completed.Status != InvocationStatusFailed {
		t.Errorf("expected Status %s, got %s", InvocationStatusFailed, completed.Status)
	}
	if completed.Error == nil || *completed.Error != errMsg {
		t.Errorf("expected Error %s, got %v", errMsg, completed.Error)
	}
	if completed.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	// Action dispatch carries the action name
	action := "rotate-password"
	dispatch := &Invocation{
		ID:         "inv-002",
		Namespace:  "infra",
		Name:       "main-db",
		EntityType: "postgres.cluster",
		Verb:       entity.VerbAction,
		Action:     &action,
		Status:     InvocationStatusRunning,
		StartedAt:  now.Add(1 * time.Second),
	}
	if err := store.CreateInvocation(ctx, dispatch); err != nil {
		t.Fatalf("failed to create action invocation: %v", err)
	}

	// List
	all, err := store.ListInvocations(ctx, nil, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list invocations: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 invocations, got %d", len(all))
	}

	verb := entity.VerbAction
	byVerb, err := store.ListInvocations(ctx, nil, nil, &verb, 10, 0)
	if err != nil {
		t.Fatalf("failed to list invocations by verb: %v", err)
	}
	if len(byVerb) != 1 {
		t.Fatalf("expected 1 action invocation, got %d", len(byVerb))
	}
	if byVerb[0].Action == nil || *byVerb[0].Action != action {
		t.Errorf("expected Action %s, got %v", action, byVerb[0].Action)
	}

	namespace := "infra"
	name := "main-db"
	byEntity, err := store.ListInvocations(ctx, &namespace, &name, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list invocations by entity: %v", err)
	}
	if len(byEntity) != 2 {
		t.Errorf("expected 2 invocations for infra/main-db, got %d", len(byEntity))
	}

	// Completing a missing invocation fails
	if err := store.CompleteInvocation(ctx, "inv-missing", InvocationStatusSucceeded, nil); err == nil {
		t.Error("expected error when completing missing invocation")
	}
}

// TestEventOperations tests lifecycle event operations
func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	// Create an entity and invocation first
	rec := testEntityRecord("infra", "main-db", "postgres.cluster", entity.StatusCreating)
	if err := store.UpsertEntity(ctx, rec); err != nil {
		t.Fatalf("failed to upsert entity: %v", err)
	}

	inv := &Invocation{
		ID:         "inv-010",
		Namespace:  "infra",
		Name:       "main-db",
		EntityType: "postgres.cluster",
		Verb:       entity.VerbCreate,
		Status:     InvocationStatusRunning,
		StartedAt:  now,
	}
	if err := store.CreateInvocation(ctx, inv); err != nil {
		t.Fatalf("failed to create invocation: %v", err)
	}

	// Append events
	events := []*EventRecord{
		NewEventRecord(entity.Event{
			Time:       now,
			Type:       entity.EventVerbStarted,
			Entity:     "infra/main-db",
			EntityType: "postgres.cluster",
			Verb:       entity.VerbCreate,
			Status:     entity.StatusCreating,
		}, &inv.ID),
		NewEventRecord(entity.Event{
			Time:       now.Add(1 * time.Second),
			Type:       entity.EventAdopted,
			Entity:     "infra/main-db",
			EntityType: "postgres.cluster",
			Verb:       entity.VerbCreate,
			Message:    "bound pre-existing resource",
		}, nil),
		NewEventRecord(entity.Event{
			Time:       now.Add(2 * time.Second),
			Type:       entity.EventVerbFailed,
			Entity:     "infra/main-db",
			EntityType: "postgres.cluster",
			Verb:       entity.VerbCreate,
			Status:     entity.StatusFailed,
			Error:      "provider unavailable",
		}, nil),
	}

	for _, ev := range events {
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if ev.ID == 0 {
			t.Error("expected event ID to be set after insert")
		}
	}

	// Get all events for the entity, newest first
	ref := "infra/main-db"
	retrieved, err := store.GetEvents(ctx, &ref, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}

	if len(retrieved) != 3 {
		t.Fatalf("expected 3 events, got %d", len(retrieved))
	}
	if retrieved[0].Type != entity.EventVerbFailed {
		t.Errorf("expected newest event first, got %s", retrieved[0].Type)
	}
	if retrieved[0].Error == nil || *retrieved[0].Error != "provider unavailable" {
		t.Errorf("expected failure text to survive, got %v", retrieved[0].Error)
	}
	if retrieved[0].Verb == nil || *retrieved[0].Verb != "create" {
		t.Errorf("expected verb to survive, got %v", retrieved[0].Verb)
	}

	// Filter by type
	eventType := entity.EventAdopted
	filtered, err := store.GetEvents(ctx, nil, nil, &eventType, 10, 0)
	if err != nil {
		t.Fatalf("failed to get filtered events: %v", err)
	}

	if len(filtered) != 1 {
		t.Fatalf("expected 1 adopted event, got %d", len(filtered))
	}
	if filtered[0].Message != "bound pre-existing resource" {
		t.Errorf("expected adoption message, got %s", filtered[0].Message)
	}

	// Filter by invocation
	byInvocation, err := store.GetEvents(ctx, nil, &inv.ID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events by invocation: %v", err)
	}

	if len(byInvocation) != 1 {
		t.Errorf("expected 1 event for the invocation, got %d", len(byInvocation))
	}
}

// TestPruneEvents tests retention pruning of the event log
func TestPruneEvents(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	old := NewEventRecord(entity.Event{
		Time:       now.Add(-2 * time.Hour),
		Type:       entity.EventVerbSucceeded,
		Entity:     "infra/old-db",
		EntityType: "postgres.cluster",
		Verb:       entity.VerbDelete,
	}, nil)
	recent := NewEventRecord(entity.Event{
		Time:       now,
		Type:       entity.EventVerbStarted,
		Entity:     "infra/new-db",
		EntityType: "postgres.cluster",
		Verb:       entity.VerbCreate,
	}, nil)

	if err := store.AppendEvent(ctx, old); err != nil {
		t.Fatalf("failed to append old event: %v", err)
	}
	if err := store.AppendEvent(ctx, recent); err != nil {
		t.Fatalf("failed to append recent event: %v", err)
	}

	pruned, err := store.PruneEvents(ctx, now.Add(-1*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune events: %v", err)
	}

	if pruned != 1 {
		t.Errorf("expected 1 pruned event, got %d", pruned)
	}

	remaining, err := store.GetEvents(ctx, nil, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get remaining events: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Entity != "infra/new-db" {
		t.Errorf("expected only the recent event to remain, got %d", len(remaining))
	}
}

// TestLockOperations tests lease acquisition, renewal, and expiry
func TestLockOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Acquire
	acquired, err := store.AcquireLock(ctx, "verb/infra/main-db", "runner-a", 0)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	if !acquired {
		t.Fatal("expected lock to be acquired")
	}

	// Renewal by the same holder succeeds
	renewed, err := store.AcquireLock(ctx, "verb/infra/main-db", "runner-a", 0)
	if err != nil {
		t.Fatalf("failed to renew lock: %v", err)
	}
	if !renewed {
		t.Error("expected lock renewal by the holder to succeed")
	}

	// A different holder is rejected while the lease is live
	stolen, err := store.AcquireLock(ctx, "verb/infra/main-db", "runner-b", 0)
	if err != nil {
		t.Fatalf("failed to attempt lock steal: %v", err)
	}
	if stolen {
		t.Error("expected acquisition by another holder to fail")
	}

	lock, err := store.GetLock(ctx, "verb/infra/main-db")
	if err != nil {
		t.Fatalf("failed to get lock: %v", err)
	}
	if lock.Holder != "runner-a" {
		t.Errorf("expected holder runner-a, got %s", lock.Holder)
	}
	if lock.ExpiresAt != nil {
		t.Errorf("expected no expiry, got %v", lock.ExpiresAt)
	}

	// Release by the wrong holder fails
	if err := store.ReleaseLock(ctx, "verb/infra/main-db", "runner-b"); err == nil {
		t.Error("expected error when releasing a lock held by another holder")
	}

	// Release by the holder
	if err := store.ReleaseLock(ctx, "verb/infra/main-db", "runner-a"); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}

	// A released lock is free for anyone
	reacquired, err := store.AcquireLock(ctx, "verb/infra/main-db", "runner-b", 1*time.Hour)
	if err != nil {
		t.Fatalf("failed to acquire released lock: %v", err)
	}
	if !reacquired {
		t.Fatal("expected released lock to be acquirable")
	}

	leased, err := store.GetLock(ctx, "verb/infra/main-db")
	if err != nil {
		t.Fatalf("failed to get leased lock: %v", err)
	}
	if leased.ExpiresAt == nil {
		t.Error("expected expiry to be set for a TTL lease")
	}

	// Force the lease into the past
	_, err = store.db.ExecContext(ctx, "UPDATE locks SET expires_at = datetime('now', '-1 hour') WHERE name = ?", "verb/infra/main-db")
	if err != nil {
		t.Fatalf("failed to expire lock: %v", err)
	}

	// An expired lease is invisible
	_, err = store.GetLock(ctx, "verb/infra/main-db")
	if err == nil {
		t.Error("expected error when getting expired lock")
	}

	// And can be taken over
	taken, err := store.AcquireLock(ctx, "verb/infra/main-db", "runner-c", 0)
	if err != nil {
		t.Fatalf("failed to take over expired lock: %v", err)
	}
	if !taken {
		t.Error("expected expired lock to be acquirable by another holder")
	}
}

// TestDeleteExpiredLocks tests lease cleanup
func TestDeleteExpiredLocks(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if _, err := store.AcquireLock(ctx, "stale-lease", "runner-x", 1*time.Hour); err != nil {
		t.Fatalf("failed to acquire stale lease: %v", err)
	}
	if _, err := store.AcquireLock(ctx, "live-lease", "runner-y", 1*time.Hour); err != nil {
		t.Fatalf("failed to acquire live lease: %v", err)
	}

	_, err := store.db.ExecContext(ctx, "UPDATE locks SET expires_at = datetime('now', '-1 hour') WHERE name = ?", "stale-lease")
	if err != nil {
		t.Fatalf("failed to expire stale lease: %v", err)
	}

	deleted, err := store.DeleteExpiredLocks(ctx)
	if err != nil {
		t.Fatalf("failed to delete expired locks: %v", err)
	}

	if deleted != 1 {
		t.Errorf("expected 1 expired lock deleted, got %d", deleted)
	}

	var count int
	err = store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM locks WHERE name = ?", "stale-lease").Scan(&count)
	if err != nil {
		t.Fatalf("failed to count stale lease: %v", err)
	}
	if count != 0 {
		t.Error("expected stale lease to be deleted, but it still exists")
	}

	if _, err := store.GetLock(ctx, "live-lease"); err != nil {
		t.Errorf("expected live lease to survive cleanup: %v", err)
	}
}

// TestTransactions tests transaction support
func TestTransactions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	// Begin transaction
	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}

	query := `
		INSERT INTO entities (namespace, name, type, status, definition, state, labels, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query, "infra", "tx-db", "postgres.cluster", entity.StatusReady, `{}`, `{}`, `{}`, now, now)
	if err != nil {
		store.RollbackTx(tx)
		t.Fatalf("failed to insert entity in transaction: %v", err)
	}

	// Rollback
	if err := store.RollbackTx(tx); err != nil {
		t.Fatalf("failed to rollback transaction: %v", err)
	}

	// Verify entity was not created
	_, err = store.GetEntity(ctx, "infra", "tx-db")
	if err == nil {
		t.Error("expected error when getting rolled back entity")
	}

	// Begin new transaction and commit
	tx, err = store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin second transaction: %v", err)
	}

	_, err = tx.ExecContext(ctx, query, "infra", "tx-db", "postgres.cluster", entity.StatusReady, `{}`, `{}`, `{}`, now, now)
	if err != nil {
		store.RollbackTx(tx)
		t.Fatalf("failed to insert entity in second transaction: %v", err)
	}

	if err := store.CommitTx(tx); err != nil {
		t.Fatalf("failed to commit transaction: %v", err)
	}

	// Verify entity was created
	retrieved, err := store.GetEntity(ctx, "infra", "tx-db")
	if err != nil {
		t.Fatalf("failed to get committed entity: %v", err)
	}

	if retrieved.Name != "tx-db" {
		t.Errorf("expected Name tx-db, got %s", retrieved.Name)
	}
}

// TestInvocationBeforeEntity tests that an invocation row can precede
// the entity record it names. A create verb journals its invocation
// before the first upsert lands.
func TestInvocationBeforeEntity(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	inv := &Invocation{
		ID:         "inv-first-001",
		Namespace:  "infra",
		Name:       "new-db",
		EntityType: "postgres.cluster",
		Verb:       entity.VerbCreate,
		Status:     InvocationStatusRunning,
		StartedAt:  time.Now(),
	}
	if err := store.CreateInvocation(ctx, inv); err != nil {
		t.Fatalf("failed to create invocation before entity: %v", err)
	}

	rec := testEntityRecord("infra", "new-db", "postgres.cluster", entity.StatusReady)
	if err := store.UpsertEntity(ctx, rec); err != nil {
		t.Fatalf("failed to upsert entity: %v", err)
	}

	retrieved, err := store.GetInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("failed to get invocation: %v", err)
	}
	if retrieved.Name != "new-db" {
		t.Errorf("expected Name new-db, got %s", retrieved.Name)
	}
}

// TestHistorySurvivesDelete tests that deleting an entity leaves its
// invocation history and journaled events readable
func TestHistorySurvivesDelete(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	rec := testEntityRecord("infra", "audit-db", "postgres.cluster", entity.StatusReady)
	if err := store.UpsertEntity(ctx, rec); err != nil {
		t.Fatalf("failed to upsert entity: %v", err)
	}

	inv := &Invocation{
		ID:         "inv-audit-001",
		Namespace:  "infra",
		Name:       "audit-db",
		EntityType: "postgres.cluster",
		Verb:       entity.VerbDelete,
		Status:     InvocationStatusSucceeded,
		StartedAt:  now,
	}
	if err := store.CreateInvocation(ctx, inv); err != nil {
		t.Fatalf("failed to create invocation: %v", err)
	}

	ev := NewEventRecord(entity.Event{
		Time:       now,
		Type:       entity.EventVerbSucceeded,
		Entity:     "infra/audit-db",
		EntityType: "postgres.cluster",
		Verb:       entity.VerbDelete,
	}, &inv.ID)
	if err := store.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	if err := store.DeleteEntity(ctx, "infra", "audit-db"); err != nil {
		t.Fatalf("failed to delete entity: %v", err)
	}

	// The record is gone but the audit trail of its deletion is not.
	if _, err := store.GetEntity(ctx, "infra", "audit-db"); err == nil {
		t.Error("expected error when getting deleted entity")
	}

	retrieved, err := store.GetInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("expected invocation to survive entity delete: %v", err)
	}
	if retrieved.Verb != entity.VerbDelete {
		t.Errorf("expected Verb delete, got %s", retrieved.Verb)
	}

	ref := "infra/audit-db"
	events, err := store.GetEvents(ctx, &ref, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 event to survive entity delete, got %d", len(events))
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	// Run tests
	code := m.Run()

	// Exit
	os.Exit(code)
}
