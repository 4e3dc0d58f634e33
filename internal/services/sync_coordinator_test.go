package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"cashbook/internal/core"
	applog "cashbook/internal/log"
	"cashbook/internal/replica/memory"
)

const testUser = "u1"

var testKey = UserDocumentKey(testUser)

func testConfig() SyncCoordinatorConfig {
	cfg := DefaultSyncCoordinatorConfig()
	cfg.Debounce = 50 * time.Millisecond
	cfg.InitialBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	return cfg
}

func startCoordinator(t *testing.T, store *memory.Store, pub ChangePublisher, cfg SyncCoordinatorConfig) *SyncCoordinator {
	t.Helper()
	c := NewSyncCoordinator(store, pub, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}

func signIn(t *testing.T, c *SyncCoordinator, user string) {
	t.Helper()
	if err := c.SignIn(context.Background(), user); err != nil {
		t.Fatalf("sign in: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, c *SyncCoordinator, want State) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return c.Status().State == want })
}

func seeded() core.Document {
	doc := core.DefaultDocument()
	doc.Entries = append(doc.Entries, core.Entry{
		ID: "e1", Type: core.Income, Amount: core.AmountFromInt(1000),
		Category: "Basic Salary", Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
	})
	return doc
}

func expense(id string, amount int64, category string) core.Entry {
	return core.Entry{
		ID: id, Type: core.Expense, Amount: core.AmountFromInt(amount),
		Category: category, Timestamp: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

func remoteDoc(t *testing.T, store *memory.Store) core.Document {
	t.Helper()
	snap, err := store.Get(context.Background(), testKey)
	if err != nil {
		t.Fatalf("get remote: %v", err)
	}
	if !snap.Exists {
		t.Fatalf("remote document does not exist")
	}
	return snap.Document
}

func localDoc(t *testing.T, c *SyncCoordinator) core.Document {
	t.Helper()
	doc, err := c.Document(context.Background())
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	return doc
}

// recorder collects events from Watch.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(t *testing.T, c *SyncCoordinator) *recorder {
	t.Helper()
	ch, cancel := c.Watch()
	t.Cleanup(cancel)
	r := &recorder{}
	go func() {
		for ev := range ch {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) has(match func(Event) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if match(ev) {
			return true
		}
	}
	return false
}

// gatedStore blocks every Write until the test releases it.
type gatedStore struct {
	*memory.Store
	gate chan struct{}
}

func (g *gatedStore) Write(ctx context.Context, key string, doc core.Document, origin string) (int64, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return g.Store.Write(ctx, key, doc, origin)
}

func (g *gatedStore) release(t *testing.T) {
	t.Helper()
	select {
	case g.gate <- struct{}{}:
	case <-time.After(3 * time.Second):
		t.Fatalf("no write waiting at the gate")
	}
}

type fakePublisher struct {
	mu      sync.Mutex
	changes []LedgerChanged
}

func (p *fakePublisher) PublishLedgerChanged(_ context.Context, change LedgerChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.changes)
}

func TestDefaultSyncCoordinatorConfig(t *testing.T) {
	cfg := DefaultSyncCoordinatorConfig()
	if cfg.Debounce != 500*time.Millisecond {
		t.Errorf("expected Debounce 500ms, got %v", cfg.Debounce)
	}
	if cfg.InitialBackoff != time.Second {
		t.Errorf("expected InitialBackoff 1s, got %v", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff != 30*time.Second {
		t.Errorf("expected MaxBackoff 30s, got %v", cfg.MaxBackoff)
	}
	if got := cfg.KeyFor("abc"); got != "users/abc" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestSyncCoordinator_Lifecycle(t *testing.T) {
	c := NewSyncCoordinator(memory.New(), nil, testConfig())
	if c.IsRunning() {
		t.Fatal("coordinator should not be running initially")
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stopping a stopped coordinator should be a no-op: %v", err)
	}
	if err := c.SignIn(context.Background(), testUser); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if !c.IsRunning() {
		t.Fatal("coordinator should be running")
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if c.IsRunning() {
		t.Fatal("coordinator should be stopped")
	}
}

func TestNotSignedInRejectsMutations(t *testing.T) {
	c := startCoordinator(t, memory.New(), nil, testConfig())
	if c.Status().State != StateUnauthenticated {
		t.Fatalf("unexpected initial state %s", c.Status().State)
	}
	if err := c.AddCategory(context.Background(), core.Expense, "Rent"); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("expected ErrNotSignedIn, got %v", err)
	}
	if err := c.Flush(context.Background()); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("expected ErrNotSignedIn from flush, got %v", err)
	}
	if err := c.SignIn(context.Background(), "  "); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error for empty user, got %v", err)
	}
}

func TestBootstrapExistingDocument(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")

	c := startCoordinator(t, store, nil, testConfig())
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	doc := localDoc(t, c)
	if len(doc.Entries) != 1 || doc.Entries[0].ID != "e1" {
		t.Fatalf("local state not replaced by remote: %+v", doc.Entries)
	}
	if store.Writes() != 0 {
		t.Fatalf("bootstrap of an existing document must not write, got %d writes", store.Writes())
	}
	if st := c.Status(); st.UserID != testUser || st.Revision != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestBootstrapMalformedDocumentIsNormalized(t *testing.T) {
	store := memory.New()
	store.Put(testKey, core.Document{Entries: seeded().Entries}, "other-device")

	c := startCoordinator(t, store, nil, testConfig())
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	doc := localDoc(t, c)
	if len(doc.ExpenseCategories) != 5 || len(doc.IncomeTypes) != 3 || doc.Settings.CurrencySymbol != core.DefaultCurrencySymbol {
		t.Fatalf("missing fields were not defaulted: %+v", doc)
	}
}

func TestBootstrapAbsentDocumentWritesDefaults(t *testing.T) {
	store := memory.New()
	c := startCoordinator(t, store, nil, testConfig())
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	if store.Writes() != 1 {
		t.Fatalf("expected exactly one bootstrap write, got %d", store.Writes())
	}
	doc := remoteDoc(t, store)
	if len(doc.ExpenseCategories) != 5 || len(doc.Entries) != 0 {
		t.Fatalf("remote should hold the default document, got %+v", doc)
	}
}

func TestDebounceCoalescesBurst(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	cfg := testConfig()
	cfg.Debounce = 300 * time.Millisecond

	c := startCoordinator(t, store, nil, cfg)
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	ctx := context.Background()
	mutations := []func() error{
		func() error { return c.AddCategory(ctx, core.Expense, "Rent") },
		func() error { return c.UpsertEntry(ctx, expense("e2", 200, "Food")) },
		func() error { return c.RenameCategory(ctx, core.Expense, "Food", "Groceries") },
		func() error { return c.AddIncomeType(ctx, "Bonus") },
		func() error {
			sym := "$"
			return c.UpdateSettings(ctx, core.SettingsPatch{CurrencySymbol: &sym})
		},
	}
	for _, m := range mutations {
		if err := m(); err != nil {
			t.Fatalf("mutation: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st := c.Status().State; st != StateDirty {
		t.Fatalf("expected dirty after mutations, got %s", st)
	}
	if store.Writes() != 0 {
		t.Fatalf("write issued before the debounce elapsed")
	}

	waitFor(t, "synced after one write", func() bool {
		return c.Status().State == StateSynced && store.Writes() == 1
	})
	time.Sleep(2 * cfg.Debounce)
	if store.Writes() != 1 {
		t.Fatalf("expected exactly one write, got %d", store.Writes())
	}

	doc := remoteDoc(t, store)
	if !doc.HasLabel(core.Expense, "Rent") || !doc.HasLabel(core.Expense, "Groceries") ||
		!doc.HasLabel(core.Income, "Bonus") || doc.Settings.CurrencySymbol != "$" {
		t.Fatalf("remote write lacks cumulative changes: %+v", doc)
	}
	if len(doc.Entries) != 2 || doc.Entries[1].Category != "Groceries" {
		t.Fatalf("unexpected remote entries %+v", doc.Entries)
	}
}

func TestRejectedMutationChangesNothing(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	c := startCoordinator(t, store, nil, testConfig())
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	ctx := context.Background()
	if err := c.AddCategory(ctx, core.Expense, "Food"); !errors.Is(err, core.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := c.DeleteCategory(ctx, core.Income, "Basic Salary"); !errors.Is(err, core.ErrReferentialIntegrity) {
		t.Fatalf("expected referential integrity error, got %v", err)
	}
	if err := c.UpsertEntry(ctx, expense("e2", 0, "Food")); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if st := c.Status(); st.State != StateSynced || st.Pending != 0 {
		t.Fatalf("rejected mutations changed state: %+v", st)
	}
	time.Sleep(2 * testConfig().Debounce)
	if store.Writes() != 0 {
		t.Fatalf("rejected mutations caused %d writes", store.Writes())
	}
}

func TestWriteFailureKeepsLocalStateAndDoesNotRetry(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	c := startCoordinator(t, store, nil, testConfig())
	events := record(t, c)
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	store.FailWrites(memory.ErrInjected)
	ctx := context.Background()
	if err := c.UpsertEntry(ctx, expense("e2", 200, "Food")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	waitFor(t, "write failure", func() bool {
		st := c.Status()
		return st.State == StateDirty && st.LastError != "" && store.Writes() == 1
	})
	waitFor(t, "sync error event", func() bool {
		return events.has(func(ev Event) bool {
			return ev.Type == EventSyncError && errors.Is(ev.Err, core.ErrSyncWrite)
		})
	})
	if _, ok := findEntry(localDoc(t, c), "e2"); !ok {
		t.Fatalf("local state was rolled back after a failed write")
	}

	time.Sleep(4 * testConfig().Debounce)
	if store.Writes() != 1 {
		t.Fatalf("failed write was retried automatically: %d writes", store.Writes())
	}

	store.FailWrites(nil)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if _, ok := findEntry(remoteDoc(t, store), "e2"); !ok {
		t.Fatalf("remote missing entry after flush")
	}
	if st := c.Status(); st.State != StateSynced || st.LastError != "" {
		t.Fatalf("unexpected status after recovery %+v", st)
	}
}

func TestFlushReportsWriteError(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	cfg := testConfig()
	cfg.Debounce = time.Hour
	c := startCoordinator(t, store, nil, cfg)
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	ctx := context.Background()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush while synced: %v", err)
	}
	store.FailWrites(memory.ErrInjected)
	if err := c.DeleteEntry(ctx, "e1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err := c.Flush(ctx)
	if !errors.Is(err, core.ErrSyncWrite) || !errors.Is(err, memory.ErrInjected) {
		t.Fatalf("expected sync write error, got %v", err)
	}
}

func TestFlushSkipsDebounce(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	cfg := testConfig()
	cfg.Debounce = time.Hour
	pub := &fakePublisher{}
	c := startCoordinator(t, store, pub, cfg)
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry, err := c.AddEntry(ctx, core.Entry{Type: core.Expense, Amount: core.AmountFromInt(5), Category: "Bills"})
	if err != nil {
		t.Fatalf("add entry: %v", err)
	}
	if !strings.HasPrefix(entry.ID, "entry-") || entry.Timestamp != 0 {
		t.Fatalf("only the id should be generated: %+v", entry)
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.Writes() != 1 {
		t.Fatalf("expected one write, got %d", store.Writes())
	}
	if _, ok := findEntry(remoteDoc(t, store), entry.ID); !ok {
		t.Fatalf("flushed entry missing remotely")
	}
	if c.Status().State != StateSynced {
		t.Fatalf("expected synced after flush, got %s", c.Status().State)
	}
	waitFor(t, "change published", func() bool { return pub.count() == 1 })
	if got := pub.changes[0]; got.Key != testKey || got.Revision != 2 || got.Origin != c.Origin() || got.UserID != testUser {
		t.Fatalf("unexpected published change %+v", got)
	}
}

func TestMutationDuringWriteIsWrittenAfterIt(t *testing.T) {
	mem := memory.New()
	mem.Put(testKey, seeded(), "other-device")
	store := &gatedStore{Store: mem, gate: make(chan struct{})}

	cfg := testConfig()
	c := NewSyncCoordinator(store, nil, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	ctx := context.Background()
	if err := c.AddCategory(ctx, core.Expense, "Rent"); err != nil {
		t.Fatalf("first mutation: %v", err)
	}
	waitState(t, c, StateWriting)
	if err := c.AddCategory(ctx, core.Expense, "Travel"); err != nil {
		t.Fatalf("second mutation: %v", err)
	}
	// Let the debounce of the second mutation fire while the first write is blocked.
	time.Sleep(2 * cfg.Debounce)
	if c.Status().State != StateWriting {
		t.Fatalf("a second write must not start while one is in flight")
	}

	store.release(t)
	store.release(t)
	waitFor(t, "both writes confirmed", func() bool {
		return c.Status().State == StateSynced && mem.Writes() == 2
	})
	doc := remoteDoc(t, mem)
	if !doc.HasLabel(core.Expense, "Rent") || !doc.HasLabel(core.Expense, "Travel") {
		t.Fatalf("remote lost a change: %v", doc.ExpenseCategories)
	}
}

func TestRemoteSnapshotReplacesLocalWhenSynced(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	c := startCoordinator(t, store, nil, testConfig())
	events := record(t, c)
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	updated := seeded()
	updated.Settings.CurrencySymbol = "€"
	store.Put(testKey, updated, "other-device")

	waitFor(t, "remote change applied", func() bool {
		return localDoc(t, c).Settings.CurrencySymbol == "€"
	})
	if c.Status().State != StateSynced {
		t.Fatalf("remote push must keep the session synced, got %s", c.Status().State)
	}
	waitFor(t, "remote document event", func() bool {
		return events.has(func(ev Event) bool {
			return ev.Type == EventDocumentChanged && ev.Reason == ReasonRemote && ev.Revision == 2
		})
	})
	if store.Writes() != 0 {
		t.Fatalf("applying a remote change must not write back")
	}
}

func TestPendingMutationsReplayedOnRemoteSnapshot(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	cfg := testConfig()
	cfg.Debounce = time.Hour
	c := startCoordinator(t, store, nil, cfg)
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	ctx := context.Background()
	if err := c.AddCategory(ctx, core.Expense, "Rent"); err != nil {
		t.Fatalf("add category: %v", err)
	}

	remote := seeded()
	remote.Entries = append(remote.Entries, expense("e9", 70, "Bills"))
	store.Put(testKey, remote, "other-device")

	waitFor(t, "remote entry merged", func() bool {
		_, ok := findEntry(localDoc(t, c), "e9")
		return ok
	})
	doc := localDoc(t, c)
	if !doc.HasLabel(core.Expense, "Rent") {
		t.Fatalf("pending local change was clobbered by the remote snapshot")
	}
	if st := c.Status(); st.State != StateDirty || st.Pending != 1 {
		t.Fatalf("expected dirty with one pending change, got %+v", st)
	}

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	doc = remoteDoc(t, store)
	if _, ok := findEntry(doc, "e9"); !ok || !doc.HasLabel(core.Expense, "Rent") {
		t.Fatalf("remote should hold both changes: %+v", doc)
	}
}

func TestConflictingPendingMutationIsDropped(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	cfg := testConfig()
	cfg.Debounce = time.Hour
	c := startCoordinator(t, store, nil, cfg)
	events := record(t, c)
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	if err := c.AddCategory(context.Background(), core.Expense, "Rent"); err != nil {
		t.Fatalf("add category: %v", err)
	}
	remote := seeded()
	remote.ExpenseCategories = append(remote.ExpenseCategories, "Rent")
	store.Put(testKey, remote, "other-device")

	waitState(t, c, StateSynced)
	waitFor(t, "discard signalled", func() bool {
		return events.has(func(ev Event) bool {
			return ev.Type == EventSyncError && errors.Is(ev.Err, core.ErrDuplicate)
		})
	})
	if st := c.Status(); st.Pending != 0 {
		t.Fatalf("dropped mutation still pending: %+v", st)
	}
}

func TestOfflineQueuesAndResubscribes(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	cfg := testConfig()
	cfg.InitialBackoff = 200 * time.Millisecond
	c := startCoordinator(t, store, nil, cfg)
	events := record(t, c)
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	store.DropSubscriptions(testKey, nil)
	waitState(t, c, StateOffline)
	waitFor(t, "subscription error event", func() bool {
		return events.has(func(ev Event) bool {
			return ev.Type == EventSyncError && errors.Is(ev.Err, core.ErrSyncSubscription)
		})
	})

	if err := c.UpsertEntry(context.Background(), expense("e2", 200, "Food")); err != nil {
		t.Fatalf("offline mutation must be accepted: %v", err)
	}
	if err := c.Flush(context.Background()); !errors.Is(err, core.ErrSyncSubscription) {
		t.Fatalf("flush while offline should report the subscription error, got %v", err)
	}
	if store.Writes() != 0 {
		t.Fatalf("no write may be issued while offline")
	}

	waitFor(t, "resynced with queued change", func() bool {
		return c.Status().State == StateSynced && store.Writes() >= 1
	})
	if _, ok := findEntry(remoteDoc(t, store), "e2"); !ok {
		t.Fatalf("change made offline never reached the remote")
	}
	if n := store.Subscribers(testKey); n != 1 {
		t.Fatalf("expected one live subscription after reconnect, got %d", n)
	}
}

func TestIdentityChangeSubscribesOnce(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	c := startCoordinator(t, store, nil, testConfig())
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	signIn(t, c, testUser)
	if n := store.Subscribers(testKey); n != 1 {
		t.Fatalf("signing in again must not resubscribe, got %d subscriptions", n)
	}

	signIn(t, c, "u2")
	waitState(t, c, StateSynced)
	waitFor(t, "old subscription released", func() bool { return store.Subscribers(testKey) == 0 })
	if n := store.Subscribers(UserDocumentKey("u2")); n != 1 {
		t.Fatalf("expected one subscription for u2, got %d", n)
	}
	if doc := localDoc(t, c); len(doc.Entries) != 0 {
		t.Fatalf("local state should reset on identity change, got %+v", doc.Entries)
	}

	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	waitFor(t, "u2 subscription released", func() bool { return store.Subscribers(UserDocumentKey("u2")) == 0 })
	if st := c.Status(); st.State != StateUnauthenticated || st.UserID != "" {
		t.Fatalf("unexpected status after sign out %+v", st)
	}
}

func TestImportAndReset(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	cfg := testConfig()
	cfg.Debounce = time.Hour
	c := startCoordinator(t, store, nil, cfg)
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)
	ctx := context.Background()

	before := localDoc(t, c)
	if _, err := c.Import(ctx, []byte(`{"entries":[]}`)); !errors.Is(err, core.ErrImportFormat) {
		t.Fatalf("expected import format error, got %v", err)
	}
	if got := localDoc(t, c); len(got.Entries) != len(before.Entries) || c.Status().State != StateSynced {
		t.Fatalf("failed import changed state")
	}

	backup := seeded()
	backup.Entries = append(backup.Entries, expense("e5", 12, "Other"))
	data, err := core.Export(backup)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := c.Import(ctx, data); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := remoteDoc(t, store); len(got.Entries) != 2 {
		t.Fatalf("import not written: %+v", got.Entries)
	}

	if err := c.ResetToDefaults(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := remoteDoc(t, store); len(got.Entries) != 0 || len(got.ExpenseCategories) != 5 {
		t.Fatalf("reset not written: %+v", got)
	}
}

func TestStopFlushesPendingWrite(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	cfg := testConfig()
	cfg.Debounce = time.Hour
	c := NewSyncCoordinator(store, nil, cfg)
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	if err := c.AddCategory(ctx, core.Expense, "Rent"); err != nil {
		t.Fatalf("add category: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !remoteDoc(t, store).HasLabel(core.Expense, "Rent") {
		t.Fatalf("pending change was not written on stop")
	}
	if _, err := c.Document(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}

func findEntry(doc core.Document, id string) (core.Entry, bool) {
	for _, e := range doc.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return core.Entry{}, false
}

func TestFlushWhileOfflineAfterLateWriteAck(t *testing.T) {
	mem := memory.New()
	mem.Put(testKey, seeded(), "other-device")
	store := &gatedStore{Store: mem, gate: make(chan struct{})}

	cfg := testConfig()
	cfg.InitialBackoff = time.Hour
	c := NewSyncCoordinator(store, nil, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	ctx := context.Background()
	if err := c.AddCategory(ctx, core.Expense, "Rent"); err != nil {
		t.Fatalf("add category: %v", err)
	}
	waitState(t, c, StateWriting)

	mem.DropSubscriptions(testKey, nil)
	waitState(t, c, StateOffline)

	// The write lands after the subscription is gone.
	store.release(t)
	waitFor(t, "write acknowledged", func() bool {
		return mem.Writes() == 1 && c.Status().Pending == 0
	})
	if st := c.Status(); st.State != StateOffline || st.LastError == "" {
		t.Fatalf("a late write ack must keep the offline error, got %+v", st)
	}

	if err := c.UpsertEntry(ctx, expense("e2", 200, "Food")); err != nil {
		t.Fatalf("offline mutation must be accepted: %v", err)
	}
	if err := c.Flush(ctx); !errors.Is(err, core.ErrSyncSubscription) {
		t.Fatalf("flush with queued offline changes must fail, got %v", err)
	}
	if st := c.Status(); st.Pending != 1 {
		t.Fatalf("expected the queued change to stay pending, got %+v", st)
	}
}

func TestRemoteSnapshotDuringWriteIsWrittenAfterIt(t *testing.T) {
	mem := memory.New()
	mem.Put(testKey, seeded(), "other-device")
	store := &gatedStore{Store: mem, gate: make(chan struct{})}

	c := NewSyncCoordinator(store, nil, testConfig())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	if err := c.AddCategory(context.Background(), core.Expense, "Rent"); err != nil {
		t.Fatalf("add category: %v", err)
	}
	waitState(t, c, StateWriting)

	remote := seeded()
	remote.Entries = append(remote.Entries, expense("e9", 70, "Bills"))
	mem.Put(testKey, remote, "other-device")

	waitFor(t, "remote entry merged", func() bool {
		_, ok := findEntry(localDoc(t, c), "e9")
		return ok
	})
	if !localDoc(t, c).HasLabel(core.Expense, "Rent") {
		t.Fatalf("change in flight was lost by the remote snapshot")
	}
	if c.Status().State != StateWriting {
		t.Fatalf("expected writing, got %s", c.Status().State)
	}

	// The first write predates the remote entry; a second one must follow.
	store.release(t)
	store.release(t)
	waitFor(t, "second write confirmed", func() bool {
		return c.Status().State == StateSynced && mem.Writes() == 2
	})
	doc := remoteDoc(t, mem)
	if _, ok := findEntry(doc, "e9"); !ok || !doc.HasLabel(core.Expense, "Rent") {
		t.Fatalf("remote should hold both changes: %+v", doc)
	}
	if _, ok := findEntry(localDoc(t, c), "e9"); !ok {
		t.Fatalf("echo of the first write dropped the remote entry locally")
	}
}

// blockingPublisher holds every notification until the gate is closed.
type blockingPublisher struct {
	fakePublisher
	started chan struct{}
	gate    chan struct{}
}

func (p *blockingPublisher) PublishLedgerChanged(ctx context.Context, change LedgerChanged) error {
	p.started <- struct{}{}
	select {
	case <-p.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.fakePublisher.PublishLedgerChanged(ctx, change)
}

func TestSlowPublisherDoesNotHoldWrite(t *testing.T) {
	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	pub := &blockingPublisher{started: make(chan struct{}, 4), gate: make(chan struct{})}
	c := startCoordinator(t, store, pub, testConfig())
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	if err := c.AddCategory(context.Background(), core.Expense, "Rent"); err != nil {
		t.Fatalf("add category: %v", err)
	}
	select {
	case <-pub.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("change was never published")
	}
	waitState(t, c, StateSynced)
	if pub.count() != 0 {
		t.Fatalf("publish should still be blocked")
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		stopped <- c.Stop(ctx)
	}()
	select {
	case err := <-stopped:
		t.Fatalf("stop returned before the notification was sent: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(pub.gate)
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("expected one published change, got %d", pub.count())
	}
}

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) find(msg string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range strings.Split(b.buf.String(), "\n") {
		var rec map[string]any
		if json.Unmarshal([]byte(line), &rec) == nil && rec["msg"] == msg {
			return rec
		}
	}
	return nil
}

func TestLogsCarryLedgerFields(t *testing.T) {
	out := &lockedBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	store := memory.New()
	store.Put(testKey, seeded(), "other-device")
	c := startCoordinator(t, store, nil, testConfig())
	signIn(t, c, testUser)
	waitState(t, c, StateSynced)

	rec := out.find("Ledger bootstrapped")
	if rec == nil {
		t.Fatalf("no bootstrap log record")
	}
	if rec[applog.FieldUserID] != testUser || rec[applog.FieldRevision] != float64(1) {
		t.Fatalf("bootstrap record lacks ledger fields: %v", rec)
	}
	if rec := out.find("Signed in"); rec == nil || rec[applog.FieldKey] != testKey {
		t.Fatalf("sign-in record lacks the document key: %v", rec)
	}
}
