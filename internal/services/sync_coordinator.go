package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cashbook/internal/core"
	"cashbook/internal/ledger"
	applog "cashbook/internal/log"
	"cashbook/internal/replica"
)

// State is the connectivity state of a sync session.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateBootstrapping   State = "bootstrapping"
	StateSynced          State = "synced"
	StateDirty           State = "dirty"
	StateWriting         State = "writing"
	StateOffline         State = "offline"
)

// drainTimeout bounds the final flush when the start context is cancelled.
const drainTimeout = 5 * time.Second

// publishTimeout bounds one change notification.
const publishTimeout = 10 * time.Second

var (
	ErrAlreadyRunning     = errors.New("sync coordinator is already running")
	ErrNotRunning         = errors.New("sync coordinator is not running")
	ErrNotSignedIn        = errors.New("not signed in")
	ErrIdentityChanged    = errors.New("identity changed before the document was saved")
	ErrSubscriptionClosed = errors.New("subscription closed by the store")
)

// Status is a point-in-time view of the session.
type Status struct {
	State        State     `json:"state"`
	UserID       string    `json:"user_id,omitempty"`
	Revision     int64     `json:"revision"`
	Pending      int       `json:"pending"`
	LastError    string    `json:"last_error,omitempty"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// LedgerChanged describes a confirmed write.
type LedgerChanged struct {
	Key      string
	UserID   string
	Revision int64
	Origin   string
	At       time.Time
}

// ChangePublisher is told about every confirmed write.
type ChangePublisher interface {
	PublishLedgerChanged(ctx context.Context, change LedgerChanged) error
}

// SyncCoordinatorConfig holds configuration for the sync coordinator
type SyncCoordinatorConfig struct {
	// Debounce is the quiet period after the last mutation before a write (default: 500ms)
	Debounce time.Duration

	// InitialBackoff is the first resubscribe delay after a subscription error (default: 1s)
	InitialBackoff time.Duration

	// MaxBackoff caps the doubling resubscribe delay (default: 30s)
	MaxBackoff time.Duration

	// KeyFor maps a user id to the document key (default: "users/<id>")
	KeyFor func(userID string) string

	// Now is the clock used for generated entries (default: time.Now)
	Now func() time.Time
}

// DefaultSyncCoordinatorConfig returns sensible defaults
func DefaultSyncCoordinatorConfig() SyncCoordinatorConfig {
	return SyncCoordinatorConfig{
		Debounce:       500 * time.Millisecond,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		KeyFor:         UserDocumentKey,
		Now:            time.Now,
	}
}

// UserDocumentKey is the default document key for a user.
func UserDocumentKey(userID string) string {
	return "users/" + userID
}

// SyncCoordinator keeps one remote copy of a user's ledger consistent with
// the local copy. All state lives on a single event-loop goroutine; public
// methods post requests to it and wait for the answer.
type SyncCoordinator struct {
	store     replica.DocumentStore
	publisher ChangePublisher
	config    SyncCoordinatorConfig
	origin    string
	ids       *ledger.IDGenerator
	watchers  watchers

	requests chan func(*session)

	// publishing counts change notifications still being sent.
	publishing sync.WaitGroup

	statusMu sync.RWMutex
	status   Status

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopCtx context.Context
}

// NewSyncCoordinator creates a coordinator over store. publisher may be nil.
func NewSyncCoordinator(store replica.DocumentStore, publisher ChangePublisher, config SyncCoordinatorConfig) *SyncCoordinator {
	def := DefaultSyncCoordinatorConfig()
	if config.Debounce <= 0 {
		config.Debounce = def.Debounce
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = max(def.MaxBackoff, config.InitialBackoff)
	}
	if config.KeyFor == nil {
		config.KeyFor = def.KeyFor
	}
	if config.Now == nil {
		config.Now = def.Now
	}
	return &SyncCoordinator{
		store:     store,
		publisher: publisher,
		config:    config,
		origin:    uuid.NewString(),
		ids:       ledger.NewIDGenerator(config.Now),
		requests:  make(chan func(*session)),
		status:    Status{State: StateUnauthenticated},
	}
}

// Origin identifies this coordinator's writes in the replica.
func (c *SyncCoordinator) Origin() string { return c.origin }

// Start begins the event loop. Returns an error if already running.
func (c *SyncCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.stopCtx = nil
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	c.watchers.reopen()
	s := newSession(ctx, c)
	s.publishStatus()
	go c.run(ctx, s, stopCh, doneCh)

	slog.InfoContext(ctx, "Sync coordinator started",
		"origin", c.origin,
		"debounce", c.config.Debounce)
	return nil
}

// Stop flushes a pending write, stops the loop and waits for completion.
func (c *SyncCoordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	if c.stopCtx != nil {
		c.mu.Unlock()
		return nil
	}
	c.stopCtx = ctx
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
	case <-ctx.Done():
		slog.WarnContext(ctx, "Sync coordinator stop timed out")
		return ctx.Err()
	}

	published := make(chan struct{})
	go func() {
		c.publishing.Wait()
		close(published)
	}()
	select {
	case <-published:
		slog.InfoContext(ctx, "Sync coordinator stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Sync coordinator stopped before change notifications were sent")
		return ctx.Err()
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

// IsRunning returns whether the coordinator loop is running
func (c *SyncCoordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Status returns the latest status without waiting for the loop.
func (c *SyncCoordinator) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Watch subscribes to coordinator events. Events are delivered in order on
// a goroutine of their own; cancel releases the subscription. The channel
// is closed on cancel or when the coordinator stops.
func (c *SyncCoordinator) Watch() (<-chan Event, func()) {
	return c.watchers.add()
}

// SignIn establishes the identity whose document is synchronized. Signing
// in as the current user is a no-op; switching users discards unsaved
// local changes of the previous one.
func (c *SyncCoordinator) SignIn(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return core.NewError(core.KindValidation, "sign in", "user id is required", nil)
	}
	return c.call(ctx, func(s *session) {
		if s.userID == userID {
			return
		}
		s.teardown()
		s.userID = userID
		s.key = c.config.KeyFor(userID)
		slog.InfoContext(ctx, "Signed in", applog.FieldUserID, userID, applog.FieldKey, s.key)
		s.subscribe()
	})
}

// SignOut drops the identity and resets local state to defaults.
func (c *SyncCoordinator) SignOut(ctx context.Context) error {
	return c.call(ctx, func(s *session) {
		if s.state == StateUnauthenticated {
			return
		}
		slog.InfoContext(ctx, "Signed out", applog.FieldUserID, s.userID)
		s.teardown()
		s.userID, s.key = "", ""
		s.setState(StateUnauthenticated)
	})
}

// Document returns a copy of the local document.
func (c *SyncCoordinator) Document(ctx context.Context) (core.Document, error) {
	var doc core.Document
	err := c.call(ctx, func(s *session) { doc = s.ledger.Document() })
	return doc, err
}

// Flush writes pending changes now and waits until the document is
// confirmed or the write fails.
func (c *SyncCoordinator) Flush(ctx context.Context) error {
	var ch <-chan error
	if err := c.call(ctx, func(s *session) { ch = s.flush() }); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertEntry inserts or replaces an entry.
func (c *SyncCoordinator) UpsertEntry(ctx context.Context, e core.Entry) error {
	return c.mutate(ctx, ReasonLocal, false, func(s *ledger.Store) error { return s.UpsertEntry(e) })
}

// AddEntry stores a new entry, generating its id when empty.
func (c *SyncCoordinator) AddEntry(ctx context.Context, e core.Entry) (core.Entry, error) {
	if e.ID == "" {
		e.ID = c.ids.Next()
	}
	if err := c.UpsertEntry(ctx, e); err != nil {
		return core.Entry{}, err
	}
	return e, nil
}

// DeleteEntry removes an entry; unknown ids are ignored.
func (c *SyncCoordinator) DeleteEntry(ctx context.Context, id string) error {
	return c.mutate(ctx, ReasonLocal, false, func(s *ledger.Store) error { return s.DeleteEntry(id) })
}

// AddCategory adds a label to the expense categories or income types.
func (c *SyncCoordinator) AddCategory(ctx context.Context, kind core.EntryType, label string) error {
	return c.mutate(ctx, ReasonLocal, false, func(s *ledger.Store) error { return s.AddCategory(kind, label) })
}

// AddIncomeType adds an income type.
func (c *SyncCoordinator) AddIncomeType(ctx context.Context, label string) error {
	return c.AddCategory(ctx, core.Income, label)
}

// RenameCategory renames a label and every entry of that kind using it.
func (c *SyncCoordinator) RenameCategory(ctx context.Context, kind core.EntryType, oldLabel, newLabel string) error {
	return c.mutate(ctx, ReasonLocal, false, func(s *ledger.Store) error { return s.RenameCategory(kind, oldLabel, newLabel) })
}

// DeleteCategory removes an unreferenced label.
func (c *SyncCoordinator) DeleteCategory(ctx context.Context, kind core.EntryType, label string) error {
	return c.mutate(ctx, ReasonLocal, false, func(s *ledger.Store) error { return s.DeleteCategory(kind, label) })
}

// UpdateSettings merges patch into the settings.
func (c *SyncCoordinator) UpdateSettings(ctx context.Context, patch core.SettingsPatch) error {
	if patch.CurrencySymbol != nil {
		symbol := *patch.CurrencySymbol
		patch.CurrencySymbol = &symbol
	}
	return c.mutate(ctx, ReasonLocal, false, func(s *ledger.Store) error { return s.UpdateSettings(patch) })
}

// ReplaceDocument swaps in doc wholesale.
func (c *SyncCoordinator) ReplaceDocument(ctx context.Context, doc core.Document) error {
	doc = doc.Clone()
	return c.mutate(ctx, ReasonLocal, true, func(s *ledger.Store) error { return s.ReplaceDocument(doc) })
}

// Import parses a backup file and replaces the document with it. A
// malformed file is rejected before anything changes.
func (c *SyncCoordinator) Import(ctx context.Context, data []byte) (core.Document, error) {
	doc, err := core.ParseImport(data)
	if err != nil {
		return core.Document{}, err
	}
	if err := c.ReplaceDocument(ctx, doc); err != nil {
		return core.Document{}, err
	}
	return doc, nil
}

// ResetToDefaults replaces the document with the default one.
func (c *SyncCoordinator) ResetToDefaults(ctx context.Context) error {
	return c.mutate(ctx, ReasonReset, true, func(s *ledger.Store) error { return s.ResetToDefaults() })
}

func (c *SyncCoordinator) mutate(ctx context.Context, reason ChangeReason, replaces bool, m ledger.Mutation) error {
	var err error
	if cerr := c.call(ctx, func(s *session) { err = s.apply(m, reason, replaces) }); cerr != nil {
		return cerr
	}
	return err
}

// call runs fn on the loop goroutine and waits for it.
func (c *SyncCoordinator) call(ctx context.Context, fn func(*session)) error {
	c.mu.Lock()
	running, done := c.running, c.doneCh
	c.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	finished := make(chan struct{})
	req := func(s *session) {
		defer close(finished)
		fn(s)
	}
	select {
	case c.requests <- req:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-done:
		select {
		case <-finished:
			return nil
		default:
			return ErrNotRunning
		}
	}
}

func (c *SyncCoordinator) setStatus(st Status) {
	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
}

func (c *SyncCoordinator) stopContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCtx
}

// run is the event loop
func (c *SyncCoordinator) run(ctx context.Context, s *session, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		c.mu.Lock()
		if c.doneCh == doneCh {
			c.running = false
		}
		c.mu.Unlock()
	}()
	defer s.shutdown()

	for {
		select {
		case <-stopCh:
			s.drain(c.stopContext())
			return
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			s.drain(dctx)
			cancel()
			return
		case fn := <-c.requests:
			fn(s)
		case u, ok := <-s.updates:
			s.handleUpdate(u, ok)
		case r := <-s.results:
			s.handleWriteResult(r)
		case <-s.debounce.C:
			s.debounceFired()
		case <-s.retry.C:
			s.subscribe()
		}
	}
}

type writeResult struct {
	gen      uint64
	key      string
	userID   string
	revision int64
	err      error
}

// publish hands a confirmed write to the publisher without holding up the
// loop. Stop waits for notifications still in flight.
func (c *SyncCoordinator) publish(ctx context.Context, change LedgerChanged) {
	if c.publisher == nil {
		return
	}
	c.publishing.Add(1)
	go func() {
		defer c.publishing.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := c.publisher.PublishLedgerChanged(pctx, change); err != nil {
			slog.WarnContext(ctx, "Failed to publish ledger change",
				applog.FieldUserID, change.UserID,
				applog.FieldRevision, change.Revision,
				applog.FieldError, err)
		}
	}()
}

// session is the state owned by the event loop.
type session struct {
	c      *SyncCoordinator
	ctx    context.Context
	cancel context.CancelFunc
	ledger *ledger.Store

	userID   string
	key      string
	state    State
	revision int64
	lastErr  error
	// subErr is the error that took the session offline.
	subErr   error
	syncedAt time.Time
	// gen changes on every identity change; results of older writes are ignored.
	gen uint64

	// pending holds the mutations applied since the last confirmed write,
	// in order. The first carried of them are in the write in flight.
	pending     []ledger.Mutation
	carried     int
	writing     bool
	dirty       bool
	writeQueued bool
	results     chan writeResult
	waiters     []chan error
	// remoteDuringWrite is set when another client's snapshot was merged
	// while a write was in flight.
	remoteDuringWrite bool

	subCancel     context.CancelFunc
	updates       <-chan replica.Update
	awaitingFirst bool

	debounce   *time.Timer
	debouncing bool
	retry      *time.Timer
	backoff    time.Duration
}

func newSession(ctx context.Context, c *SyncCoordinator) *session {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		c:        c,
		ctx:      sctx,
		cancel:   cancel,
		ledger:   ledger.New(),
		state:    StateUnauthenticated,
		results:  make(chan writeResult, 1),
		debounce: time.NewTimer(time.Hour),
		retry:    time.NewTimer(time.Hour),
	}
	s.debounce.Stop()
	s.retry.Stop()
	return s
}

func (s *session) apply(m ledger.Mutation, reason ChangeReason, replaces bool) error {
	if s.state == StateUnauthenticated {
		return ErrNotSignedIn
	}
	if err := m(s.ledger); err != nil {
		return err
	}
	if replaces && !s.writing {
		s.pending = []ledger.Mutation{m}
	} else {
		s.pending = append(s.pending, m)
	}
	s.dirty = true

	switch s.state {
	case StateSynced, StateDirty:
		s.armDebounce()
		s.setState(StateDirty)
	case StateWriting:
		s.armDebounce()
		s.publishStatus()
	default:
		// Bootstrapping or offline: replayed onto the next snapshot.
		s.publishStatus()
	}
	s.emitDocument(reason)
	return nil
}

func (s *session) subscribe() {
	s.cancelSubscription()
	ctx, cancel := context.WithCancel(s.ctx)
	ch, err := s.c.store.Subscribe(ctx, s.key)
	if err != nil {
		cancel()
		s.goOffline(err)
		return
	}
	s.subCancel = cancel
	s.updates = ch
	s.awaitingFirst = true
	if !s.writing {
		s.setState(StateBootstrapping)
	}
}

func (s *session) cancelSubscription() {
	if s.subCancel != nil {
		s.subCancel()
		s.subCancel = nil
	}
	s.updates = nil
	s.awaitingFirst = false
}

func (s *session) handleUpdate(u replica.Update, ok bool) {
	if !ok {
		u.Err = ErrSubscriptionClosed
	}
	if u.Err != nil {
		s.goOffline(u.Err)
		return
	}

	first := s.awaitingFirst
	s.awaitingFirst = false
	snap := u.Snapshot
	if first {
		s.backoff = 0
	} else if snap.Revision <= s.revision {
		return
	}

	own := !first && s.writing && snap.Origin == s.c.origin
	if own {
		// Echo of the write in flight: its mutations are confirmed. The local
		// document already holds what was written plus every later change.
		s.pending = append([]ledger.Mutation(nil), s.pending[s.carried:]...)
		s.carried = 0
	} else {
		doc := core.DefaultDocument()
		if snap.Exists {
			doc = snap.Document
		}
		_ = s.ledger.ReplaceDocument(doc)
		s.replay()
	}
	s.revision = snap.Revision
	s.syncedAt = s.c.config.Now()

	switch {
	case own:
		s.dirty = len(s.pending) > 0 || s.remoteDuringWrite
	case s.writing:
		// The write in flight will overwrite this snapshot; write again after it.
		s.remoteDuringWrite = true
		s.dirty = true
	default:
		s.dirty = len(s.pending) > 0 || !snap.Exists
	}

	if first {
		slog.InfoContext(s.ctx, "Ledger bootstrapped",
			applog.FieldUserID, s.userID,
			"exists", snap.Exists,
			applog.FieldRevision, snap.Revision,
			"replayed", len(s.pending))
	} else {
		slog.DebugContext(s.ctx, "Remote snapshot applied",
			applog.FieldUserID, s.userID,
			applog.FieldRevision, snap.Revision,
			"own", snap.Origin == s.c.origin)
	}

	switch {
	case s.writing:
		s.setState(StateWriting)
	case !s.dirty:
		s.stopDebounce()
		s.setState(StateSynced)
		s.resolveWaiters(nil)
	case !snap.Exists || len(s.waiters) > 0:
		s.startWrite()
	default:
		s.setState(StateDirty)
		s.armDebounce()
	}
	s.emitDocument(ReasonRemote)
}

// replay re-applies pending mutations on top of a freshly replaced
// document. Mutations that no longer apply are dropped and reported.
func (s *session) replay() {
	if len(s.pending) == 0 {
		return
	}
	kept := make([]ledger.Mutation, 0, len(s.pending))
	droppedCarried := 0
	for i, m := range s.pending {
		if err := m(s.ledger); err != nil {
			if i < s.carried {
				droppedCarried++
			}
			slog.WarnContext(s.ctx, "Local change discarded after remote update",
				applog.FieldUserID, s.userID,
				"error", err)
			s.signal(fmt.Errorf("local change discarded after remote update: %w", err))
			continue
		}
		kept = append(kept, m)
	}
	s.pending = kept
	s.carried -= droppedCarried
}

func (s *session) goOffline(err error) {
	s.cancelSubscription()
	s.stopDebounce()
	s.writeQueued = false
	wrapped := core.NewError(core.KindSyncSubscription, "subscribe", "", err)
	s.lastErr = wrapped
	s.subErr = wrapped
	slog.WarnContext(s.ctx, "Ledger subscription lost",
		applog.FieldUserID, s.userID,
		"error", err)
	s.setState(StateOffline)
	s.signal(wrapped)
	s.resolveWaiters(wrapped)
	s.scheduleRetry()
}

func (s *session) scheduleRetry() {
	cfg := s.c.config
	if s.backoff == 0 {
		s.backoff = cfg.InitialBackoff
	} else {
		s.backoff = min(s.backoff*2, cfg.MaxBackoff)
	}
	s.retry.Reset(s.backoff)
	slog.InfoContext(s.ctx, "Resubscribe scheduled",
		applog.FieldUserID, s.userID,
		"in", s.backoff)
}

func (s *session) armDebounce() {
	s.debounce.Stop()
	s.debounce.Reset(s.c.config.Debounce)
	s.debouncing = true
}

func (s *session) stopDebounce() {
	s.debounce.Stop()
	s.debouncing = false
}

func (s *session) debounceFired() {
	s.debouncing = false
	switch {
	case s.writing:
		s.writeQueued = true
	case s.state == StateDirty && s.dirty:
		s.startWrite()
	}
}

func (s *session) startWrite() {
	s.stopDebounce()
	s.writing = true
	s.writeQueued = false
	s.dirty = false
	s.carried = len(s.pending)
	s.setState(StateWriting)

	var (
		c       = s.c
		ctx     = s.ctx
		results = s.results
		gen     = s.gen
		key     = s.key
		userID  = s.userID
		doc     = s.ledger.Document()
	)
	go func() {
		rev, err := c.store.Write(ctx, key, doc, c.origin)
		select {
		case results <- writeResult{gen: gen, key: key, userID: userID, revision: rev, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *session) handleWriteResult(r writeResult) {
	if r.err == nil {
		s.c.publish(s.ctx, LedgerChanged{Key: r.key, UserID: r.userID, Revision: r.revision, Origin: s.c.origin, At: s.c.config.Now()})
	}
	if r.gen != s.gen || !s.writing {
		return
	}
	s.writing = false
	s.remoteDuringWrite = false
	carried := s.carried
	s.carried = 0

	if r.err != nil {
		s.dirty = true
		s.writeQueued = false
		err := core.NewError(core.KindSyncWrite, "write document", "", r.err)
		s.lastErr = err
		slog.WarnContext(s.ctx, "Ledger write failed",
			applog.FieldUserID, s.userID,
			"error", r.err)
		if s.state != StateOffline && s.state != StateBootstrapping {
			s.setState(StateDirty)
		} else {
			s.publishStatus()
		}
		s.signal(err)
		s.resolveWaiters(err)
		return
	}

	s.pending = append([]ledger.Mutation(nil), s.pending[carried:]...)
	if r.revision > s.revision {
		s.revision = r.revision
	}
	if s.state != StateOffline {
		s.lastErr = nil
	}
	s.syncedAt = s.c.config.Now()
	slog.DebugContext(s.ctx, "Ledger write confirmed",
		applog.FieldUserID, s.userID,
		applog.FieldRevision, r.revision)

	switch {
	case s.state == StateOffline || s.state == StateBootstrapping:
		s.publishStatus()
	case s.dirty && (s.writeQueued || len(s.waiters) > 0):
		s.startWrite()
	case s.dirty:
		s.setState(StateDirty)
		if !s.debouncing {
			s.armDebounce()
		}
	default:
		s.setState(StateSynced)
		s.resolveWaiters(nil)
	}
}

func (s *session) flush() <-chan error {
	ch := make(chan error, 1)
	switch {
	case s.state == StateUnauthenticated:
		ch <- ErrNotSignedIn
		return ch
	case s.state == StateOffline:
		ch <- s.offlineErr()
		return ch
	case s.state == StateSynced && !s.dirty:
		ch <- nil
		return ch
	}
	s.waiters = append(s.waiters, ch)
	switch {
	case s.writing:
		if s.dirty {
			s.writeQueued = true
		}
	case s.state == StateDirty:
		s.startWrite()
	}
	return ch
}

// offlineErr is never nil so Flush cannot report queued changes as saved.
func (s *session) offlineErr() error {
	if s.subErr != nil {
		return s.subErr
	}
	return core.NewError(core.KindSyncSubscription, "flush", "ledger is offline", nil)
}

func (s *session) resolveWaiters(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

// teardown ends the current identity's session.
func (s *session) teardown() {
	s.cancelSubscription()
	s.stopDebounce()
	s.retry.Stop()
	s.backoff = 0
	s.gen++
	s.writing = false
	s.remoteDuringWrite = false
	s.writeQueued = false
	s.carried = 0
	s.pending = nil
	s.dirty = false
	s.revision = 0
	s.lastErr = nil
	s.subErr = nil
	s.syncedAt = time.Time{}
	s.resolveWaiters(ErrIdentityChanged)
	_ = s.ledger.ResetToDefaults()
	s.emitDocument(ReasonReset)
}

// drain writes outstanding changes before the loop exits.
func (s *session) drain(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch s.state {
	case StateUnauthenticated, StateOffline:
		return
	case StateBootstrapping:
		if !s.writing {
			return
		}
	}
	if s.dirty && !s.writing {
		s.startWrite()
	}
	for s.writing {
		s.writeQueued = true
		select {
		case r := <-s.results:
			s.handleWriteResult(r)
		case <-ctx.Done():
			slog.WarnContext(ctx, "Final ledger write did not complete", applog.FieldUserID, s.userID)
			return
		}
	}
}

func (s *session) shutdown() {
	s.cancelSubscription()
	s.stopDebounce()
	s.retry.Stop()
	s.resolveWaiters(ErrNotRunning)
	s.cancel()
	s.c.watchers.closeAll()
}

func (s *session) snapshotStatus() Status {
	st := Status{
		State:        s.state,
		UserID:       s.userID,
		Revision:     s.revision,
		Pending:      len(s.pending),
		LastSyncedAt: s.syncedAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *session) publishStatus() {
	s.c.setStatus(s.snapshotStatus())
}

func (s *session) setState(st State) {
	prev := s.state
	s.state = st
	s.publishStatus()
	if prev == st {
		return
	}
	slog.DebugContext(s.ctx, "Sync state changed",
		applog.FieldUserID, s.userID,
		"from", prev,
		applog.FieldState, st)
	s.c.watchers.emit(Event{
		Type:     EventStatusChanged,
		Status:   s.snapshotStatus(),
		Revision: s.revision,
		At:       s.c.config.Now(),
	})
}

func (s *session) emitDocument(reason ChangeReason) {
	s.c.watchers.emit(Event{
		Type:     EventDocumentChanged,
		Reason:   reason,
		Status:   s.snapshotStatus(),
		Revision: s.revision,
		At:       s.c.config.Now(),
	})
}

func (s *session) signal(err error) {
	s.c.watchers.emit(Event{
		Type:     EventSyncError,
		Status:   s.snapshotStatus(),
		Revision: s.revision,
		Err:      err,
		At:       s.c.config.Now(),
	})
}
