package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/rostersync/internal/access"
	"github.com/agentworkforce/rostersync/internal/chatapi/chatapitest"
	"github.com/agentworkforce/rostersync/internal/invites"
	"github.com/agentworkforce/rostersync/internal/notify"
	"github.com/agentworkforce/rostersync/internal/remote"
	"github.com/agentworkforce/rostersync/internal/roster"
	"github.com/agentworkforce/rostersync/internal/state"
)

type fakeSource struct {
	mu          sync.Mutex
	changed     []bool
	changedErr  error
	records     []roster.UserRecord
	loadErr     error
	checks      int
	loads       int
	invalidated int
	onCheck     func(n int)
}

func (s *fakeSource) Changed(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.checks++
	n := s.checks
	hook := s.onCheck
	var answer bool
	if len(s.changed) > 0 {
		answer = s.changed[0]
		s.changed = s.changed[1:]
	}
	err := s.changedErr
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return answer, err
}

func (s *fakeSource) Load(ctx context.Context) ([]roster.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.records, nil
}

func (s *fakeSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

type spyStore struct {
	*state.Store
	replaces int
}

func (s *spyStore) Replace(records []roster.UserRecord) error {
	s.replaces++
	return s.Store.Replace(records)
}

type flakyBackend struct {
	*state.InMemoryBackend
	failures int
}

func (b *flakyBackend) Save(records []roster.UserRecord) error {
	if b.failures > 0 {
		b.failures--
		return errors.New("disk full")
	}
	return b.InMemoryBackend.Save(records)
}

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *captureLogger) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

type harness struct {
	source   *fakeSource
	store    *spyStore
	backend  state.Backend
	platform *chatapitest.Fake
	enforcer *access.Enforcer
	notifier *notify.Dispatcher
	worker   *Worker
	logger   *captureLogger
}

func newHarness(t *testing.T, source *fakeSource, backend state.Backend, opts WorkerOptions) *harness {
	t.Helper()
	logger := &captureLogger{}
	store := &spyStore{Store: state.NewStore(state.StoreOptions{Backend: backend, Logger: logger})}
	store.Load()
	platform := chatapitest.NewFake()
	links, err := invites.NewManager(invites.ManagerOptions{Platform: platform})
	if err != nil {
		t.Fatalf("new invite manager: %v", err)
	}
	enforcer := access.NewEnforcer(platform, links, logger)
	dispatcher := notify.NewDispatcher(platform, notify.DispatcherOptions{Rate: -1, Logger: logger})
	opts.Logger = logger
	worker, err := NewWorker(source, store, enforcer, dispatcher, opts)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return &harness{
		source:   source,
		store:    store,
		backend:  backend,
		platform: platform,
		enforcer: enforcer,
		notifier: dispatcher,
		worker:   worker,
		logger:   logger,
	}
}

func TestRunOnceNewAdminEndToEnd(t *testing.T) {
	backend := state.NewInMemoryBackend()
	source := &fakeSource{
		changed: []bool{true},
		records: []roster.UserRecord{{ID: 1, Role: "admin", Chats: []roster.ChatID{100}}},
	}
	h := newHarness(t, source, backend, WorkerOptions{})

	report, err := h.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !report.Changed || report.Events != 1 || report.Notified != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.CycleID == "" {
		t.Fatalf("expected a cycle id")
	}
	if got := len(h.platform.CallsFor("Unban")); got != 1 {
		t.Fatalf("expected one unban attempt, got %d", got)
	}
	if got := len(h.platform.CallsFor("CreateInviteLink")); got != 1 {
		t.Fatalf("expected one invite creation, got %d", got)
	}
	sent := h.platform.SentMessages()
	if len(sent) != 1 || sent[0].UserID != 1 || !strings.Contains(sent[0].HTML, "https://t.me/+fake") {
		t.Fatalf("expected a message with the invite link, got %+v", sent)
	}
	persisted, err := backend.Load()
	if err != nil || len(persisted) != 1 || persisted[0].Role != "admin" {
		t.Fatalf("expected persisted snapshot, got %+v err=%v", persisted, err)
	}
}

func TestRunOnceUnchangedDoesNotReplace(t *testing.T) {
	source := &fakeSource{changed: []bool{false, false}}
	h := newHarness(t, source, state.NewInMemoryBackend(), WorkerOptions{})

	for i := 0; i < 2; i++ {
		report, err := h.worker.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run once: %v", err)
		}
		if report.Changed || report.Events != 0 {
			t.Fatalf("unexpected report %+v", report)
		}
	}
	if h.store.replaces != 0 {
		t.Fatalf("replace must not be called, got %d calls", h.store.replaces)
	}
	if source.loads != 0 {
		t.Fatalf("roster must not be fetched, got %d loads", source.loads)
	}
	if len(h.platform.Calls) != 0 {
		t.Fatalf("expected no platform calls, got %+v", h.platform.Calls)
	}
}

func TestRunOnceInvalidRosterKeepsPersistedState(t *testing.T) {
	backend := state.NewInMemoryBackend()
	seed := []roster.UserRecord{{ID: 3, Role: "member", Chats: []roster.ChatID{-1001}}}
	if err := backend.Save(seed); err != nil {
		t.Fatalf("seed backend: %v", err)
	}
	source := &fakeSource{
		changed: []bool{true},
		loadErr: fmt.Errorf("%w: missing required columns: id", roster.ErrRosterInvalid),
	}
	h := newHarness(t, source, backend, WorkerOptions{})

	_, err := h.worker.RunOnce(context.Background())
	if !errors.Is(err, roster.ErrRosterInvalid) {
		t.Fatalf("expected ErrRosterInvalid, got %v", err)
	}
	if h.store.replaces != 0 {
		t.Fatalf("replace must not run on invalid roster")
	}
	if !h.store.HasChat(3, -1001) {
		t.Fatalf("in-memory state must be untouched")
	}
	persisted, _ := backend.Load()
	if len(persisted) != 1 || persisted[0].ID != 3 {
		t.Fatalf("persisted snapshot changed: %+v", persisted)
	}
	if source.invalidated != 0 {
		t.Fatalf("invalid roster must not force a refetch, got %d invalidations", source.invalidated)
	}
	if len(h.platform.Calls) != 0 {
		t.Fatalf("expected no platform calls, got %+v", h.platform.Calls)
	}
}

func TestRunOnceTransientLoadFailureForcesNextCheck(t *testing.T) {
	source := &fakeSource{
		changed: []bool{true},
		loadErr: remote.Unavailable(errors.New("connection reset")),
	}
	h := newHarness(t, source, nil, WorkerOptions{})

	_, err := h.worker.RunOnce(context.Background())
	if !remote.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if source.invalidated != 1 {
		t.Fatalf("transient load failure must force the next check, got %d invalidations", source.invalidated)
	}
}

type countingCapability struct {
	mu         sync.Mutex
	modified   time.Time
	sheets     map[string][][]string
	rowFetches int
}

func (c *countingCapability) FetchMetadata(ctx context.Context) (roster.Metadata, error) {
	return roster.Metadata{ModifiedAt: c.modified}, nil
}

func (c *countingCapability) FetchRows(ctx context.Context, sheet string) ([][]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rowFetches++
	return c.sheets[sheet], nil
}

func TestRunOnceInvalidRosterIsNotRefetchedUntilEdited(t *testing.T) {
	capability := &countingCapability{
		modified: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		sheets: map[string][][]string{
			"Roster": {{"username", "display_name"}, {"alice", "Alice"}},
			"Chats":  {{"General", "-100123"}},
		},
	}
	source, err := roster.NewSource(capability, roster.SourceOptions{})
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	h := newHarness(t, &fakeSource{}, nil, WorkerOptions{})
	worker, err := NewWorker(source, h.store, h.enforcer, h.notifier, WorkerOptions{})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	if _, err := worker.RunOnce(context.Background()); !errors.Is(err, roster.ErrRosterInvalid) {
		t.Fatalf("expected ErrRosterInvalid, got %v", err)
	}
	for i := 0; i < 4; i++ {
		report, err := worker.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if report.Changed {
			t.Fatalf("cycle %d: unchanged roster reported as changed", i)
		}
	}
	if capability.rowFetches != 2 {
		t.Fatalf("expected the two sheets fetched once, got %d fetches", capability.rowFetches)
	}

	capability.sheets["Roster"] = [][]string{{"id", "username", "display_name", "role", "General"}, {"1", "alice", "Alice", "admin", "x"}}
	capability.modified = capability.modified.Add(time.Minute)
	report, err := worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("after edit: %v", err)
	}
	if !report.Changed || !h.store.HasChat(1, -100123) {
		t.Fatalf("expected the fixed roster to sync, got %+v", report)
	}
}

func TestRunOnceRevokesVanishedUser(t *testing.T) {
	backend := state.NewInMemoryBackend()
	if err := backend.Save([]roster.UserRecord{{ID: 5, Chats: []roster.ChatID{1, 2}}}); err != nil {
		t.Fatalf("seed backend: %v", err)
	}
	source := &fakeSource{changed: []bool{true}, records: []roster.UserRecord{}}
	h := newHarness(t, source, backend, WorkerOptions{})

	report, err := h.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Events != 1 {
		t.Fatalf("expected one revocation event, got %+v", report)
	}
	if got := len(h.platform.CallsFor("Ban")); got != 2 {
		t.Fatalf("expected two kicks, got %d", got)
	}
	persisted, _ := backend.Load()
	if len(persisted) != 0 {
		t.Fatalf("expected empty persisted snapshot, got %+v", persisted)
	}
}

func TestRunOnceRetriesFailedPersist(t *testing.T) {
	backend := &flakyBackend{InMemoryBackend: state.NewInMemoryBackend(), failures: 1}
	source := &fakeSource{
		changed: []bool{true, false},
		records: []roster.UserRecord{{ID: 1, Chats: []roster.ChatID{}}},
	}
	h := newHarness(t, source, backend, WorkerOptions{})

	if _, err := h.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if !h.worker.PendingPersist() {
		t.Fatalf("expected a pending persist after failure")
	}
	if _, err := h.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if h.worker.PendingPersist() {
		t.Fatalf("expected pending persist to clear")
	}
	persisted, _ := backend.Load()
	if len(persisted) != 1 {
		t.Fatalf("expected snapshot persisted on retry, got %+v", persisted)
	}
}

func TestCooldownByErrorKind(t *testing.T) {
	h := newHarness(t, &fakeSource{}, nil, WorkerOptions{QuotaCooldown: time.Minute, ErrorCooldown: time.Second})
	cases := []struct {
		err  error
		want time.Duration
	}{
		{remote.NewHTTPError(429, "", "quota", 0), time.Minute},
		{remote.Unavailable(errors.New("dial tcp")), time.Minute},
		{remote.NewHTTPError(401, "", "unauthorized", 0), time.Second},
		{fmt.Errorf("%w: bad header", roster.ErrRosterInvalid), time.Second},
		{errors.New("unexpected"), time.Second},
	}
	for _, tc := range cases {
		if got := h.worker.cooldown(tc.err); got != tc.want {
			t.Fatalf("cooldown(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if !strings.Contains(h.logger.joined(), "AUTH EXPIRED") {
		t.Fatalf("expected auth failure to be logged loudly")
	}
}

func TestRunStopsOnCancelAndWakesOnNudge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &fakeSource{}
	h := newHarness(t, source, nil, WorkerOptions{Interval: time.Hour})
	source.onCheck = func(n int) {
		if n >= 3 {
			cancel()
			return
		}
		h.worker.Nudge()
	}

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop")
	}
	if source.checks != 3 {
		t.Fatalf("expected 3 checks, got %d", source.checks)
	}
}

func TestRunCoolsDownAfterTransientFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &fakeSource{changedErr: remote.Unavailable(errors.New("sheets down"))}
	h := newHarness(t, source, nil, WorkerOptions{Interval: time.Millisecond, QuotaCooldown: time.Hour})
	source.onCheck = func(n int) {
		if n > 1 {
			cancel()
		}
	}

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	if source.checks != 1 {
		t.Fatalf("expected the cool-down to hold off the next check, got %d checks", source.checks)
	}
	if !strings.Contains(h.logger.joined(), "cooling down 1h0m0s") {
		t.Fatalf("expected cool-down log line, got %s", h.logger.joined())
	}
}

func TestRunLogsMemoryPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &fakeSource{}
	h := newHarness(t, source, nil, WorkerOptions{Interval: time.Millisecond, MemoryLogEvery: 2})
	source.onCheck = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	if err := h.worker.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(h.logger.joined(), "memory after 2 iterations") {
		t.Fatalf("expected memory log line, got %s", h.logger.joined())
	}
}

func TestNewWorkerRequiresCollaborators(t *testing.T) {
	if _, err := NewWorker(nil, nil, nil, nil, WorkerOptions{}); err == nil {
		t.Fatalf("expected error for missing collaborators")
	}
}
