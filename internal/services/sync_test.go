package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/studyreports/apiserver/config"
	"github.com/studyreports/apiserver/internal/store"
	"github.com/studyreports/apiserver/types"
)

type fakeSource struct {
	mu           sync.Mutex
	users        []types.User
	participants []types.Participant
	err          error
	calls        atomic.Int32
	gate         chan struct{}
}

func (f *fakeSource) FetchUsers(ctx context.Context) ([]types.User, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]types.User(nil), f.users...), nil
}

func (f *fakeSource) FetchParticipants(ctx context.Context) ([]types.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]types.Participant(nil), f.participants...), nil
}

func (f *fakeSource) Years() []int { return []int{2021, 2022} }

// memState is what the fake database holds.
type memState struct {
	tables       bool
	groups       []string
	users        map[string]types.User
	participants []types.Participant
	lastFill     time.Time
}

func (s memState) clone() memState {
	c := s
	c.groups = append([]string(nil), s.groups...)
	c.participants = append([]types.Participant(nil), s.participants...)
	c.users = make(map[string]types.User, len(s.users))
	for k, v := range s.users {
		c.users[k] = v
	}
	return c
}

type memStore struct {
	mu        sync.Mutex
	state     memState
	failWrite error
	active    atomic.Int32
	overlap   atomic.Bool
}

func newMemStore() *memStore {
	return &memStore{state: memState{users: map[string]types.User{}}}
}

func (m *memStore) IsEmpty(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.state.tables, nil
}

func (m *memStore) Begin(ctx context.Context) (SyncTx, error) {
	if m.active.Add(1) > 1 {
		m.overlap.Store(true)
	}
	m.mu.Lock()
	work := m.state.clone()
	m.mu.Unlock()
	return &memTx{store: m, work: work}, nil
}

func (m *memStore) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

type memTx struct {
	store *memStore
	work  memState
	done  bool
}

func (t *memTx) IsEmpty(ctx context.Context) (bool, error) { return !t.work.tables, nil }

func (t *memTx) CreateSchema(ctx context.Context) error {
	t.work.tables = true
	return nil
}

func (t *memTx) Reset(ctx context.Context) error {
	t.work = memState{tables: true, users: map[string]types.User{}}
	return nil
}

func (t *memTx) PreviousFill(ctx context.Context) (time.Time, error) {
	if t.work.lastFill.IsZero() {
		return time.Time{}, store.ErrNotFound
	}
	return t.work.lastFill, nil
}

func (t *memTx) Wipe(ctx context.Context) ([]types.User, error) {
	var backup []types.User
	for _, u := range t.work.users {
		if u.TokenHash != nil {
			backup = append(backup, u)
		}
	}
	sort.Slice(backup, func(i, j int) bool { return backup[i].Email < backup[j].Email })
	t.work = memState{tables: true, users: map[string]types.User{}}
	return backup, nil
}

func (t *memTx) InsertAccessGroups(ctx context.Context, names []string) error {
	t.work.groups = append(t.work.groups, names...)
	return nil
}

func (t *memTx) InsertUsers(ctx context.Context, users []types.User) error {
	for _, u := range users {
		if _, ok := t.work.users[u.Email]; ok {
			return store.ErrConstraint
		}
		t.work.users[u.Email] = u
	}
	return nil
}

func (t *memTx) InsertParticipants(ctx context.Context, participants []types.Participant) error {
	if t.store.failWrite != nil {
		return t.store.failWrite
	}
	t.work.participants = append(t.work.participants, participants...)
	return nil
}

func (t *memTx) SetLastFill(ctx context.Context, at time.Time) error {
	t.work.lastFill = at
	return nil
}

func (t *memTx) Commit() error {
	t.store.mu.Lock()
	t.store.state = t.work
	t.store.mu.Unlock()
	t.finish()
	return nil
}

func (t *memTx) Rollback() error {
	t.finish()
	return nil
}

func (t *memTx) finish() {
	if !t.done {
		t.done = true
		t.store.active.Add(-1)
	}
}

func testRoster() config.Roster {
	return config.Roster{
		AccessGroups: []string{"admin", "site-a", "site-b", "unrestricted"},
		Users: []config.LocalUser{
			{Email: "boss@study.org", AccessGroup: "admin"},
		},
	}
}

func newTestSyncService(source *fakeSource, st *memStore) *SyncService {
	logger, _ := test.NewNullLogger()
	return NewSyncService(source, st, testRoster(), logger)
}

func strp(s string) *string { return &s }

func TestSync_SoftKeepsTokens(t *testing.T) {
	source := &fakeSource{
		users: []types.User{
			{Email: "ana@site.org", AccessGroup: "site-a"},
			{Email: "ben@site.org", AccessGroup: "site-b"},
		},
		participants: []types.Participant{{RecordID: "1", PID: "P-1", Year: 2022, AccessGroup: strp("site-a")}},
	}
	st := newMemStore()
	svc := newTestSyncService(source, st)

	if _, err := svc.Sync(context.Background(), false); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	st.mu.Lock()
	ana := st.state.users["ana@site.org"]
	ana.TokenHash = strp("hash-a")
	st.state.users["ana@site.org"] = ana
	st.mu.Unlock()

	source.users[0].AccessGroup = "site-b"
	report, err := svc.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("soft sync: %v", err)
	}
	if report.RestoredTokens != 1 {
		t.Fatalf("expected 1 restored token, got %d", report.RestoredTokens)
	}

	state := st.snapshot()
	got := state.users["ana@site.org"]
	if got.TokenHash == nil || *got.TokenHash != "hash-a" {
		t.Fatalf("expected token to survive soft sync, got %v", got.TokenHash)
	}
	if got.AccessGroup != "site-b" {
		t.Fatalf("expected refreshed access group site-b, got %q", got.AccessGroup)
	}
	if state.users["ben@site.org"].TokenHash != nil {
		t.Fatalf("expected ben to have no token")
	}
	if len(state.participants) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(state.participants))
	}
}

func TestSync_HardClearsTokens(t *testing.T) {
	source := &fakeSource{users: []types.User{{Email: "ana@site.org", AccessGroup: "site-a"}}}
	st := newMemStore()
	svc := newTestSyncService(source, st)

	if _, err := svc.Sync(context.Background(), false); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	st.mu.Lock()
	for email, u := range st.state.users {
		u.TokenHash = strp("hash")
		st.state.users[email] = u
	}
	st.mu.Unlock()

	report, err := svc.Sync(context.Background(), true)
	if err != nil {
		t.Fatalf("hard sync: %v", err)
	}
	if !report.Hard || report.RestoredTokens != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for email, u := range st.snapshot().users {
		if u.TokenHash != nil {
			t.Fatalf("expected %s to lose its token", email)
		}
	}
}

func TestSync_OverridesWinOverREDCap(t *testing.T) {
	source := &fakeSource{users: []types.User{
		{Email: "boss@study.org", AccessGroup: "site-a"},
		{Email: "ana@site.org", AccessGroup: "site-a"},
	}}
	st := newMemStore()
	svc := newTestSyncService(source, st)

	report, err := svc.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Users != 2 || report.LocalUsers != 1 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if got := st.snapshot().users["boss@study.org"].AccessGroup; got != "admin" {
		t.Fatalf("expected override group admin, got %q", got)
	}
}

func TestSync_LastFillStrictlyIncreases(t *testing.T) {
	source := &fakeSource{}
	st := newMemStore()
	svc := newTestSyncService(source, st)
	frozen := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return frozen }

	first, err := svc.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	second, err := svc.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !second.LastFill.After(first.LastFill) {
		t.Fatalf("expected %v after %v", second.LastFill, first.LastFill)
	}
	if !st.snapshot().lastFill.Equal(second.LastFill) {
		t.Fatalf("stored last fill does not match report")
	}
}

func TestSync_FetchFailureLeavesStoreUntouched(t *testing.T) {
	source := &fakeSource{users: []types.User{{Email: "ana@site.org", AccessGroup: "site-a"}}}
	st := newMemStore()
	svc := newTestSyncService(source, st)

	if _, err := svc.Sync(context.Background(), false); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	before := st.snapshot()

	source.err = errors.New("redcap unavailable")
	_, err := svc.Sync(context.Background(), false)
	if err == nil || !errors.Is(err, source.err) {
		t.Fatalf("expected wrapped fetch error, got %v", err)
	}

	after := st.snapshot()
	if !after.lastFill.Equal(before.lastFill) || len(after.users) != len(before.users) {
		t.Fatalf("store changed after failed sync")
	}
}

func TestSync_WriteFailureRollsBack(t *testing.T) {
	source := &fakeSource{users: []types.User{{Email: "ana@site.org", AccessGroup: "site-a"}}}
	st := newMemStore()
	svc := newTestSyncService(source, st)

	if _, err := svc.Sync(context.Background(), false); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	before := st.snapshot()

	st.failWrite = store.ErrConstraint
	if _, err := svc.Sync(context.Background(), true); !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("expected constraint error, got %v", err)
	}
	if !st.snapshot().lastFill.Equal(before.lastFill) {
		t.Fatalf("last fill changed after failed sync")
	}
	if st.active.Load() != 0 {
		t.Fatalf("transaction left open")
	}
}

func TestSync_ConcurrentCallersShareRun(t *testing.T) {
	source := &fakeSource{gate: make(chan struct{})}
	st := newMemStore()
	svc := newTestSyncService(source, st)

	var wg sync.WaitGroup
	reports := make([]types.SyncReport, 4)
	errs := make([]error, 4)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = svc.Sync(context.Background(), false)
		}(i)
	}

	// Let every caller join the flight before the fetch returns.
	deadline := time.Now().Add(time.Second)
	for source.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(source.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
		if !reports[i].LastFill.Equal(reports[0].LastFill) {
			t.Fatalf("caller %d got a different run", i)
		}
	}
	if n := source.calls.Load(); n != 1 {
		t.Fatalf("expected one fetch, got %d", n)
	}
}

func TestSync_SoftAndHardDoNotOverlap(t *testing.T) {
	source := &fakeSource{}
	st := newMemStore()
	svc := newTestSyncService(source, st)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(hard bool) {
			defer wg.Done()
			_, _ = svc.Sync(context.Background(), hard)
		}(i%2 == 0)
	}
	wg.Wait()

	if st.overlap.Load() {
		t.Fatalf("two syncs held a transaction at the same time")
	}
}

func TestSync_CallerCancellationDoesNotAbortRun(t *testing.T) {
	source := &fakeSource{gate: make(chan struct{})}
	st := newMemStore()
	svc := newTestSyncService(source, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Sync(ctx, false)
		done <- err
	}()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(source.gate)
	report, err := svc.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("follow-up sync: %v", err)
	}
	if report.LastFill.IsZero() || st.snapshot().lastFill.IsZero() {
		t.Fatalf("expected a completed sync")
	}
}

func TestBootstrap(t *testing.T) {
	source := &fakeSource{users: []types.User{{Email: "ana@site.org", AccessGroup: "site-a"}}}
	st := newMemStore()
	svc := newTestSyncService(source, st)

	ran, err := svc.Bootstrap(context.Background())
	if err != nil || !ran {
		t.Fatalf("expected bootstrap to run, got ran=%v err=%v", ran, err)
	}
	if !st.snapshot().tables {
		t.Fatalf("expected schema to be created")
	}

	ran, err = svc.Bootstrap(context.Background())
	if err != nil || ran {
		t.Fatalf("expected second bootstrap to be a no-op, got ran=%v err=%v", ran, err)
	}
}

type recordingArchiver struct {
	reports []types.SyncReport
	err     error
}

func (r *recordingArchiver) Archive(ctx context.Context, report types.SyncReport) error {
	r.reports = append(r.reports, report)
	return r.err
}

func TestSync_ArchiveFailureIsNotFatal(t *testing.T) {
	source := &fakeSource{}
	st := newMemStore()
	logger, hook := test.NewNullLogger()
	svc := NewSyncService(source, st, testRoster(), logger)
	archiver := &recordingArchiver{err: errors.New("bucket gone")}
	svc.SetArchiver(archiver)

	if _, err := svc.Sync(context.Background(), false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(archiver.reports) != 1 {
		t.Fatalf("expected one archived report, got %d", len(archiver.reports))
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("expected archive failure to be logged as warning")
	}
}

func TestMergeUsers(t *testing.T) {
	groups := map[string]bool{"admin": true, "site-a": true, "site-b": true}
	hasGroup := func(g string) bool { return groups[g] }

	external := []types.User{
		{Email: "ana@site.org", AccessGroup: "site-a", TokenHash: strp("stale")},
		{Email: "boss@study.org", AccessGroup: "site-a"},
	}
	overrides := []types.User{{Email: "boss@study.org", AccessGroup: "admin"}}
	backup := []types.User{
		{Email: "boss@study.org", AccessGroup: "site-b", TokenHash: strp("boss-hash")},
		{Email: "gone@site.org", AccessGroup: "site-b", TokenHash: strp("gone-hash")},
		{Email: "orphan@site.org", AccessGroup: "site-z", TokenHash: strp("orphan-hash")},
	}

	merged, restored, dropped := mergeUsers(external, overrides, backup, hasGroup)
	if restored != 2 || dropped != 1 {
		t.Fatalf("expected restored=2 dropped=1, got %d %d", restored, dropped)
	}

	byEmail := map[string]types.User{}
	for _, u := range merged {
		byEmail[u.Email] = u
	}
	if len(byEmail) != 3 {
		t.Fatalf("expected 3 users, got %d", len(byEmail))
	}
	if byEmail["ana@site.org"].TokenHash != nil {
		t.Fatalf("external token hash must not leak into the store")
	}
	boss := byEmail["boss@study.org"]
	if boss.AccessGroup != "admin" || boss.TokenHash == nil || *boss.TokenHash != "boss-hash" {
		t.Fatalf("unexpected boss entry: %+v", boss)
	}
	if _, ok := byEmail["orphan@site.org"]; ok {
		t.Fatalf("user with unknown group must be dropped")
	}
}

func TestNextFill(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		previous time.Time
		now      time.Time
		want     time.Time
	}{
		{name: "first fill", now: base, want: base},
		{name: "clock advanced", previous: base, now: base.Add(time.Second), want: base.Add(time.Second)},
		{name: "clock stalled", previous: base, now: base, want: base.Add(time.Microsecond)},
		{name: "clock went back", previous: base, now: base.Add(-time.Hour), want: base.Add(time.Microsecond)},
		{name: "sub-microsecond tick", previous: base, now: base.Add(500 * time.Nanosecond), want: base.Add(time.Microsecond)},
		{name: "truncated to microseconds", now: base.Add(1500 * time.Nanosecond), want: base.Add(time.Microsecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextFill(tt.previous, tt.now); !got.Equal(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
