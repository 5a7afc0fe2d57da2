package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/errorhub/pkg/backlog"
	"github.com/armorclaw/errorhub/pkg/domain"
	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/inbox"
	"github.com/armorclaw/errorhub/pkg/model"
)

type env struct {
	backlog *backlog.Memory
	inbox   *inbox.Inbox
	holder  *domain.Holder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	b := backlog.NewMemory()
	in := inbox.New(b, inbox.WithOrigin("local"))
	in.Start()
	h, err := domain.NewHolder(context.Background(), domain.NewMemoryStore(), domain.WithInstanceID("local"))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = in.Stop(ctx)
		h.Close()
		_ = b.Close()
	})
	return &env{backlog: b, inbox: in, holder: h}
}

func (e *env) targets(n FrontendNotifier) Targets {
	return Targets{Errors: e.inbox, Backlog: e.backlog, Domain: e.holder, Notifier: n}
}

func (e *env) member(t *testing.T, c, user string, apps ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.holder.AddCluster(ctx, c))
	for _, a := range apps {
		require.NoError(t, e.holder.AddClusterApplication(ctx, c, a))
	}
	if user != "" {
		require.NoError(t, e.holder.AddClusterUser(ctx, c, user))
	}
}

func (e *env) post(t *testing.T, app, typ string) model.ErrorPayload {
	t.Helper()
	p, err := e.inbox.Post(context.Background(), model.ErrorPayload{
		SourceID: app,
		Error:    model.Error{Type: typ, Message: "boom"},
		ErrorID:  app + "-" + typ,
	})
	require.NoError(t, err)
	return p
}

func codeOf(err error) herrors.ErrorCode {
	code, _ := herrors.CodeOf(err)
	return code
}

type note struct {
	event     string
	user      string
	recap     model.Recap
	added     []string
	removed   []string
	aggregate model.RecapAggregate
	payload   model.ErrorPayload
}

type recorder struct {
	mu    sync.Mutex
	notes []note
	ch    chan note
	fail  func(note) error
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan note, 1024)}
}

func (r *recorder) record(n note) error {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		if err := fail(n); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
	r.ch <- n
	return nil
}

func (r *recorder) Error(user string, p model.ErrorPayload) error {
	return r.record(note{event: "error", user: user, payload: p})
}

func (r *recorder) Recap(user string, recap model.Recap) error {
	return r.record(note{event: "recap", user: user, recap: recap})
}

func (r *recorder) Measure(user string, a model.RecapAggregate) error {
	return r.record(note{event: "measure", user: user, aggregate: a})
}

func (r *recorder) Applications(user string, added, removed []string) error {
	return r.record(note{event: "applications", user: user, added: added, removed: removed})
}

func (r *recorder) next(t *testing.T) note {
	t.Helper()
	select {
	case n := <-r.ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return note{}
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case n := <-r.ch:
		t.Fatalf("unexpected %s notification: %+v", n.event, n)
	case <-time.After(100 * time.Millisecond):
	}
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.event
	}
	return out
}

// latest returns the last measure observed for key through recaps and measures
func (r *recorder) latest(key model.MeasureKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	value := 0
	for _, n := range r.notes {
		switch n.event {
		case "recap":
			value = n.recap.Measure(key)
		case "measure":
			if n.aggregate.SourceID == key.Application && n.aggregate.Type == key.Type {
				value = n.aggregate.Measure
			}
		}
	}
	return value
}

func TestRecaps_SnapshotOnly(t *testing.T) {
	e := newEnv(t)
	e.member(t, "c1", "u1", "a1")

	r := newRecorder()
	p, err := RunRecaps(context.Background(), "u1", e.targets(r))
	require.NoError(t, err)
	defer p.Close()

	recap := r.next(t)
	require.Equal(t, "recap", recap.event)
	require.Len(t, recap.recap.Applications, 1)
	assert.Equal(t, "a1", recap.recap.Applications[0].Name)
	assert.Empty(t, recap.recap.Applications[0].Types)

	apps := r.next(t)
	require.Equal(t, "applications", apps.event)
	assert.Equal(t, []string{"a1"}, apps.added)
	assert.Empty(t, apps.removed)

	r.quiet(t)
}

func TestRecaps_MembershipThenError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.holder.AddCluster(ctx, "c1"))

	r := newRecorder()
	p, err := RunRecaps(ctx, "u1", e.targets(r))
	require.NoError(t, err)
	defer p.Close()

	initial := r.next(t)
	assert.Empty(t, initial.recap.Applications)
	assert.Empty(t, r.next(t).added)

	require.NoError(t, e.holder.AddClusterApplication(ctx, "c1", "a1"))
	require.NoError(t, e.holder.AddClusterUser(ctx, "c1", "u1"))
	e.post(t, "a1", "NullPointer")

	apps := r.next(t)
	require.Equal(t, "applications", apps.event)
	assert.Equal(t, []string{"a1"}, apps.added)
	assert.Empty(t, apps.removed)

	recap := r.next(t)
	require.Equal(t, "recap", recap.event)
	assert.Equal(t, []string{"a1"}, recap.recap.ApplicationNames())

	measure := r.next(t)
	require.Equal(t, "measure", measure.event)
	assert.Equal(t, model.RecapAggregate{SourceID: "a1", Type: "NullPointer", Measure: 1}, measure.aggregate)

	r.quiet(t)
	assert.Equal(t, []string{"recap", "applications", "applications", "recap", "measure"}, r.events())
}

func TestRecaps_CountersSeededFromBacklog(t *testing.T) {
	e := newEnv(t)
	e.member(t, "c1", "u1", "a1")
	e.post(t, "a1", "Timeout")
	e.post(t, "a1", "Timeout")
	e.post(t, "a1", "Panic")

	r := newRecorder()
	p, err := RunRecaps(context.Background(), "u1", e.targets(r))
	require.NoError(t, err)
	defer p.Close()

	recap := r.next(t).recap
	assert.Equal(t, 2, recap.Measure(model.MeasureKey{Application: "a1", Type: "Timeout"}))
	assert.Equal(t, 1, recap.Measure(model.MeasureKey{Application: "a1", Type: "Panic"}))
	r.next(t)

	e.post(t, "a1", "Timeout")
	e.post(t, "a1", "Timeout")

	assert.Equal(t, 3, r.next(t).aggregate.Measure)
	assert.Equal(t, 4, r.next(t).aggregate.Measure)
}

// countingSource records which aggregation path each recap request takes
type countingSource struct {
	RecapSource

	mu       sync.Mutex
	counters int
	rows     int
}

func (c *countingSource) GetApplicationsRecap(ctx context.Context, apps []string, measure backlog.Measure) (model.Recap, error) {
	c.mu.Lock()
	if measure == nil {
		c.counters++
	} else {
		c.rows++
	}
	c.mu.Unlock()
	return c.RecapSource.GetApplicationsRecap(ctx, apps, measure)
}

func (c *countingSource) calls() (counters, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters, c.rows
}

func TestRecaps_DefaultMeasureReadsCounters(t *testing.T) {
	e := newEnv(t)
	e.member(t, "c1", "u1", "a1")
	e.post(t, "a1", "Timeout")

	src := &countingSource{RecapSource: e.backlog}
	r := newRecorder()
	targets := e.targets(r)
	targets.Backlog = src

	p, err := RunRecaps(context.Background(), "u1", targets)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 1, r.next(t).recap.Measure(model.MeasureKey{Application: "a1", Type: "Timeout"}))
	r.next(t)

	e.member(t, "c2", "u1", "a2")
	require.Equal(t, "applications", r.next(t).event)
	require.Equal(t, "recap", r.next(t).event)

	counters, rows := src.calls()
	assert.Equal(t, 2, counters)
	assert.Zero(t, rows)
}

func TestRecaps_CustomMeasureReadsRows(t *testing.T) {
	e := newEnv(t)
	e.member(t, "c1", "u1", "a1")
	e.post(t, "a1", "Timeout")

	src := &countingSource{RecapSource: e.backlog}
	r := newRecorder()
	targets := e.targets(r)
	targets.Backlog = src
	targets.Measure = func(payloads []model.ErrorPayload) int { return 10 * len(payloads) }

	p, err := RunRecaps(context.Background(), "u1", targets)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 10, r.next(t).recap.Measure(model.MeasureKey{Application: "a1", Type: "Timeout"}))
	counters, rows := src.calls()
	assert.Zero(t, counters)
	assert.Equal(t, 1, rows)
}

func TestRecaps_LosingVisibility(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.member(t, "c1", "u1", "a1")

	r := newRecorder()
	p, err := RunRecaps(ctx, "u1", e.targets(r))
	require.NoError(t, err)
	defer p.Close()
	r.next(t)
	r.next(t)

	require.NoError(t, e.holder.RemoveClusterUser(ctx, "c1", "u1"))

	apps := r.next(t)
	assert.Empty(t, apps.added)
	assert.Equal(t, []string{"a1"}, apps.removed)
	assert.Empty(t, r.next(t).recap.Applications)

	e.post(t, "a1", "Timeout")
	r.quiet(t)
}

func TestRecaps_RemoveClusterHidesApplications(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.member(t, "c1", "u1", "a1", "a2")
	e.member(t, "c2", "u1", "a2")

	r := newRecorder()
	p, err := RunRecaps(ctx, "u1", e.targets(r))
	require.NoError(t, err)
	defer p.Close()
	r.next(t)
	assert.Equal(t, []string{"a1", "a2"}, r.next(t).added)

	require.NoError(t, e.holder.RemoveCluster(ctx, "c1"))

	apps := r.next(t)
	assert.Equal(t, []string{"a1"}, apps.removed)
	assert.Equal(t, []string{"a2"}, r.next(t).recap.ApplicationNames())
	r.quiet(t)
}

func TestRecaps_ViewersAreIsolated(t *testing.T) {
	e := newEnv(t)
	e.member(t, "c1", "u1", "a1")
	e.member(t, "c2", "u2", "a2")

	r1, r2 := newRecorder(), newRecorder()
	p1, err := RunRecaps(context.Background(), "u1", e.targets(r1))
	require.NoError(t, err)
	defer p1.Close()
	p2, err := RunRecaps(context.Background(), "u2", e.targets(r2))
	require.NoError(t, err)
	defer p2.Close()

	for _, r := range []*recorder{r1, r2} {
		r.next(t)
		r.next(t)
	}

	e.post(t, "a1", "Timeout")

	got := r1.next(t)
	assert.Equal(t, "u1", got.user)
	assert.Equal(t, "a1", got.aggregate.SourceID)
	r2.quiet(t)
}

func TestRecaps_CloseStopsDelivery(t *testing.T) {
	e := newEnv(t)
	e.member(t, "c1", "u1", "a1")
	e.member(t, "c1", "u2")

	r1, r2 := newRecorder(), newRecorder()
	p1, err := RunRecaps(context.Background(), "u1", e.targets(r1))
	require.NoError(t, err)
	p2, err := RunRecaps(context.Background(), "u2", e.targets(r2))
	require.NoError(t, err)
	defer p2.Close()

	for _, r := range []*recorder{r1, r2} {
		r.next(t)
		r.next(t)
	}

	e.post(t, "a1", "Timeout")
	r1.next(t)
	r2.next(t)

	p1.Close()
	p1.Close()
	assert.NoError(t, p1.Err())

	e.post(t, "a1", "Timeout")
	assert.Equal(t, 2, r2.next(t).aggregate.Measure)
	r1.quiet(t)
}

func TestRecaps_NotifierFailureStopsOnlyThatPipeline(t *testing.T) {
	e := newEnv(t)
	e.member(t, "c1", "u1", "a1")
	e.member(t, "c1", "u2")

	failing, healthy := newRecorder(), newRecorder()
	p1, err := RunRecaps(context.Background(), "u1", e.targets(failing))
	require.NoError(t, err)
	defer p1.Close()
	p2, err := RunRecaps(context.Background(), "u2", e.targets(healthy))
	require.NoError(t, err)
	defer p2.Close()

	for _, r := range []*recorder{failing, healthy} {
		r.next(t)
		r.next(t)
	}

	failing.mu.Lock()
	failing.fail = func(note) error { return errors.New("connection reset") }
	failing.mu.Unlock()

	e.post(t, "a1", "Timeout")

	select {
	case <-p1.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("failing pipeline kept running")
	}
	require.Error(t, p1.Err())
	assert.Equal(t, herrors.CodeSubscriberFault, codeOf(p1.Err()))

	assert.Equal(t, 1, healthy.next(t).aggregate.Measure)
	e.post(t, "a1", "Timeout")
	assert.Equal(t, 2, healthy.next(t).aggregate.Measure)
}

func TestRecaps_InitialFailure(t *testing.T) {
	e := newEnv(t)
	e.member(t, "c1", "u1", "a1")

	r := newRecorder()
	r.fail = func(note) error { return errors.New("gone") }

	_, err := RunRecaps(context.Background(), "u1", e.targets(r))
	require.Error(t, err)
	assert.Equal(t, 0, e.inbox.Subscribers())
}

func TestRecaps_NoGapBetweenSnapshotAndLive(t *testing.T) {
	e := newEnv(t)
	e.member(t, "c1", "u1", "a1")
	key := model.MeasureKey{Application: "a1", Type: "Timeout"}

	const total = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_, err := e.inbox.Post(context.Background(), model.ErrorPayload{
				SourceID: "a1",
				Error:    model.Error{Type: "Timeout"},
			})
			if err != nil {
				t.Error(err)
				return
			}
		}
	}()

	r := newRecorder()
	p, err := RunRecaps(context.Background(), "u1", e.targets(r))
	require.NoError(t, err)
	defer p.Close()

	wg.Wait()
	assert.Eventually(t, func() bool { return r.latest(key) == total }, 2*time.Second, 10*time.Millisecond)

	// every observed value is backed by exactly one error
	r.mu.Lock()
	defer r.mu.Unlock()
	last := 0
	for _, n := range r.notes {
		if n.event == "measure" {
			assert.Greater(t, n.aggregate.Measure, last)
			last = n.aggregate.Measure
		} else if n.event == "recap" {
			last = n.recap.Measure(key)
		}
	}
}

func TestErrors_ForwardsVisiblePayloads(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.member(t, "c1", "u1", "a1")
	e.member(t, "c2", "", "a2")

	r := newRecorder()
	p, err := RunErrors(ctx, "u1", e.targets(r))
	require.NoError(t, err)
	defer p.Close()

	e.post(t, "a2", "Hidden")
	posted := e.post(t, "a1", "Timeout")

	got := r.next(t)
	assert.Equal(t, "error", got.event)
	assert.Equal(t, "u1", got.user)
	assert.Equal(t, posted, got.payload)
	r.quiet(t)

	require.NoError(t, e.holder.AddClusterUser(ctx, "c2", "u1"))
	e.post(t, "a2", "Visible")
	assert.Equal(t, "a2", r.next(t).payload.SourceID)

	require.NoError(t, e.holder.RemoveClusterApplication(ctx, "c1", "a1"))
	e.post(t, "a1", "Gone")
	r.quiet(t)
}

func TestAllErrors_ForwardsEverything(t *testing.T) {
	e := newEnv(t)

	r := newRecorder()
	p, err := RunAllErrors(context.Background(), e.targets(nil), r)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, KindAllErrors, p.Kind())

	e.post(t, "a1", "Timeout")
	e.post(t, "unknown", "Panic")

	assert.Equal(t, "a1", r.next(t).payload.SourceID)
	last := r.next(t)
	assert.Equal(t, "unknown", last.payload.SourceID)
	assert.Empty(t, last.user)
}

func TestPipeline_ContextCancellation(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	p, err := RunErrors(ctx, "u1", e.targets(newRecorder()))
	require.NoError(t, err)

	cancel()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline ignored cancellation")
	}
	assert.NoError(t, p.Err())
	assert.Equal(t, 0, e.inbox.Subscribers())
}

func TestFactory_StartsConfiguredQueries(t *testing.T) {
	e := newEnv(t)
	e.member(t, "c1", "u1", "a1")

	f := NewFactory(e.targets(nil))
	assert.Equal(t, []Kind{KindRecaps, KindErrors}, f.Queries)

	r := newRecorder()
	s, err := f.Start(context.Background(), "u1", r)
	require.NoError(t, err)
	assert.Equal(t, "u1", s.User())
	assert.Len(t, s.Pipelines(), 2)

	r.next(t)
	r.next(t)

	e.post(t, "a1", "Timeout")
	seen := map[string]bool{}
	seen[r.next(t).event] = true
	seen[r.next(t).event] = true
	assert.Equal(t, map[string]bool{"measure": true, "error": true}, seen)

	s.Close()
	select {
	case <-s.Stopped():
	default:
		t.Fatal("session not marked stopped")
	}
	assert.NoError(t, s.Err())
	assert.Equal(t, 0, e.inbox.Subscribers())
}

func TestFactory_UnknownQuery(t *testing.T) {
	e := newEnv(t)
	f := NewFactory(e.targets(nil), KindRecaps, Kind("bogus"))

	_, err := f.Start(context.Background(), "u1", newRecorder())
	require.Error(t, err)
	assert.Equal(t, herrors.CodeInvalidConfig, codeOf(err))
	assert.Equal(t, 0, e.inbox.Subscribers())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("recaps")
	require.NoError(t, err)
	assert.Equal(t, KindRecaps, k)

	_, err = ParseKind("all-errors")
	assert.Error(t, err)
}
