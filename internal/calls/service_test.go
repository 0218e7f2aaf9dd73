package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dialer-bridge/internal/audit"
	"dialer-bridge/internal/contract"
	"dialer-bridge/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc     *Service
	repo    *MemoryRepo
	audit   *audit.MemoryRepo
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := NewMemoryRepo()
	auditRepo := audit.NewMemoryRepo()
	m := metrics.New("test", prometheus.NewRegistry())
	svc := NewService(repo, Options{Audit: audit.NewService(auditRepo), Metrics: m})
	svc.recheck = 10 * time.Millisecond
	return fixture{svc: svc, repo: repo, audit: auditRepo, metrics: m}
}

var dispatcher = audit.Actor{UserID: "dispatcher-1", Role: "dispatcher"}

func (f fixture) create(t *testing.T, owner, phone string) CallCommand {
	t.Helper()
	c, err := f.svc.Create(context.Background(), "w1", dispatcher, CreateRequest{OwnerUserID: owner, Phone: phone})
	require.NoError(t, err)
	return c
}

func (f fixture) dispatch(t *testing.T, owner string) (CallCommand, bool) {
	t.Helper()
	c, ok, err := f.svc.Dispatch(context.Background(), DispatchRequest{WorkspaceID: "w1", OwnerUserID: owner, DeviceID: "dev-1"})
	require.NoError(t, err)
	return c, ok
}

func outcome(id string, status contract.Status) contract.CallOutcomeEvent {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return contract.CallOutcomeEvent{
		ID:        id,
		Status:    contract.Ptr(status),
		StartedAt: &start,
		Duration:  contract.Ptr(42),
	}
}

func (f fixture) report(ev contract.CallOutcomeEvent) (CallCommand, error) {
	return f.svc.RecordOutcome(context.Background(), OutcomeRequest{
		WorkspaceID: "w1", OwnerUserID: "agent-1", DeviceID: "dev-1", Event: ev,
	})
}

func TestService_CreateValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "w1", dispatcher, CreateRequest{OwnerUserID: "agent-1", Phone: "call me; rm -rf /"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.Create(ctx, "", dispatcher, CreateRequest{OwnerUserID: "agent-1", Phone: "+15551234567"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	refs := map[string]string{}
	for i := 0; i <= maxRefs; i++ {
		refs[string(rune('a'+i))] = "x"
	}
	_, err = f.svc.Create(ctx, "w1", dispatcher, CreateRequest{OwnerUserID: "agent-1", Phone: "+15551234567", Refs: refs})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	c, err := f.svc.Create(ctx, "w1", audit.Actor{UserID: "agent-1"}, CreateRequest{Phone: " +15551234567 "})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", c.OwnerUserID, "owner defaults to the caller")
	assert.Equal(t, "+15551234567", c.Phone)
	assert.Equal(t, StatusPending, c.Status)
}

func TestService_DispatchOldestFirstThenEmpty(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	f.svc.clock = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	first := f.create(t, "agent-1", "+15550000001")
	second := f.create(t, "agent-1", "+15550000002")
	f.create(t, "agent-2", "+15550000003")

	got, ok := f.dispatch(t, "agent-1")
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Equal(t, "dev-1", got.DeliveredTo)
	require.NotNil(t, got.DeliveredAt)

	got, ok = f.dispatch(t, "agent-1")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)

	_, ok = f.dispatch(t, "agent-1")
	assert.False(t, ok, "nothing pending yields an empty pull")
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CommandsDispatched))
}

func TestService_ConcurrentDispatchDeliversEachCommandOnce(t *testing.T) {
	f := newFixture(t)
	const n = 20
	for i := 0; i < n; i++ {
		f.create(t, "agent-1", "+15551234567")
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, ok, err := f.svc.Dispatch(context.Background(), DispatchRequest{WorkspaceID: "w1", OwnerUserID: "agent-1", DeviceID: "dev"})
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[c.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "command %s delivered more than once", id)
	}
}

func TestService_LongPollWakesOnCreate(t *testing.T) {
	f := newFixture(t)
	f.svc.recheck = time.Hour

	type result struct {
		c   CallCommand
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, ok, err := f.svc.Dispatch(context.Background(), DispatchRequest{
			WorkspaceID: "w1", OwnerUserID: "agent-1", DeviceID: "dev-1", Wait: 5 * time.Second,
		})
		done <- result{c, ok, err}
	}()

	time.Sleep(30 * time.Millisecond)
	created := f.create(t, "agent-1", "+15551234567")

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.True(t, r.ok)
		assert.Equal(t, created.ID, r.c.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("held pull was not woken by create")
	}
}

func TestService_LongPollExpiresEmpty(t *testing.T) {
	f := newFixture(t)
	start := time.Now()
	_, ok, err := f.svc.Dispatch(context.Background(), DispatchRequest{
		WorkspaceID: "w1", OwnerUserID: "agent-1", DeviceID: "dev-1", Wait: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestService_LongPollStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, ok, err := f.svc.Dispatch(ctx, DispatchRequest{WorkspaceID: "w1", OwnerUserID: "agent-1", Wait: 5 * time.Second})
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestService_RecordOutcomeConsumesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "agent-1", "+15551234567")
	_, ok := f.dispatch(t, "agent-1")
	require.True(t, ok)

	got, err := f.report(outcome(c.ID, contract.StatusConnected))
	require.NoError(t, err)
	assert.Equal(t, StatusConsumed, got.Status)
	require.NotNil(t, got.Outcome.EndedAt)
	assert.True(t, got.Outcome.EndedAt.Equal(got.Outcome.StartedAt.Add(42*time.Second)))
	require.NotNil(t, got.ReportedAt)
	reportedAt := *got.ReportedAt

	again, err := f.report(outcome(c.ID, contract.StatusConnected))
	require.NoError(t, err, "replayed update must succeed")
	assert.Equal(t, StatusConsumed, again.Status)
	assert.Equal(t, got.Outcome, again.Outcome)
	assert.True(t, again.ReportedAt.Equal(reportedAt))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OutcomesRecorded.WithLabelValues("connected")))
}

func TestService_RecordOutcomeStateRules(t *testing.T) {
	f := newFixture(t)

	pending := f.create(t, "agent-1", "+15551234567")
	_, err := f.report(outcome(pending.ID, contract.StatusConnected))
	assert.ErrorIs(t, err, ErrConflict, "pending command was never delivered")

	_, err = f.report(outcome("does-not-exist", contract.StatusConnected))
	assert.ErrorIs(t, err, ErrNotFound)

	other := f.create(t, "agent-2", "+15551234567")
	_, ok := f.dispatch(t, "agent-2")
	require.True(t, ok)
	_, err = f.report(outcome(other.ID, contract.StatusConnected))
	assert.ErrorIs(t, err, ErrNotFound, "another owner's command is invisible")

	_, err = f.report(contract.CallOutcomeEvent{ID: " "})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.report(contract.CallOutcomeEvent{ID: pending.ID, Duration: contract.Ptr(-1)})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestService_RecordOutcomeOnCancelledKeepsStatus(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "agent-1", "+15551234567")
	_, ok := f.dispatch(t, "agent-1")
	require.True(t, ok)
	_, err := f.svc.Cancel(context.Background(), "w1", c.ID, dispatcher)
	require.NoError(t, err)

	got, err := f.report(outcome(c.ID, contract.StatusNoAnswer))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.Outcome.Status)
	assert.Equal(t, contract.StatusNoAnswer, *got.Outcome.Status)
}

func TestService_CoercedEnumsAreCountedAndAudited(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "agent-1", "+15551234567")
	_, ok := f.dispatch(t, "agent-1")
	require.True(t, ok)

	var ev contract.CallOutcomeEvent
	require.NoError(t, ev.UnmarshalJSON([]byte(`{"id":"`+c.ID+`","status":"connected","direction":"SIDEWAYS"}`)))

	got, err := f.report(ev)
	require.NoError(t, err)
	require.NotNil(t, got.Outcome.Direction)
	assert.Equal(t, contract.DirectionUnknown, *got.Outcome.Direction)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EnumsCoerced.WithLabelValues("direction")))

	coerced := f.audit.ByType(audit.EventTypeEnumCoerced)
	require.Len(t, coerced, 1)
	assert.Equal(t, c.ID, coerced[0].CommandID)
}

func TestService_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, "agent-1", "+15551234567")

	got, err := f.svc.Cancel(ctx, "w1", c.ID, dispatcher)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = f.svc.Cancel(ctx, "w1", c.ID, dispatcher)
	require.NoError(t, err, "cancel is idempotent")

	_, ok := f.dispatch(t, "agent-1")
	assert.False(t, ok, "cancelled command is never delivered")

	done := f.create(t, "agent-1", "+15551234567")
	_, ok = f.dispatch(t, "agent-1")
	require.True(t, ok)
	_, err = f.report(outcome(done.ID, contract.StatusConnected))
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, "w1", done.ID, dispatcher)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.svc.Cancel(ctx, "w2", c.ID, dispatcher)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_AuditTrail(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "agent-1", "+15551234567")
	_, ok := f.dispatch(t, "agent-1")
	require.True(t, ok)
	_, err := f.report(outcome(c.ID, contract.StatusConnected))
	require.NoError(t, err)

	var types []audit.EventType
	for _, e := range f.audit.ForCommand("w1", c.ID) {
		types = append(types, e.Type)
	}
	assert.Equal(t, []audit.EventType{
		audit.EventTypeCommandCreated,
		audit.EventTypeCommandDelivered,
		audit.EventTypeCommandConsumed,
	}, types)
}

type failingAudit struct{}

func (failingAudit) Append(context.Context, audit.Event) error { return errors.New("audit down") }

func TestService_AuditFailureDoesNotFailOperation(t *testing.T) {
	svc := NewService(NewMemoryRepo(), Options{Audit: audit.NewService(failingAudit{})})
	_, err := svc.Create(context.Background(), "w1", dispatcher, CreateRequest{OwnerUserID: "agent-1", Phone: "+15551234567"})
	assert.NoError(t, err)
}

func TestService_ListReported(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "agent-1", "+15551234567")
	f.create(t, "agent-1", "+15551234568")
	_, ok := f.dispatch(t, "agent-1")
	require.True(t, ok)
	_, err := f.report(outcome(c.ID, contract.StatusConnected))
	require.NoError(t, err)

	now := time.Now()
	rows, err := f.svc.ListReported(context.Background(), "w1", "agent-1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, c.ID, rows[0].ID)

	rows, err = f.svc.ListReported(context.Background(), "w2", "", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLocalNotifier_ReleaseStopsDelivery(t *testing.T) {
	n := NewLocalNotifier()
	ctx := context.Background()
	ch, release, err := n.Subscribe(ctx, "w1", "agent-1")
	require.NoError(t, err)

	require.NoError(t, n.Notify(ctx, "w1", "agent-2"))
	select {
	case <-ch:
		t.Fatal("notification leaked across owners")
	default:
	}

	require.NoError(t, n.Notify(ctx, "w1", "agent-1"))
	require.NoError(t, n.Notify(ctx, "w1", "agent-1"))
	select {
	case <-ch:
	default:
		t.Fatal("expected a wakeup")
	}

	release()
	release()
	require.NoError(t, n.Notify(ctx, "w1", "agent-1"))
	select {
	case <-ch:
		t.Fatal("released subscription still notified")
	default:
	}
}
