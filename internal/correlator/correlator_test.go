package correlator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dialer-bridge/internal/calllog"
	"dialer-bridge/internal/contract"
	"dialer-bridge/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLog struct {
	mu      sync.Mutex
	entries []calllog.Entry
	reads   int
	err     error
}

func (f *fakeLog) add(e calllog.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

func (f *fakeLog) ReadEntries(_ context.Context, since, until time.Time) ([]calllog.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	var out []calllog.Entry
	for _, e := range f.entries {
		if !e.Timestamp.Before(since) && !e.Timestamp.After(until) {
			out = append(out, e)
		}
	}
	return out, nil
}

type sink struct {
	mu    sync.Mutex
	calls []ledger.PendingCall
	done  chan struct{}
}

func newSink() *sink { return &sink{done: make(chan struct{}, 16)} }

func (s *sink) record(pc ledger.PendingCall) {
	s.mu.Lock()
	s.calls = append(s.calls, pc)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *sink) wait(t *testing.T) ledger.PendingCall {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for terminal call")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

var fastOffsets = []time.Duration{40 * time.Millisecond, 80 * time.Millisecond, 120 * time.Millisecond}

func TestEventPath_ResolvesScenarioCall(t *testing.T) {
	s := newSink()
	l := ledger.New(3, s.record)
	log := &fakeLog{}
	m := NewMatcher(log, DefaultWindow, nil)
	ev := NewEventPath(l, m, nil)

	start := time.Now()
	_, err := l.Begin("abc", "+15551234567", start, contract.SourceServerCommand)
	require.NoError(t, err)

	assert.Equal(t, 0, ev.OnChange(context.Background()))

	log.add(calllog.Entry{Number: "+1 555 123 4567", Type: calllog.TypeOutgoing, DurationSeconds: 42, Timestamp: start.Add(time.Second)})
	assert.Equal(t, 1, ev.OnChange(context.Background()))

	pc := s.wait(t)
	assert.Equal(t, ledger.StateResolved, pc.State)
	out := pc.Outcome()
	assert.Equal(t, contract.StatusConnected, *out.Status)
	assert.Equal(t, contract.DirectionOutgoing, *out.Direction)
	assert.Equal(t, 42, *out.Duration)
	assert.Equal(t, contract.ResolveEventPath, *out.ResolveMethod)
}

func TestEventPath_OneEntryResolvesOneCall(t *testing.T) {
	s := newSink()
	l := ledger.New(3, s.record)
	log := &fakeLog{}
	ev := NewEventPath(l, NewMatcher(log, DefaultWindow, nil), nil)

	start := time.Now()
	_, _ = l.Begin("first", "+15551234567", start.Add(-30*time.Second), contract.SourceServerCommand)
	_, _ = l.Begin("second", "+15551234567", start, contract.SourceServerCommand)
	log.add(calllog.Entry{Number: "+15551234567", Type: calllog.TypeOutgoing, DurationSeconds: 9, Timestamp: start.Add(time.Second)})

	assert.Equal(t, 1, ev.OnChange(context.Background()))
	pc := s.wait(t)
	assert.Equal(t, "second", pc.ID)

	first, ok := l.Get("first")
	require.True(t, ok)
	assert.Equal(t, ledger.StateResolving, first.State)
}

func TestEventPath_RunStopsOnCancel(t *testing.T) {
	l := ledger.New(3, nil)
	ev := NewEventPath(l, NewMatcher(&fakeLog{}, DefaultWindow, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ev.Run(ctx, make(chan struct{})) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestPollPath_ResolvesOnLaterAttempt(t *testing.T) {
	s := newSink()
	l := ledger.New(len(fastOffsets), s.record)
	log := &fakeLog{}
	p := NewPollPath(l, NewMatcher(log, DefaultWindow, nil), fastOffsets, nil)

	start := time.Now()
	pc, err := l.Begin("abc", "+15551234567", start, contract.SourceServerCommand)
	require.NoError(t, err)
	p.Schedule(context.Background(), pc)

	time.Sleep(60 * time.Millisecond)
	log.add(calllog.Entry{Number: "+15551234567", Type: calllog.TypeOutgoing, DurationSeconds: 42, Timestamp: start})

	got := s.wait(t)
	p.Wait()
	assert.Equal(t, ledger.StateResolved, got.State)
	assert.Equal(t, contract.ResolvePollPath, got.Method)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, contract.StatusConnected, got.Resolution.Status)
	assert.Equal(t, contract.DirectionOutgoing, got.Resolution.Direction)
}

func TestPollPath_GivesUpAfterAllAttempts(t *testing.T) {
	s := newSink()
	l := ledger.New(len(fastOffsets), s.record)
	log := &fakeLog{}
	p := NewPollPath(l, NewMatcher(log, DefaultWindow, nil), fastOffsets, nil)

	pc, _ := l.Begin("abc", "+15551234567", time.Now(), contract.SourceServerCommand)
	p.Schedule(context.Background(), pc)

	got := s.wait(t)
	p.Wait()
	assert.Equal(t, ledger.StateFailed, got.State)
	assert.Equal(t, 3, got.Attempts)
	out := got.Outcome()
	assert.Equal(t, contract.StatusUnknown, *out.Status)
	assert.Equal(t, contract.ResolveUnknown, *out.ResolveMethod)
	assert.Equal(t, 3, *out.Attempts)
	assert.Equal(t, 3, log.reads)
}

func TestPollPath_ReadErrorsStillCountTowardsCap(t *testing.T) {
	s := newSink()
	l := ledger.New(len(fastOffsets), s.record)
	log := &fakeLog{err: errors.New("permission denied")}
	p := NewPollPath(l, NewMatcher(log, DefaultWindow, nil), fastOffsets, nil)

	pc, _ := l.Begin("abc", "+15551234567", time.Now(), contract.SourceServerCommand)
	p.Schedule(context.Background(), pc)

	got := s.wait(t)
	assert.Equal(t, ledger.StateFailed, got.State)
	assert.Equal(t, 3, got.Attempts)
}

func TestPollPath_SkipsWhenEventPathWon(t *testing.T) {
	s := newSink()
	l := ledger.New(len(fastOffsets), s.record)
	log := &fakeLog{}
	m := NewMatcher(log, DefaultWindow, nil)
	p := NewPollPath(l, m, fastOffsets, nil)
	ev := NewEventPath(l, m, nil)

	start := time.Now()
	pc, _ := l.Begin("abc", "+15551234567", start, contract.SourceServerCommand)
	p.Schedule(context.Background(), pc)

	log.add(calllog.Entry{Number: "+15551234567", Type: calllog.TypeOutgoing, DurationSeconds: 42, Timestamp: start})
	ev.OnChange(context.Background())

	got := s.wait(t)
	p.Wait()
	assert.Equal(t, contract.ResolveEventPath, got.Method)
	assert.Equal(t, contract.StatusConnected, got.Resolution.Status)
	assert.Equal(t, contract.DirectionOutgoing, got.Resolution.Direction)

	select {
	case <-s.done:
		t.Fatal("poll path must not produce a second terminal transition")
	default:
	}
}

func TestPollPath_CancelAbandonsWithoutResolving(t *testing.T) {
	l := ledger.New(3, nil)
	p := NewPollPath(l, NewMatcher(&fakeLog{}, DefaultWindow, nil), []time.Duration{time.Hour}, nil)

	pc, _ := l.Begin("abc", "+15551234567", time.Now(), contract.SourceServerCommand)
	ctx, cancel := context.WithCancel(context.Background())
	p.Schedule(ctx, pc)
	cancel()
	p.Wait()

	got, ok := l.Get("abc")
	require.True(t, ok)
	assert.Equal(t, ledger.StatePending, got.State)
}

func TestEventPath_EntryNotReusedAcrossPasses(t *testing.T) {
	s := newSink()
	l := ledger.New(3, s.record)
	log := &fakeLog{}
	ev := NewEventPath(l, NewMatcher(log, DefaultWindow, nil), nil)

	t0 := time.Now().Add(-time.Minute)
	_, _ = l.Begin("first", "+15551234567", t0, contract.SourceServerCommand)
	log.add(calllog.Entry{Number: "+15551234567", Type: calllog.TypeOutgoing, DurationSeconds: 30, Timestamp: t0})
	require.Equal(t, 1, ev.OnChange(context.Background()))
	assert.Equal(t, "first", s.wait(t).ID)

	_, _ = l.Begin("redial", "+15551234567", t0.Add(time.Minute), contract.SourceServerCommand)
	assert.Equal(t, 0, ev.OnChange(context.Background()))
	pc, ok := l.Get("redial")
	require.True(t, ok)
	assert.Equal(t, ledger.StateResolving, pc.State)
}

func TestPollPath_RedialWaitsForItsOwnEntry(t *testing.T) {
	s := newSink()
	l := ledger.New(len(fastOffsets), s.record)
	log := &fakeLog{}
	m := NewMatcher(log, DefaultWindow, nil)
	p := NewPollPath(l, m, fastOffsets, nil)

	t0 := time.Now().Add(-time.Minute)
	_, _ = l.Begin("first", "+15551234567", t0, contract.SourceServerCommand)
	log.add(calllog.Entry{Number: "+15551234567", Type: calllog.TypeOutgoing, DurationSeconds: 30, Timestamp: t0})
	require.Equal(t, 1, NewEventPath(l, m, nil).OnChange(context.Background()))
	s.wait(t)

	start := time.Now()
	pc, err := l.Begin("redial", "+1 555 123 4567", start, contract.SourceServerCommand)
	require.NoError(t, err)
	p.Schedule(context.Background(), pc)

	time.Sleep(60 * time.Millisecond)
	log.add(calllog.Entry{Number: "+15551234567", Type: calllog.TypeOutgoing, DurationSeconds: 7, Timestamp: start.Add(time.Second)})

	got := s.wait(t)
	p.Wait()
	assert.Equal(t, "redial", got.ID)
	assert.Equal(t, ledger.StateResolved, got.State)
	assert.Equal(t, 7, got.Resolution.Duration)
	assert.True(t, got.Resolution.StartedAt.Equal(start.Add(time.Second)))
}

func TestPollPath_RedialWithoutNewEntryGivesUp(t *testing.T) {
	s := newSink()
	l := ledger.New(len(fastOffsets), s.record)
	log := &fakeLog{}
	m := NewMatcher(log, DefaultWindow, nil)

	t0 := time.Now().Add(-time.Minute)
	_, _ = l.Begin("first", "+15551234567", t0, contract.SourceServerCommand)
	log.add(calllog.Entry{Number: "+15551234567", Type: calllog.TypeOutgoing, DurationSeconds: 30, Timestamp: t0})
	require.Equal(t, 1, NewEventPath(l, m, nil).OnChange(context.Background()))
	s.wait(t)

	p := NewPollPath(l, m, fastOffsets, nil)
	pc, _ := l.Begin("redial", "+15551234567", time.Now(), contract.SourceServerCommand)
	p.Schedule(context.Background(), pc)

	got := s.wait(t)
	p.Wait()
	assert.Equal(t, "redial", got.ID)
	assert.Equal(t, ledger.StateFailed, got.State)
}
