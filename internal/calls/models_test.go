package calls

import (
	"testing"
	"time"

	"dialer-bridge/internal/contract"
)

func TestCommandStatus_Terminal(t *testing.T) {
	cases := map[CommandStatus]bool{
		StatusPending:   false,
		StatusDelivered: false,
		StatusConsumed:  true,
		StatusCancelled: true,
	}
	for s, want := range cases {
		if s.Terminal() != want {
			t.Fatalf("%s: expected terminal=%v", s, want)
		}
	}
}

func TestOutcomeMerge_LegacyComputesEndTime(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ev := contract.CallOutcomeEvent{
		ID:        "abc",
		Status:    contract.Ptr(contract.StatusConnected),
		StartedAt: &start,
		Duration:  contract.Ptr(42),
	}
	o := Outcome{}.Merge(ev)
	if o.EndedAt == nil || !o.EndedAt.Equal(start.Add(42*time.Second)) {
		t.Fatalf("expected end time start+42s, got %v", o.EndedAt)
	}
	if o.Direction != nil || o.ResolveMethod != nil {
		t.Fatalf("legacy report must leave extended fields empty")
	}
}

func TestOutcomeMerge_ZeroDurationHasNoEndTime(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	o := Outcome{}.Merge(contract.CallOutcomeEvent{
		ID:        "abc",
		Status:    contract.Ptr(contract.StatusNoAnswer),
		StartedAt: &start,
		Duration:  contract.Ptr(0),
	})
	if o.EndedAt != nil {
		t.Fatalf("expected no end time for zero duration, got %v", o.EndedAt)
	}
}

func TestOutcomeMerge_StoredValuesWin(t *testing.T) {
	o := Outcome{}.Merge(contract.CallOutcomeEvent{
		ID:       "abc",
		Status:   contract.Ptr(contract.StatusConnected),
		Duration: contract.Ptr(42),
	})
	o = o.Merge(contract.CallOutcomeEvent{
		ID:       "abc",
		Status:   contract.Ptr(contract.StatusBusy),
		Duration: contract.Ptr(7),
	})
	if *o.Status != contract.StatusConnected || *o.Duration != 42 {
		t.Fatalf("expected first report to win, got %s/%d", *o.Status, *o.Duration)
	}
}

func TestOutcomeMerge_ConcreteValueRefinesUnknown(t *testing.T) {
	o := Outcome{}.Merge(contract.CallOutcomeEvent{
		ID:        "abc",
		Status:    contract.Ptr(contract.StatusUnknown),
		Direction: contract.Ptr(contract.DirectionUnknown),
	})
	o = o.Merge(contract.CallOutcomeEvent{
		ID:        "abc",
		Status:    contract.Ptr(contract.StatusConnected),
		Direction: contract.Ptr(contract.DirectionOutgoing),
	})
	if *o.Status != contract.StatusConnected || *o.Direction != contract.DirectionOutgoing {
		t.Fatalf("expected unknown to be refined, got %s/%s", *o.Status, *o.Direction)
	}

	o = o.Merge(contract.CallOutcomeEvent{ID: "abc", Status: contract.Ptr(contract.StatusUnknown)})
	if *o.Status != contract.StatusConnected {
		t.Fatalf("unknown must not overwrite a concrete value")
	}
}

func TestOutcomeMerge_DoesNotAliasEvent(t *testing.T) {
	d := 10
	ev := contract.CallOutcomeEvent{ID: "abc", Duration: &d}
	o := Outcome{}.Merge(ev)
	d = 99
	if *o.Duration != 10 {
		t.Fatalf("merged outcome aliases the event")
	}
}

func TestCallCommand_Command(t *testing.T) {
	c := CallCommand{ID: "abc", Phone: "+15551234567", Refs: map[string]string{"contact": "c1"}}
	cmd := c.Command()
	if cmd.ID != "abc" || cmd.Phone != "+15551234567" || cmd.Refs["contact"] != "c1" {
		t.Fatalf("unexpected wire command: %+v", cmd)
	}
}
