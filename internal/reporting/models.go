package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// OutcomeSummaryRequest requests aggregated outcome metrics over commands
// whose first outcome arrived within Range.
// Workspace isolation: WorkspaceID is required. An empty OwnerUserID covers
// the whole workspace.

type OutcomeSummaryRequest struct {
	WorkspaceID string    `json:"workspace_id"`
	OwnerUserID string    `json:"owner_user_id,omitempty"`
	Range       TimeRange `json:"range"`
}

type OutcomeSummary struct {
	WorkspaceID string    `json:"workspace_id"`
	OwnerUserID string    `json:"owner_user_id,omitempty"`
	Range       TimeRange `json:"range"`

	TotalReported int `json:"total_reported"`
	Connected     int `json:"connected"`
	NoAnswer      int `json:"no_answer"`
	Rejected      int `json:"rejected"`
	Missed        int `json:"missed"`
	Busy          int `json:"busy"`
	Unknown       int `json:"unknown"`

	// CancelledWithOutcome counts commands cancelled after the device had
	// already dialed.
	CancelledWithOutcome int `json:"cancelled_with_outcome"`

	// ByResolveMethod counts how outcomes were determined (event_path,
	// poll_path, unknown). Legacy reports without the field count as unknown.
	ByResolveMethod map[string]int `json:"by_resolve_method"`

	ConnectRate float64 `json:"connect_rate"`

	TotalTalkSeconds   int `json:"total_talk_seconds"`
	AverageTalkSeconds int `json:"average_talk_seconds"`
}
