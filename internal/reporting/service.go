package reporting

import (
	"context"
	"errors"
	"time"

	"dialer-bridge/internal/calls"
	"dialer-bridge/internal/contract"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// MaxRange bounds a single summary query.
const MaxRange = 92 * 24 * time.Hour

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Methods must enforce workspace filtering.
// - calls.Repository and calls.Service both satisfy it.

type Repository interface {
	ListReported(ctx context.Context, workspaceID, ownerUserID string, from, to time.Time) ([]calls.CallCommand, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) OutcomeSummary(ctx context.Context, req OutcomeSummaryRequest) (OutcomeSummary, error) {
	if req.WorkspaceID == "" {
		return OutcomeSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return OutcomeSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > MaxRange {
		return OutcomeSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return OutcomeSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListReported(ctx, req.WorkspaceID, req.OwnerUserID, req.Range.From, req.Range.To)
	if err != nil {
		return OutcomeSummary{}, err
	}

	out := OutcomeSummary{
		WorkspaceID:     req.WorkspaceID,
		OwnerUserID:     req.OwnerUserID,
		Range:           req.Range,
		ByResolveMethod: map[string]int{},
	}
	for _, c := range rows {
		out.TotalReported++
		if c.Status == calls.StatusCancelled {
			out.CancelledWithOutcome++
		}

		method := contract.ResolveUnknown
		if c.Outcome.ResolveMethod != nil {
			method = *c.Outcome.ResolveMethod
		}
		out.ByResolveMethod[string(method)]++

		status := contract.StatusUnknown
		if c.Outcome.Status != nil {
			status = *c.Outcome.Status
		}
		switch status {
		case contract.StatusConnected:
			out.Connected++
			if c.Outcome.Duration != nil {
				out.TotalTalkSeconds += *c.Outcome.Duration
			}
		case contract.StatusNoAnswer:
			out.NoAnswer++
		case contract.StatusRejected:
			out.Rejected++
		case contract.StatusMissed:
			out.Missed++
		case contract.StatusBusy:
			out.Busy++
		default:
			out.Unknown++
		}
	}
	if out.TotalReported > 0 {
		out.ConnectRate = float64(out.Connected) / float64(out.TotalReported)
	}
	if out.Connected > 0 {
		out.AverageTalkSeconds = out.TotalTalkSeconds / out.Connected
	}
	return out, nil
}
