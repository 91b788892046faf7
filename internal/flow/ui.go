package flow

import (
	"context"

	"github.com/signalsfoundry/grn-tapestry/internal/ambiguity"
	"github.com/signalsfoundry/grn-tapestry/internal/linkops"
)

// ReviewRequest asks the user to resolve an ambiguous node change. Seed
// holds the quick-kill choices, which a reviewer usually starts from;
// Unresolved lists, per model, the link copies the seed does not answer.
type ReviewRequest struct {
	Command    Command
	Assessment linkops.Assessment
	Seed       ambiguity.Resolution
	Unresolved map[string][]string
}

// UI is the interactive side of a command.
type UI interface {
	// Confirm shows a yes/no question.
	Confirm(ctx context.Context, kind ConfirmKind, cmd Command) (bool, error)
	// Review returns the user's resolution, or ok=false when they cancel.
	Review(ctx context.Context, req ReviewRequest) (res ambiguity.Resolution, ok bool, err error)
	// Progress reports relayout progress and returns false to cancel it.
	Progress(ctx context.Context, fraction float64) bool
	// Report shows the final outcome.
	Report(ctx context.Context, res *Result)
}

// AutoUI answers every question without a user: it confirms when Confirm is
// set, completes reviews from Resolution (or the quick-kill seed with every
// unresolved copy deleted when DeleteUnresolved is set), and cancels the
// relayout after CancelAfter progress reports when that is positive.
type AutoUI struct {
	ConfirmAll       bool
	Resolution       ambiguity.Resolution
	DeleteUnresolved bool
	CancelAfter      int

	progressCalls int
	Last          *Result
}

func (u *AutoUI) Confirm(context.Context, ConfirmKind, Command) (bool, error) {
	return u.ConfirmAll, nil
}

func (u *AutoUI) Review(_ context.Context, req ReviewRequest) (ambiguity.Resolution, bool, error) {
	if u.Resolution != nil {
		return u.Resolution, true, nil
	}
	if !u.DeleteUnresolved {
		return nil, false, nil
	}
	res := make(ambiguity.Resolution)
	for modelID, links := range req.Seed {
		for linkID, nodeID := range links {
			res.Set(modelID, linkID, nodeID)
		}
	}
	for modelID, links := range req.Unresolved {
		for _, linkID := range links {
			res.Set(modelID, linkID, "")
		}
	}
	return res, true, nil
}

func (u *AutoUI) Progress(context.Context, float64) bool {
	u.progressCalls++
	return u.CancelAfter <= 0 || u.progressCalls <= u.CancelAfter
}

func (u *AutoUI) Report(_ context.Context, res *Result) {
	u.Last = res
}
