// Package flow drives the relocation commands as explicit state machines.
// Next is a pure transition function from a state and an event to the next
// state and the effects to run; the Driver executes those effects against
// the document, the undo ledger, the background runner and the UI, and
// feeds their results back in as events.
package flow

import (
	"errors"

	"github.com/signalsfoundry/grn-tapestry/internal/ambiguity"
	"github.com/signalsfoundry/grn-tapestry/internal/linkops"
	"github.com/signalsfoundry/grn-tapestry/internal/propagate"
	"github.com/signalsfoundry/grn-tapestry/internal/reconcile"
	"github.com/signalsfoundry/grn-tapestry/internal/relayout"
	"github.com/signalsfoundry/grn-tapestry/model"
)

// CommandKind selects a relocation command.
type CommandKind int

const (
	CmdChangeNode CommandKind = iota
	CmdChangePad
	CmdSwapPads
	CmdRelocateSeg
)

func (k CommandKind) String() string {
	switch k {
	case CmdChangeNode:
		return "change_node"
	case CmdChangePad:
		return "change_pad"
	case CmdSwapPads:
		return "swap_pads"
	case CmdRelocateSeg:
		return "relocate_segment"
	default:
		return "unknown"
	}
}

// Command is one user gesture.
type Command struct {
	Kind    CommandKind
	ModelID string

	// CmdChangeNode.
	Node linkops.ChangeNodeRequest

	// CmdChangePad and CmdSwapPads.
	LinkID string
	End    model.LinkEnd
	Pad    int

	// CmdSwapPads.
	OtherLinkID string
	OtherEnd    model.LinkEnd

	// CmdRelocateSeg.
	TreeID    string
	Item      string
	NewParent string
}

// Tag names a state.
type Tag int

const (
	TagBiWarning Tag = iota
	TagSetToMode
	TagChangeLinkSourceNode
	TagChangeLinkTargetNode
	TagApply
	TagRelayoutRunning
	TagCleanUpPostRepaint
	TagAccept
	TagReject
	TagCancelled
)

func (t Tag) String() string {
	switch t {
	case TagBiWarning:
		return "bi_warning"
	case TagSetToMode:
		return "set_to_mode"
	case TagChangeLinkSourceNode:
		return "change_link_source_node"
	case TagChangeLinkTargetNode:
		return "change_link_target_node"
	case TagApply:
		return "apply"
	case TagRelayoutRunning:
		return "relayout_running"
	case TagCleanUpPostRepaint:
		return "clean_up_post_repaint"
	case TagAccept:
		return "accept"
	case TagReject:
		return "reject"
	case TagCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events are accepted.
func (t Tag) Terminal() bool {
	return t == TagAccept || t == TagReject || t == TagCancelled
}

// State is the position of one command in its machine plus the data
// gathered so far.
type State struct {
	Tag Tag
	Cmd Command

	Assessment linkops.Assessment
	Confirmed  bool
	Requests   []reconcile.GlobalLinkRequest
	Reason     string
}

// Start returns the initial state of cmd.
func Start(cmd Command) State {
	if cmd.Kind == CmdChangeNode {
		return State{Tag: TagBiWarning, Cmd: cmd}
	}
	return State{Tag: TagSetToMode, Cmd: cmd}
}

// EventKind names an event.
type EventKind int

const (
	EvContinue EventKind = iota
	EvConfirmed
	EvDeclined
	EvReviewed
	EvApplied
	EvRejected
	EvRelayoutDone
	EvFinished
)

// Event is fed to Next.
type Event struct {
	Kind       EventKind
	Resolution ambiguity.Resolution
	Requests   []reconcile.GlobalLinkRequest
	Routing    relayout.RoutingResult
	Cancelled  bool
}

// ConfirmKind names what a confirmation dialog asks about.
type ConfirmKind int

const (
	// ConfirmPropagation warns that the change reaches instance models.
	ConfirmPropagation ConfirmKind = iota
	// ConfirmRegionChange warns that links move between groups.
	ConfirmRegionChange
	// ConfirmCollapse warns that links from several groups merge on one node.
	ConfirmCollapse
)

// EffectKind names an effect.
type EffectKind int

const (
	AskConfirm EffectKind = iota
	AskReview
	Apply
	RunRelayout
	Finish
	Report
)

// Effect is work the Driver performs on behalf of a transition.
type Effect struct {
	Kind     EffectKind
	Confirm  ConfirmKind
	Requests []reconcile.GlobalLinkRequest
}

// Env answers the read-only questions transitions ask of the document.
// linkops.LinkSupport satisfies it.
type Env interface {
	Assess(req linkops.ChangeNodeRequest) linkops.Assessment
	Validate(req linkops.ChangeNodeRequest) error
	InstanceCopies(linkIDs []string) int
}

// Next is the transition function. Unknown (state, event) pairs leave the
// state unchanged with no effects; the Driver treats that as a stall.
func Next(env Env, s State, ev Event) (State, []Effect) {
	if s.Tag.Terminal() {
		return s, nil
	}
	if s.Cmd.Kind == CmdChangeNode {
		return nextChangeNode(env, s, ev)
	}
	return nextPadCommand(s, ev)
}

func nextChangeNode(env Env, s State, ev Event) (State, []Effect) {
	switch s.Tag {
	case TagBiWarning:
		switch ev.Kind {
		case EvContinue:
			if env.InstanceCopies(s.Cmd.Node.LinkIDs) > 0 {
				return s, []Effect{{Kind: AskConfirm, Confirm: ConfirmPropagation}}
			}
			s.Tag = TagSetToMode
			return s, nil
		case EvConfirmed:
			s.Tag = TagSetToMode
			return s, nil
		case EvDeclined:
			return cancel(s, "propagation declined")
		}

	case TagSetToMode:
		if ev.Kind != EvContinue {
			break
		}
		if err := env.Validate(s.Cmd.Node); err != nil && !errors.Is(err, propagate.ErrResolutionRequired) {
			return reject(s, err.Error())
		}
		s.Assessment = env.Assess(s.Cmd.Node)
		if s.Cmd.Node.End == model.EndSource {
			s.Tag = TagChangeLinkSourceNode
		} else {
			s.Tag = TagChangeLinkTargetNode
		}
		return s, nil

	case TagChangeLinkSourceNode, TagChangeLinkTargetNode:
		switch ev.Kind {
		case EvContinue:
			if s.Assessment.NeedsReview() && s.Cmd.Node.Resolution == nil {
				return s, []Effect{{Kind: AskReview}}
			}
			if !s.Confirmed {
				switch s.Assessment.Mode {
				case ambiguity.UnambiguousCollapse:
					return s, []Effect{{Kind: AskConfirm, Confirm: ConfirmCollapse}}
				case ambiguity.UnambiguousRegionChange:
					return s, []Effect{{Kind: AskConfirm, Confirm: ConfirmRegionChange}}
				}
			}
			return s, []Effect{{Kind: Apply}}
		case EvReviewed:
			s.Cmd.Node.Resolution = ev.Resolution
			s.Confirmed = true
			return s, nil
		case EvConfirmed:
			s.Confirmed = true
			return s, nil
		case EvDeclined:
			return cancel(s, "change declined")
		case EvRejected:
			return reject(s, "change not applicable")
		case EvApplied:
			s.Requests = ev.Requests
			if len(ev.Requests) > 0 {
				s.Tag = TagRelayoutRunning
				return s, []Effect{{Kind: RunRelayout, Requests: ev.Requests}}
			}
			s.Tag = TagCleanUpPostRepaint
			return s, []Effect{{Kind: Finish}}
		}

	case TagRelayoutRunning:
		if ev.Kind == EvRelayoutDone {
			// Cancelled relayout keeps the applied change.
			s.Tag = TagCleanUpPostRepaint
			return s, []Effect{{Kind: Finish}}
		}

	case TagCleanUpPostRepaint:
		if ev.Kind == EvFinished {
			s.Tag = TagAccept
			return s, []Effect{{Kind: Report}}
		}
	}
	return s, nil
}

func nextPadCommand(s State, ev Event) (State, []Effect) {
	switch s.Tag {
	case TagSetToMode:
		if ev.Kind == EvContinue {
			s.Tag = TagApply
			return s, []Effect{{Kind: Apply}}
		}
	case TagApply:
		switch ev.Kind {
		case EvApplied:
			s.Tag = TagAccept
			return s, []Effect{{Kind: Finish}, {Kind: Report}}
		case EvRejected:
			return reject(s, "no valid target at the pick point")
		}
	}
	return s, nil
}

func reject(s State, reason string) (State, []Effect) {
	s.Tag = TagReject
	s.Reason = reason
	return s, []Effect{{Kind: Report}}
}

func cancel(s State, reason string) (State, []Effect) {
	s.Tag = TagCancelled
	s.Reason = reason
	return s, []Effect{{Kind: Report}}
}
