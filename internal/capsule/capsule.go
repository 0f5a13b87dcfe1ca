// Package capsule holds the pure lifecycle rules for items shared inside a
// two-party capsule. It has no I/O: the service layer loads a row, asks this
// package whether a transition is legal, and writes the outcome back.
package capsule

import "errors"

// Stage is the discriminant of an item's lifecycle state machine.
type Stage string

const (
	StagePlanning        Stage = "planning"
	StageResolving       Stage = "resolving"
	StagePendingDecision Stage = "pending_decision"
	StageConfirmed       Stage = "confirmed"
	StageCompleted       Stage = "completed"
	StageArchived        Stage = "archived"
)

var (
	// ErrInvalidTransition means the requested edge does not exist from the
	// item's current stage. Always stale client state or a caller bug.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrPreconditionNotMet means the edge exists but its gate (votes,
	// perspectives, confirmations) is not satisfied yet. Callers use this to
	// render "waiting on partner", so it must stay distinguishable from
	// ErrInvalidTransition.
	ErrPreconditionNotMet = errors.New("precondition not met")
)

// Party is one of the two fixed slots in a capsule. The identity-to-slot
// mapping is assigned when the capsule is created and never renegotiated.
type Party string

const (
	PartyA Party = "a"
	PartyB Party = "b"
)

func (p Party) Valid() bool {
	return p == PartyA || p == PartyB
}

func (p Party) Other() Party {
	if p == PartyA {
		return PartyB
	}
	return PartyA
}

// Vote is a tri-state planning decision; the zero value means "not voted".
type Vote string

const (
	VoteUnset   Vote = ""
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
)

func (v Vote) Valid() bool {
	return v == VoteApprove || v == VoteReject
}

// PairVote holds both parties' planning votes keyed by slot.
type PairVote struct {
	A Vote
	B Vote
}

func (v PairVote) Get(p Party) Vote {
	if p == PartyA {
		return v.A
	}
	return v.B
}

// BothApprove reports full agreement, the gate for promotion out of planning.
func (v PairVote) BothApprove() bool {
	return v.A == VoteApprove && v.B == VoteApprove
}

// Disagreement reports one approve and one reject. An unset vote is neither:
// a single reject only invites the parties into resolving, it never archives
// or rejects the item on its own.
func (v PairVote) Disagreement() bool {
	return (v.A == VoteApprove && v.B == VoteReject) ||
		(v.A == VoteReject && v.B == VoteApprove)
}

// Perspective is the structured statement a party submits while resolving.
// All four fields are required together.
type Perspective struct {
	Feeling    string
	Need       string
	Willing    string
	Compromise string
}

func (p Perspective) Complete() bool {
	return p.Feeling != "" && p.Need != "" && p.Willing != "" && p.Compromise != ""
}

// PairPerspective holds both parties' perspectives keyed by slot.
type PairPerspective struct {
	A Perspective
	B Perspective
}

func (p PairPerspective) Get(party Party) Perspective {
	if party == PartyA {
		return p.A
	}
	return p.B
}

func (p PairPerspective) BothComplete() bool {
	return p.A.Complete() && p.B.Complete()
}

// PairConfirm holds both parties' pending-decision confirmations.
type PairConfirm struct {
	A bool
	B bool
}

func (c PairConfirm) Get(p Party) bool {
	if p == PartyA {
		return c.A
	}
	return c.B
}

func (c PairConfirm) Both() bool {
	return c.A && c.B
}

// Terminal reports whether no operation may change the item's stage again.
func Terminal(s Stage) bool {
	return s == StageCompleted || s == StageArchived
}

func ValidStage(s Stage) bool {
	switch s {
	case StagePlanning, StageResolving, StagePendingDecision, StageConfirmed, StageCompleted, StageArchived:
		return true
	}
	return false
}

// CanVote gates the vote operation: votes only exist in planning.
func CanVote(s Stage) error {
	if s != StagePlanning {
		return ErrInvalidTransition
	}
	return nil
}

// CanRequestResolving gates the explicit planning -> resolving move. The
// engine never takes this edge automatically on disagreement; a party must
// ask for it.
func CanRequestResolving(s Stage) error {
	if s != StagePlanning {
		return ErrInvalidTransition
	}
	return nil
}

// CanSubmitPerspective gates perspective writes: resolving only.
func CanSubmitPerspective(s Stage) error {
	if s != StageResolving {
		return ErrInvalidTransition
	}
	return nil
}

// CanPromote checks the edge itself: promotion into pending_decision exists
// only from planning and resolving. The stage-specific gate is PromoteReady.
func CanPromote(s Stage) error {
	if s != StagePlanning && s != StageResolving {
		return ErrInvalidTransition
	}
	return nil
}

// PromoteReady checks the stage-specific promotion gate: full agreement when
// leaving planning, two complete perspectives when leaving resolving.
func PromoteReady(s Stage, votes PairVote, perspectives PairPerspective) error {
	if err := CanPromote(s); err != nil {
		return err
	}
	switch s {
	case StagePlanning:
		if !votes.BothApprove() {
			return ErrPreconditionNotMet
		}
	case StageResolving:
		if !perspectives.BothComplete() {
			return ErrPreconditionNotMet
		}
	}
	return nil
}

// CanConfirm gates per-party confirmation: pending_decision only.
func CanConfirm(s Stage) error {
	if s != StagePendingDecision {
		return ErrInvalidTransition
	}
	return nil
}

// CanComplete gates completion: confirmed only.
func CanComplete(s Stage) error {
	if s != StageConfirmed {
		return ErrInvalidTransition
	}
	return nil
}

// CanArchive gates archival: any non-terminal stage. Archived is a soft
// delete and a dead end; there is no un-archive.
func CanArchive(s Stage) error {
	if Terminal(s) {
		return ErrInvalidTransition
	}
	return nil
}

// CountsByStage tallies items per stage. It is recomputed from the full
// collection on every call so it can never drift from the store.
func CountsByStage(stages []Stage) map[Stage]int {
	counts := make(map[Stage]int, 6)
	for _, s := range stages {
		counts[s]++
	}
	return counts
}
