package store

import (
	"time"

	"clo/api/internal/capsule"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Capsule is the shared two-party space items belong to. The invite code is
// single-use: it stops resolving once both slots are filled.
type Capsule struct {
	ID         string
	Name       string
	InviteCode string
	CreatedBy  string
	CreatedAt  time.Time
}

// CapsuleMember binds a user to a slot. The slot assignment is fixed at join
// time and never renegotiated.
type CapsuleMember struct {
	CapsuleID   string
	UserID      string
	Slot        capsule.Party
	DisplayName string
	JoinedAt    time.Time
}

// RelationshipItem is the one entity with real lifecycle semantics. Flag and
// perspective columns are only meaningful in their own stage; stale values
// from earlier stages are kept but never reinterpreted.
type RelationshipItem struct {
	ID              string
	CapsuleID       string
	Title           string
	Description     string
	Category        string
	Stage           capsule.Stage
	VoteA           capsule.Vote
	VoteB           capsule.Vote
	FeelingA        string
	NeedA           string
	WillingA        string
	CompromiseA     string
	FeelingB        string
	NeedB           string
	WillingB        string
	CompromiseB     string
	ConfirmedByA    bool
	ConfirmedByB    bool
	ResolutionNotes string
	CreatedBy       capsule.Party
	CreatedAt       time.Time
	ConfirmedAt     *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// Votes returns the planning votes keyed by slot.
func (i RelationshipItem) Votes() capsule.PairVote {
	return capsule.PairVote{A: i.VoteA, B: i.VoteB}
}

// Perspectives returns both parties' resolving statements keyed by slot.
func (i RelationshipItem) Perspectives() capsule.PairPerspective {
	return capsule.PairPerspective{
		A: capsule.Perspective{Feeling: i.FeelingA, Need: i.NeedA, Willing: i.WillingA, Compromise: i.CompromiseA},
		B: capsule.Perspective{Feeling: i.FeelingB, Need: i.NeedB, Willing: i.WillingB, Compromise: i.CompromiseB},
	}
}

// Confirmations returns the pending-decision flags keyed by slot.
func (i RelationshipItem) Confirmations() capsule.PairConfirm {
	return capsule.PairConfirm{A: i.ConfirmedByA, B: i.ConfirmedByB}
}

// ItemFieldChange names the columns an update touches. Nil fields are left
// alone, which is what keeps concurrent per-party writes from clobbering each
// other: party A's confirm only ever names confirmed_by_a.
type ItemFieldChange struct {
	Title           *string
	Description     *string
	Category        *string
	Stage           *capsule.Stage
	VoteA           *capsule.Vote
	VoteB           *capsule.Vote
	FeelingA        *string
	NeedA           *string
	WillingA        *string
	CompromiseA     *string
	FeelingB        *string
	NeedB           *string
	WillingB        *string
	CompromiseB     *string
	ConfirmedByA    *bool
	ConfirmedByB    *bool
	ResolutionNotes *string
	ConfirmedAt     *time.Time
	CompletedAt     *time.Time
}

// ItemEvent is one append-only row of an item's transition history.
type ItemEvent struct {
	ID        int64
	ItemID    string
	CapsuleID string
	Actor     capsule.Party
	Action    string
	FromStage capsule.Stage
	ToStage   capsule.Stage
	Note      string
	CreatedAt time.Time
}

// Attachment is a photo or receipt stored in object storage; the row only
// holds the object key and display metadata.
type Attachment struct {
	ID         string
	ItemID     string
	ObjectKey  string
	FileName   string
	MimeType   string
	SizeBytes  int64
	UploadedBy capsule.Party
	CreatedAt  time.Time
}

// StageCount is one row of the per-capsule counts projection.
type StageCount struct {
	Stage capsule.Stage
	Count int
}
