package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"clo/api/internal/capsule"
	"clo/api/internal/config"
	"clo/api/internal/store"
)

type fakeStore struct {
	users       map[string]store.User
	capsules    map[string]store.Capsule
	members     map[string][]store.CapsuleMember
	items       map[string]store.RelationshipItem
	events      map[string][]store.ItemEvent
	attachments map[string][]store.Attachment
	refresh     map[string]string
	revoked     map[string]bool

	// changes records every UpdateItemFields call so tests can assert which
	// columns an operation touched.
	changes     []store.ItemFieldChange
	nextEventID int64

	updateItemFieldsFn func(context.Context, string, store.ItemFieldChange) (store.RelationshipItem, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[string]store.User{},
		capsules:    map[string]store.Capsule{},
		members:     map[string][]store.CapsuleMember{},
		items:       map[string]store.RelationshipItem{},
		events:      map[string][]store.ItemEvent{},
		attachments: map[string][]store.Attachment{},
		refresh:     map[string]string{},
		revoked:     map[string]bool{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return f.GetUserByID(context.Background(), userID)
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	return f.revoked[jti], nil
}

func (f *fakeStore) InsertCapsule(_ context.Context, item store.Capsule) error {
	item.CreatedAt = time.Now()
	f.capsules[item.ID] = item
	return nil
}

func (f *fakeStore) GetCapsule(_ context.Context, capsuleID string) (store.Capsule, error) {
	item, ok := f.capsules[capsuleID]
	if !ok {
		return store.Capsule{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) GetCapsuleByInviteCode(_ context.Context, inviteCode string) (store.Capsule, error) {
	for _, item := range f.capsules {
		if item.InviteCode == inviteCode && len(f.members[item.ID]) < 2 {
			return item, nil
		}
	}
	return store.Capsule{}, sql.ErrNoRows
}

func (f *fakeStore) AddCapsuleMember(_ context.Context, member store.CapsuleMember) error {
	member.JoinedAt = time.Now()
	if user, ok := f.users[member.UserID]; ok {
		member.DisplayName = user.DisplayName
	}
	f.members[member.CapsuleID] = append(f.members[member.CapsuleID], member)
	return nil
}

func (f *fakeStore) GetMemberSlot(_ context.Context, capsuleID, userID string) (capsule.Party, error) {
	for _, member := range f.members[capsuleID] {
		if member.UserID == userID {
			return member.Slot, nil
		}
	}
	return "", sql.ErrNoRows
}

func (f *fakeStore) CapsuleMemberCount(_ context.Context, capsuleID string) (int, error) {
	return len(f.members[capsuleID]), nil
}

func (f *fakeStore) ListCapsuleMembers(_ context.Context, capsuleID string) ([]store.CapsuleMember, error) {
	return f.members[capsuleID], nil
}

func (f *fakeStore) ListCapsulesForUser(_ context.Context, userID string) ([]store.Capsule, error) {
	var out []store.Capsule
	for capsuleID, members := range f.members {
		for _, member := range members {
			if member.UserID == userID {
				out = append(out, f.capsules[capsuleID])
			}
		}
	}
	return out, nil
}

func (f *fakeStore) InsertItem(_ context.Context, item store.RelationshipItem) (store.RelationshipItem, error) {
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.items[item.ID] = item
	return item, nil
}

func (f *fakeStore) GetItem(_ context.Context, itemID string) (store.RelationshipItem, error) {
	item, ok := f.items[itemID]
	if !ok {
		return store.RelationshipItem{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) ListItems(_ context.Context, capsuleID string, stage capsule.Stage) ([]store.RelationshipItem, error) {
	var out []store.RelationshipItem
	for _, item := range f.items {
		if item.CapsuleID != capsuleID {
			continue
		}
		if stage != "" && item.Stage != stage {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// UpdateItemFields mirrors the column semantics of the real store: only the
// named fields change, everything else is untouched.
func (f *fakeStore) UpdateItemFields(ctx context.Context, itemID string, change store.ItemFieldChange) (store.RelationshipItem, error) {
	f.changes = append(f.changes, change)
	if f.updateItemFieldsFn != nil {
		return f.updateItemFieldsFn(ctx, itemID, change)
	}
	item, ok := f.items[itemID]
	if !ok {
		return store.RelationshipItem{}, sql.ErrNoRows
	}
	applyChange(&item, change)
	item.UpdatedAt = time.Now()
	f.items[itemID] = item
	return item, nil
}

func applyChange(item *store.RelationshipItem, change store.ItemFieldChange) {
	if change.Title != nil {
		item.Title = *change.Title
	}
	if change.Description != nil {
		item.Description = *change.Description
	}
	if change.Category != nil {
		item.Category = *change.Category
	}
	if change.Stage != nil {
		item.Stage = *change.Stage
	}
	if change.VoteA != nil {
		item.VoteA = *change.VoteA
	}
	if change.VoteB != nil {
		item.VoteB = *change.VoteB
	}
	if change.FeelingA != nil {
		item.FeelingA = *change.FeelingA
	}
	if change.NeedA != nil {
		item.NeedA = *change.NeedA
	}
	if change.WillingA != nil {
		item.WillingA = *change.WillingA
	}
	if change.CompromiseA != nil {
		item.CompromiseA = *change.CompromiseA
	}
	if change.FeelingB != nil {
		item.FeelingB = *change.FeelingB
	}
	if change.NeedB != nil {
		item.NeedB = *change.NeedB
	}
	if change.WillingB != nil {
		item.WillingB = *change.WillingB
	}
	if change.CompromiseB != nil {
		item.CompromiseB = *change.CompromiseB
	}
	if change.ConfirmedByA != nil {
		item.ConfirmedByA = *change.ConfirmedByA
	}
	if change.ConfirmedByB != nil {
		item.ConfirmedByB = *change.ConfirmedByB
	}
	if change.ResolutionNotes != nil {
		item.ResolutionNotes = *change.ResolutionNotes
	}
	if change.ConfirmedAt != nil {
		item.ConfirmedAt = change.ConfirmedAt
	}
	if change.CompletedAt != nil {
		item.CompletedAt = change.CompletedAt
	}
}

func (f *fakeStore) CountItemsByStage(_ context.Context, capsuleID string) ([]store.StageCount, error) {
	counts := map[capsule.Stage]int{}
	for _, item := range f.items {
		if item.CapsuleID == capsuleID {
			counts[item.Stage]++
		}
	}
	var out []store.StageCount
	for stage, count := range counts {
		out = append(out, store.StageCount{Stage: stage, Count: count})
	}
	return out, nil
}

func (f *fakeStore) InsertItemEvent(_ context.Context, event store.ItemEvent) (store.ItemEvent, error) {
	f.nextEventID++
	event.ID = f.nextEventID
	event.CreatedAt = time.Now()
	f.events[event.ItemID] = append(f.events[event.ItemID], event)
	return event, nil
}

func (f *fakeStore) ListItemEvents(_ context.Context, itemID string) ([]store.ItemEvent, error) {
	return f.events[itemID], nil
}

func (f *fakeStore) InsertAttachment(_ context.Context, attachment store.Attachment) error {
	attachment.CreatedAt = time.Now()
	f.attachments[attachment.ItemID] = append(f.attachments[attachment.ItemID], attachment)
	return nil
}

func (f *fakeStore) ListAttachments(_ context.Context, itemID string) ([]store.Attachment, error) {
	return f.attachments[itemID], nil
}

// ---- helpers ----

const (
	userA     = "usr_a"
	userB     = "usr_b"
	capsuleID = "cap_1"
)

func newPairedService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	fake := newFakeStore()
	fake.users[userA] = store.User{ID: userA, DisplayName: "Sam", Email: "sam@example.com"}
	fake.users[userB] = store.User{ID: userB, DisplayName: "Alex", Email: "alex@example.com"}
	fake.capsules[capsuleID] = store.Capsule{ID: capsuleID, Name: "Sam & Alex", InviteCode: "ABCD-EFGH", CreatedBy: userA, CreatedAt: time.Now()}
	fake.members[capsuleID] = []store.CapsuleMember{
		{CapsuleID: capsuleID, UserID: userA, Slot: capsule.PartyA, DisplayName: "Sam", JoinedAt: time.Now()},
		{CapsuleID: capsuleID, UserID: userB, Slot: capsule.PartyB, DisplayName: "Alex", JoinedAt: time.Now()},
	}
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
	}
	return &Service{cfg: cfg, store: fake, sessions: fake}, fake
}

func mustCreateItem(t *testing.T, svc *Service, userID string) string {
	t.Helper()
	payload, err := svc.CreateItem(context.Background(), userID, capsuleID, CreateItemRequest{
		Title:    "Trip to Paris",
		Category: "trip",
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return payload["id"].(string)
}

func itemStage(t *testing.T, fake *fakeStore, itemID string) capsule.Stage {
	t.Helper()
	item, err := fake.GetItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	return item.Stage
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Code
}

// ---- lifecycle tests ----

func TestCreateItemStartsInPlanning(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)

	itemID := mustCreateItem(t, svc, userA)

	item, err := fake.GetItem(ctx, itemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Stage != capsule.StagePlanning {
		t.Errorf("stage = %s, want planning", item.Stage)
	}
	if item.CreatedBy != capsule.PartyA {
		t.Errorf("createdBy = %s, want a", item.CreatedBy)
	}
	if item.VoteA != capsule.VoteUnset || item.VoteB != capsule.VoteUnset {
		t.Error("new items must start with both votes unset")
	}

	view, err := svc.GetItemView(ctx, userB, itemID)
	if err != nil {
		t.Fatalf("partner view: %v", err)
	}
	if view["mySlot"] != "b" {
		t.Errorf("partner view mySlot = %v", view["mySlot"])
	}
}

func TestCreateItemValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newPairedService(t)

	if _, err := svc.CreateItem(ctx, userA, capsuleID, CreateItemRequest{Title: "  "}); err == nil {
		t.Error("blank title should be rejected")
	}
	if _, err := svc.CreateItem(ctx, userA, capsuleID, CreateItemRequest{Title: "x", Category: "unicorns"}); err == nil {
		t.Error("unknown category should be rejected")
	}

	// Empty category defaults to general.
	payload, err := svc.CreateItem(ctx, userA, capsuleID, CreateItemRequest{Title: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if payload["category"] != "general" {
		t.Errorf("category = %v, want general", payload["category"])
	}
}

func TestNonMemberIsForbidden(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	fake.users["usr_c"] = store.User{ID: "usr_c", DisplayName: "Casey"}

	itemID := mustCreateItem(t, svc, userA)

	if _, err := svc.GetItemView(ctx, "usr_c", itemID); domainCode(t, err) != "FORBIDDEN" {
		t.Errorf("non-member read should be FORBIDDEN, got %v", err)
	}
	if _, err := svc.Vote(ctx, "usr_c", itemID, capsule.VoteApprove); domainCode(t, err) != "FORBIDDEN" {
		t.Errorf("non-member vote should be FORBIDDEN, got %v", err)
	}

	// Missing capsule is NOT_FOUND, not FORBIDDEN.
	if _, err := svc.ListItems(ctx, userA, "cap_missing", ""); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing capsule should surface sql.ErrNoRows, got %v", err)
	}
}

func TestVoteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	itemID := mustCreateItem(t, svc, userA)

	if _, err := svc.Vote(ctx, userA, itemID, capsule.VoteApprove); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if _, err := svc.Vote(ctx, userA, itemID, capsule.VoteApprove); err != nil {
		t.Fatalf("repeat vote: %v", err)
	}

	item, _ := fake.GetItem(ctx, itemID)
	if item.VoteA != capsule.VoteApprove {
		t.Errorf("voteA = %s", item.VoteA)
	}
	if item.VoteB != capsule.VoteUnset {
		t.Errorf("voteB must stay unset, got %s", item.VoteB)
	}

	// The repeat vote must not write or append a second voted event.
	voted := 0
	for _, event := range fake.events[itemID] {
		if event.Action == "voted" {
			voted++
		}
	}
	if voted != 1 {
		t.Errorf("voted events = %d, want 1", voted)
	}
}

func TestVoteOnlyTouchesOwnColumn(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	itemID := mustCreateItem(t, svc, userA)

	if _, err := svc.Vote(ctx, userB, itemID, capsule.VoteReject); err != nil {
		t.Fatalf("vote: %v", err)
	}

	last := fake.changes[len(fake.changes)-1]
	if last.VoteB == nil || *last.VoteB != capsule.VoteReject {
		t.Error("vote must name the caller's vote column")
	}
	if last.VoteA != nil {
		t.Error("party B's vote must not name vote_a")
	}
}

func TestVoteRejectedOutsidePlanning(t *testing.T) {
	ctx := context.Background()
	svc, _ := newPairedService(t)
	itemID := mustCreateItem(t, svc, userA)

	if _, err := svc.RequestResolving(ctx, userA, itemID); err != nil {
		t.Fatalf("move to resolving: %v", err)
	}
	if _, err := svc.Vote(ctx, userA, itemID, capsule.VoteApprove); !errors.Is(err, capsule.ErrInvalidTransition) {
		t.Errorf("vote in resolving should be invalid transition, got %v", err)
	}
	if _, err := svc.Vote(ctx, userB, itemID, capsule.Vote("maybe")); err == nil {
		t.Error("unknown vote value should be rejected")
	}
}

func TestPromoteFromPlanningRequiresBothApprovals(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	itemID := mustCreateItem(t, svc, userA)

	// No votes at all: the edge exists but the gate is closed.
	if _, err := svc.Promote(ctx, userA, itemID, ""); !errors.Is(err, capsule.ErrPreconditionNotMet) {
		t.Errorf("promote with no votes: got %v", err)
	}

	if _, err := svc.Vote(ctx, userA, itemID, capsule.VoteApprove); err != nil {
		t.Fatalf("vote a: %v", err)
	}
	if _, err := svc.Promote(ctx, userA, itemID, ""); !errors.Is(err, capsule.ErrPreconditionNotMet) {
		t.Errorf("promote with one approval: got %v", err)
	}

	// Second approval arms the gate but never fires it.
	if _, err := svc.Vote(ctx, userB, itemID, capsule.VoteApprove); err != nil {
		t.Fatalf("vote b: %v", err)
	}
	if got := itemStage(t, fake, itemID); got != capsule.StagePlanning {
		t.Errorf("stage after both approvals = %s, want planning (promotion is explicit)", got)
	}

	if _, err := svc.Promote(ctx, userB, itemID, ""); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if got := itemStage(t, fake, itemID); got != capsule.StagePendingDecision {
		t.Errorf("stage after promote = %s, want pending_decision", got)
	}
}

func TestPromoteFromResolvingRequiresBothPerspectives(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	itemID := mustCreateItem(t, svc, userA)

	if _, err := svc.RequestResolving(ctx, userA, itemID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	full := PerspectiveRequest{Feeling: "anxious", Need: "stability", Willing: "talk weekly", Compromise: "smaller budget"}

	// Partial perspectives are rejected outright.
	partial := full
	partial.Compromise = ""
	if _, err := svc.SubmitPerspective(ctx, userA, itemID, partial); domainCode(t, err) != "VALIDATION_ERROR" {
		t.Errorf("partial perspective: got %v", err)
	}

	if _, err := svc.SubmitPerspective(ctx, userA, itemID, full); err != nil {
		t.Fatalf("perspective a: %v", err)
	}
	if _, err := svc.Promote(ctx, userA, itemID, ""); !errors.Is(err, capsule.ErrPreconditionNotMet) {
		t.Errorf("promote with one perspective: got %v", err)
	}

	if _, err := svc.SubmitPerspective(ctx, userB, itemID, full); err != nil {
		t.Fatalf("perspective b: %v", err)
	}
	if _, err := svc.Promote(ctx, userB, itemID, "we split the difference"); err != nil {
		t.Fatalf("promote: %v", err)
	}

	item, _ := fake.GetItem(ctx, itemID)
	if item.Stage != capsule.StagePendingDecision {
		t.Errorf("stage = %s", item.Stage)
	}
	if item.ResolutionNotes != "we split the difference" {
		t.Errorf("resolution notes = %q", item.ResolutionNotes)
	}
}

func TestConfirmAutoAdvancesOnSecondFlag(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	itemID := itemInPendingDecision(t, svc)

	if _, err := svc.Confirm(ctx, userA, itemID); err != nil {
		t.Fatalf("confirm a: %v", err)
	}
	item, _ := fake.GetItem(ctx, itemID)
	if item.Stage != capsule.StagePendingDecision {
		t.Errorf("one confirmation must not advance, stage = %s", item.Stage)
	}
	if !item.ConfirmedByA || item.ConfirmedByB {
		t.Errorf("flags = %v/%v, want true/false", item.ConfirmedByA, item.ConfirmedByB)
	}
	if item.ConfirmedAt != nil {
		t.Error("confirmedAt must stay unset until both confirm")
	}

	if _, err := svc.Confirm(ctx, userB, itemID); err != nil {
		t.Fatalf("confirm b: %v", err)
	}
	item, _ = fake.GetItem(ctx, itemID)
	if item.Stage != capsule.StageConfirmed {
		t.Errorf("stage after both confirm = %s, want confirmed", item.Stage)
	}
	if item.ConfirmedAt == nil {
		t.Error("confirmedAt must be set on auto-advance")
	}
}

func TestConfirmOnlyTouchesOwnColumn(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	itemID := itemInPendingDecision(t, svc)

	mark := len(fake.changes)
	if _, err := svc.Confirm(ctx, userA, itemID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	first := fake.changes[mark]
	if first.ConfirmedByA == nil || !*first.ConfirmedByA {
		t.Error("confirm must set the caller's flag")
	}
	if first.ConfirmedByB != nil {
		t.Error("party A's confirm must not name confirmed_by_b")
	}
	if first.VoteA != nil || first.FeelingA != nil || first.Stage != nil {
		t.Error("confirm must not write unrelated columns")
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	itemID := itemInPendingDecision(t, svc)

	if _, err := svc.Confirm(ctx, userA, itemID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	mark := len(fake.changes)
	if _, err := svc.Confirm(ctx, userA, itemID); err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	if len(fake.changes) != mark {
		t.Error("repeat confirm must not write")
	}

	item, _ := fake.GetItem(ctx, itemID)
	if item.Stage != capsule.StagePendingDecision {
		t.Errorf("stage = %s, want pending_decision", item.Stage)
	}
}

func TestConfirmRetryFinishesInterruptedAdvance(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	itemID := itemInPendingDecision(t, svc)

	if _, err := svc.Confirm(ctx, userA, itemID); err != nil {
		t.Fatalf("confirm a: %v", err)
	}

	// The second confirm writes the flag but the store dies before the stage
	// advance lands.
	storeErr := errors.New("connection reset")
	fake.updateItemFieldsFn = func(_ context.Context, id string, change store.ItemFieldChange) (store.RelationshipItem, error) {
		if change.Stage != nil {
			return store.RelationshipItem{}, storeErr
		}
		item := fake.items[id]
		applyChange(&item, change)
		fake.items[id] = item
		return item, nil
	}
	if _, err := svc.Confirm(ctx, userB, itemID); !errors.Is(err, storeErr) {
		t.Fatalf("interrupted confirm: got %v, want store error", err)
	}

	item, _ := fake.GetItem(ctx, itemID)
	if !item.ConfirmedByA || !item.ConfirmedByB || item.Stage != capsule.StagePendingDecision {
		t.Fatalf("setup: flags %v/%v stage %s", item.ConfirmedByA, item.ConfirmedByB, item.Stage)
	}

	// Once the store is back, a retried confirm from either party must finish
	// the advance rather than no-op on the already-set flag.
	fake.updateItemFieldsFn = nil
	if _, err := svc.Confirm(ctx, userA, itemID); err != nil {
		t.Fatalf("retried confirm: %v", err)
	}

	item, _ = fake.GetItem(ctx, itemID)
	if item.Stage != capsule.StageConfirmed {
		t.Errorf("stage after retry = %s, want confirmed", item.Stage)
	}
	if item.ConfirmedAt == nil {
		t.Error("confirmedAt must be set by the recovered advance")
	}
}

func TestCompleteOnlyFromConfirmed(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	itemID := itemInPendingDecision(t, svc)

	if _, err := svc.Complete(ctx, userA, itemID); !errors.Is(err, capsule.ErrInvalidTransition) {
		t.Errorf("complete from pending_decision: got %v", err)
	}

	if _, err := svc.Confirm(ctx, userA, itemID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Confirm(ctx, userB, itemID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, userB, itemID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	item, _ := fake.GetItem(ctx, itemID)
	if item.Stage != capsule.StageCompleted {
		t.Errorf("stage = %s", item.Stage)
	}
	if item.CompletedAt == nil {
		t.Error("completedAt must be set")
	}
}

func TestTerminalStagesRejectEveryEdge(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)

	for _, terminal := range []capsule.Stage{capsule.StageCompleted, capsule.StageArchived} {
		itemID := mustCreateItem(t, svc, userA)
		stage := terminal
		if _, err := fake.UpdateItemFields(ctx, itemID, store.ItemFieldChange{Stage: &stage}); err != nil {
			t.Fatal(err)
		}

		ops := map[string]func() error{
			"vote":        func() error { _, err := svc.Vote(ctx, userA, itemID, capsule.VoteApprove); return err },
			"resolve":     func() error { _, err := svc.RequestResolving(ctx, userA, itemID); return err },
			"perspective": func() error {
				_, err := svc.SubmitPerspective(ctx, userA, itemID, PerspectiveRequest{Feeling: "a", Need: "b", Willing: "c", Compromise: "d"})
				return err
			},
			"promote":  func() error { _, err := svc.Promote(ctx, userA, itemID, ""); return err },
			"confirm":  func() error { _, err := svc.Confirm(ctx, userA, itemID); return err },
			"complete": func() error { _, err := svc.Complete(ctx, userA, itemID); return err },
			"archive":  func() error { _, err := svc.Archive(ctx, userA, itemID); return err },
		}
		for name, op := range ops {
			if err := op(); !errors.Is(err, capsule.ErrInvalidTransition) {
				t.Errorf("%s on %s item: got %v, want invalid transition", name, terminal, err)
			}
		}
	}
}

func TestArchiveFromAnyNonTerminalStage(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)

	for _, stage := range []capsule.Stage{
		capsule.StagePlanning, capsule.StageResolving,
		capsule.StagePendingDecision, capsule.StageConfirmed,
	} {
		itemID := mustCreateItem(t, svc, userA)
		from := stage
		if _, err := fake.UpdateItemFields(ctx, itemID, store.ItemFieldChange{Stage: &from}); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Archive(ctx, userB, itemID); err != nil {
			t.Errorf("archive from %s: %v", stage, err)
		}
		if got := itemStage(t, fake, itemID); got != capsule.StageArchived {
			t.Errorf("stage = %s, want archived", got)
		}
	}
}

func TestStageCounts(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)

	for i := 0; i < 3; i++ {
		mustCreateItem(t, svc, userA)
	}
	itemID := mustCreateItem(t, svc, userB)
	stage := capsule.StageArchived
	if _, err := fake.UpdateItemFields(ctx, itemID, store.ItemFieldChange{Stage: &stage}); err != nil {
		t.Fatal(err)
	}

	payload, err := svc.StageCounts(ctx, userA, capsuleID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	counts := payload["counts"].(map[string]int)
	if counts["planning"] != 3 {
		t.Errorf("planning = %d, want 3", counts["planning"])
	}
	if counts["archived"] != 1 {
		t.Errorf("archived = %d, want 1", counts["archived"])
	}
	// Every stage appears, even empty ones.
	for _, stage := range []string{"resolving", "pending_decision", "confirmed", "completed"} {
		if got, ok := counts[stage]; !ok || got != 0 {
			t.Errorf("counts[%s] = %d,%v want 0,true", stage, got, ok)
		}
	}
}

// itemInPendingDecision builds an item through the happy planning path.
func itemInPendingDecision(t *testing.T, svc *Service) string {
	t.Helper()
	ctx := context.Background()
	itemID := mustCreateItem(t, svc, userA)
	for _, userID := range []string{userA, userB} {
		if _, err := svc.Vote(ctx, userID, itemID, capsule.VoteApprove); err != nil {
			t.Fatalf("vote %s: %v", userID, err)
		}
	}
	if _, err := svc.Promote(ctx, userA, itemID, ""); err != nil {
		t.Fatalf("promote: %v", err)
	}
	return itemID
}

// ---- end-to-end scenarios ----

func TestParisTripHappyPath(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)

	payload, err := svc.CreateItem(ctx, userA, capsuleID, CreateItemRequest{
		Title:       "Trip to Paris",
		Description: "Five days in spring",
		Category:    "trip",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	itemID := payload["id"].(string)

	if _, err := svc.Vote(ctx, userA, itemID, capsule.VoteApprove); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Vote(ctx, userB, itemID, capsule.VoteApprove); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Promote(ctx, userB, itemID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Confirm(ctx, userA, itemID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Confirm(ctx, userB, itemID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, userA, itemID); err != nil {
		t.Fatal(err)
	}

	item, _ := fake.GetItem(ctx, itemID)
	if item.Stage != capsule.StageCompleted {
		t.Fatalf("stage = %s, want completed", item.Stage)
	}

	// Timeline captures the whole journey in order.
	var actions []string
	for _, event := range fake.events[itemID] {
		actions = append(actions, event.Action)
	}
	want := []string{"created", "voted", "voted", "promoted", "confirmed", "confirmed", "completed"}
	if len(actions) != len(want) {
		t.Fatalf("timeline = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("timeline[%d] = %s, want %s", i, actions[i], want[i])
		}
	}
}

func TestDisagreementResolvedWithNotes(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	itemID := mustCreateItem(t, svc, userA)

	if _, err := svc.Vote(ctx, userA, itemID, capsule.VoteApprove); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Vote(ctx, userB, itemID, capsule.VoteReject); err != nil {
		t.Fatal(err)
	}

	// Disagreement never moves the item by itself.
	if got := itemStage(t, fake, itemID); got != capsule.StagePlanning {
		t.Fatalf("stage after disagreement = %s, want planning", got)
	}
	// And promotion out of planning stays blocked.
	if _, err := svc.Promote(ctx, userA, itemID, ""); !errors.Is(err, capsule.ErrPreconditionNotMet) {
		t.Fatalf("promote with disagreement: got %v", err)
	}

	if _, err := svc.RequestResolving(ctx, userB, itemID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitPerspective(ctx, userA, itemID, PerspectiveRequest{
		Feeling: "excited", Need: "a real break", Willing: "plan everything", Compromise: "fewer days",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitPerspective(ctx, userB, itemID, PerspectiveRequest{
		Feeling: "worried", Need: "savings intact", Willing: "go if cheaper", Compromise: "off-season dates",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Promote(ctx, userA, itemID, "Shorter off-season trip within budget"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Confirm(ctx, userA, itemID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Confirm(ctx, userB, itemID); err != nil {
		t.Fatal(err)
	}

	item, _ := fake.GetItem(ctx, itemID)
	if item.Stage != capsule.StageConfirmed {
		t.Errorf("stage = %s, want confirmed", item.Stage)
	}
	if item.ResolutionNotes != "Shorter off-season trip within budget" {
		t.Errorf("notes = %q", item.ResolutionNotes)
	}
	// The planning votes are kept as history, not reinterpreted.
	if item.VoteA != capsule.VoteApprove || item.VoteB != capsule.VoteReject {
		t.Errorf("votes = %s/%s, want approve/reject", item.VoteA, item.VoteB)
	}
}

// ---- capsule membership ----

func TestCreateAndJoinCapsule(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	fake.users["usr_c"] = store.User{ID: "usr_c", DisplayName: "Casey", Email: "casey@example.com"}
	fake.users["usr_d"] = store.User{ID: "usr_d", DisplayName: "Drew", Email: "drew@example.com"}

	payload, err := svc.CreateCapsule(ctx, "usr_c", "Casey & Drew")
	if err != nil {
		t.Fatalf("create capsule: %v", err)
	}
	newCapsuleID := payload["id"].(string)
	inviteCode := payload["inviteCode"].(string)
	if payload["mySlot"] != "a" {
		t.Errorf("creator slot = %v, want a", payload["mySlot"])
	}
	if payload["paired"] != false {
		t.Error("fresh capsule must not be paired")
	}

	joined, err := svc.JoinCapsule(ctx, "usr_d", inviteCode)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined["mySlot"] != "b" {
		t.Errorf("joiner slot = %v, want b", joined["mySlot"])
	}
	if joined["paired"] != true {
		t.Error("capsule should be paired after join")
	}
	if _, ok := joined["inviteCode"]; ok {
		t.Error("invite code must disappear once both slots are filled")
	}

	// The code is single-use: a third user cannot resolve it.
	fake.users["usr_e"] = store.User{ID: "usr_e", DisplayName: "Eve"}
	if _, err := svc.JoinCapsule(ctx, "usr_e", inviteCode); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("third join should fail with not found, got %v", err)
	}

	slot, err := fake.GetMemberSlot(ctx, newCapsuleID, "usr_d")
	if err != nil || slot != capsule.PartyB {
		t.Errorf("stored slot = %v, %v", slot, err)
	}
}

func TestJoinOwnCapsuleRejected(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	fake.users["usr_c"] = store.User{ID: "usr_c", DisplayName: "Casey"}

	payload, err := svc.CreateCapsule(ctx, "usr_c", "Solo")
	if err != nil {
		t.Fatal(err)
	}
	inviteCode := payload["inviteCode"].(string)

	if _, err := svc.JoinCapsule(ctx, "usr_c", inviteCode); domainCode(t, err) != "ALREADY_MEMBER" {
		t.Errorf("joining own capsule: got %v", err)
	}
}

// ---- sessions ----

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)

	session, err := svc.IssueSession(ctx, fake.users[userA])
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parsed, err := svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.UserID != userA || parsed.UserName != "Sam" {
		t.Errorf("parsed = %s/%s", parsed.UserID, parsed.UserName)
	}

	refreshed, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.UserID != userA {
		t.Errorf("refreshed user = %s", refreshed.UserID)
	}

	// Refresh tokens are single use.
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Error("reused refresh token should fail")
	}

	// Logout revokes the access token.
	if err := svc.Logout(ctx, refreshed, refreshed.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, refreshed.Token); err == nil {
		t.Error("revoked access token should be rejected")
	}
}

func TestEventSearchRecordKeyedByRowID(t *testing.T) {
	ctx := context.Background()
	_, fake := newPairedService(t)

	inserted, err := fake.InsertItemEvent(ctx, store.ItemEvent{
		ItemID: "itm_1", CapsuleID: capsuleID, Action: "created",
	})
	if err != nil {
		t.Fatal(err)
	}
	if inserted.ID == 0 {
		t.Fatal("insert must return the assigned row id")
	}

	// The live index and the startup reindex must agree on the document key,
	// otherwise a reindex duplicates every event under a second id.
	record := eventSearchRecord(inserted, "Trip to Paris")
	if record.ID != "1" {
		t.Errorf("record id = %q, want the row id as decimal string", record.ID)
	}
	if record.ItemTitle != "Trip to Paris" || record.Action != "created" {
		t.Errorf("record = %+v", record)
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	svc, fake := newPairedService(t)
	itemID := itemInPendingDecision(t, svc)

	storeErr := errors.New("connection reset")
	fake.updateItemFieldsFn = func(context.Context, string, store.ItemFieldChange) (store.RelationshipItem, error) {
		return store.RelationshipItem{}, storeErr
	}

	if _, err := svc.Confirm(ctx, userA, itemID); !errors.Is(err, storeErr) {
		t.Errorf("store failure must propagate unchanged, got %v", err)
	}
}
