package app

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clo/api/internal/capsule"
	"clo/api/internal/search"
	"clo/api/internal/store"
	"clo/api/internal/util"
)

type CreateItemRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type PerspectiveRequest struct {
	Feeling    string `json:"feeling"`
	Need       string `json:"need"`
	Willing    string `json:"willing"`
	Compromise string `json:"compromise"`
}

// ---- lifecycle operations ----
//
// Every operation resolves the caller's slot fresh from the membership table
// and hands the loaded row to internal/capsule for the legality check. Writes
// go through ItemFieldChange so each party only ever names its own columns.

func (s *Service) CreateItem(ctx context.Context, userID, capsuleID string, req CreateItemRequest) (map[string]any, error) {
	slot, err := s.requireMember(ctx, capsuleID, userID)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	category := strings.ToLower(strings.TrimSpace(req.Category))
	if category == "" {
		category = "general"
	}
	if _, ok := allowedCategories[category]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown category", map[string]any{
			"category": category,
		})
	}

	item, err := s.store.InsertItem(ctx, store.RelationshipItem{
		ID:          util.NewID("itm"),
		CapsuleID:   capsuleID,
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Category:    category,
		Stage:       capsule.StagePlanning,
		CreatedBy:   slot,
	})
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, item, slot, "created", capsule.StagePlanning, capsule.StagePlanning, "")
	s.indexItem(item)
	return itemPayload(item, slot), nil
}

func (s *Service) GetItemView(ctx context.Context, userID, itemID string) (map[string]any, error) {
	item, slot, err := s.loadItemForUser(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	return itemPayload(item, slot), nil
}

func (s *Service) ListItems(ctx context.Context, userID, capsuleID, stageFilter string) (map[string]any, error) {
	slot, err := s.requireMember(ctx, capsuleID, userID)
	if err != nil {
		return nil, err
	}

	var stage capsule.Stage
	if stageFilter != "" {
		stage = capsule.Stage(stageFilter)
		if !capsule.ValidStage(stage) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown stage", map[string]any{
				"stage": stageFilter,
			})
		}
	}

	items, err := s.store.ListItems(ctx, capsuleID, stage)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, itemPayload(item, slot))
	}
	return map[string]any{"items": payloads}, nil
}

// Vote records the caller's planning vote. Re-submitting the same vote is a
// no-op; changing it overwrites only the caller's own column.
func (s *Service) Vote(ctx context.Context, userID, itemID string, vote capsule.Vote) (map[string]any, error) {
	item, slot, err := s.loadItemForUser(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if !vote.Valid() {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "vote must be approve or reject", nil)
	}
	if err := capsule.CanVote(item.Stage); err != nil {
		return nil, err
	}
	if item.Votes().Get(slot) == vote {
		return itemPayload(item, slot), nil
	}

	change := store.ItemFieldChange{}
	if slot == capsule.PartyA {
		change.VoteA = &vote
	} else {
		change.VoteB = &vote
	}
	updated, err := s.store.UpdateItemFields(ctx, item.ID, change)
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, updated, slot, "voted", item.Stage, updated.Stage, string(vote))
	return itemPayload(updated, slot), nil
}

// RequestResolving takes the explicit planning -> resolving edge. The engine
// never takes it on the caller's behalf: a reject invites resolution, it
// does not force it.
func (s *Service) RequestResolving(ctx context.Context, userID, itemID string) (map[string]any, error) {
	item, slot, err := s.loadItemForUser(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if err := capsule.CanRequestResolving(item.Stage); err != nil {
		return nil, err
	}

	stage := capsule.StageResolving
	updated, err := s.store.UpdateItemFields(ctx, item.ID, store.ItemFieldChange{Stage: &stage})
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, updated, slot, "moved_to_resolving", item.Stage, updated.Stage, "")
	s.indexItem(updated)
	return itemPayload(updated, slot), nil
}

// SubmitPerspective stores the caller's four-field resolving statement. All
// four fields travel together; a partial statement is rejected up front.
func (s *Service) SubmitPerspective(ctx context.Context, userID, itemID string, req PerspectiveRequest) (map[string]any, error) {
	item, slot, err := s.loadItemForUser(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}

	p := capsule.Perspective{
		Feeling:    strings.TrimSpace(req.Feeling),
		Need:       strings.TrimSpace(req.Need),
		Willing:    strings.TrimSpace(req.Willing),
		Compromise: strings.TrimSpace(req.Compromise),
	}
	if !p.Complete() {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "feeling, need, willing and compromise are all required", nil)
	}
	if err := capsule.CanSubmitPerspective(item.Stage); err != nil {
		return nil, err
	}

	change := store.ItemFieldChange{}
	if slot == capsule.PartyA {
		change.FeelingA = &p.Feeling
		change.NeedA = &p.Need
		change.WillingA = &p.Willing
		change.CompromiseA = &p.Compromise
	} else {
		change.FeelingB = &p.Feeling
		change.NeedB = &p.Need
		change.WillingB = &p.Willing
		change.CompromiseB = &p.Compromise
	}
	updated, err := s.store.UpdateItemFields(ctx, item.ID, change)
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, updated, slot, "perspective_submitted", item.Stage, updated.Stage, "")
	return itemPayload(updated, slot), nil
}

// Promote moves an item into pending_decision. It is always explicit: the
// second approve vote arms the gate but never fires it. Resolution notes are
// only accepted on the resolving edge, where they summarize the compromise.
func (s *Service) Promote(ctx context.Context, userID, itemID, resolutionNotes string) (map[string]any, error) {
	item, slot, err := s.loadItemForUser(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if err := capsule.PromoteReady(item.Stage, item.Votes(), item.Perspectives()); err != nil {
		return nil, err
	}

	stage := capsule.StagePendingDecision
	change := store.ItemFieldChange{Stage: &stage}
	if item.Stage == capsule.StageResolving {
		notes := strings.TrimSpace(resolutionNotes)
		if notes != "" {
			change.ResolutionNotes = &notes
		}
	}
	updated, err := s.store.UpdateItemFields(ctx, item.ID, change)
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, updated, slot, "promoted", item.Stage, updated.Stage, updated.ResolutionNotes)
	s.indexItem(updated)
	return itemPayload(updated, slot), nil
}

// Confirm sets the caller's pending-decision flag. Writing only the caller's
// own column is what lets both parties confirm at the same time without a
// lost update; when the returned row shows both flags, the item advances to
// confirmed. This is the only transition the engine takes automatically.
func (s *Service) Confirm(ctx context.Context, userID, itemID string) (map[string]any, error) {
	item, slot, err := s.loadItemForUser(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if err := capsule.CanConfirm(item.Stage); err != nil {
		return nil, err
	}

	updated := item
	wrote := false
	if !item.Confirmations().Get(slot) {
		confirmed := true
		change := store.ItemFieldChange{}
		if slot == capsule.PartyA {
			change.ConfirmedByA = &confirmed
		} else {
			change.ConfirmedByB = &confirmed
		}
		updated, err = s.store.UpdateItemFields(ctx, item.ID, change)
		if err != nil {
			return nil, err
		}
		wrote = true
	}

	// The advance is checked even when the caller's flag was already set: if
	// an earlier confirm wrote the second flag but failed before the stage
	// moved, the next confirm from either party finishes the advance instead
	// of no-opping on the flag.
	if updated.Confirmations().Both() && updated.Stage == capsule.StagePendingDecision {
		stage := capsule.StageConfirmed
		now := time.Now()
		updated, err = s.store.UpdateItemFields(ctx, updated.ID, store.ItemFieldChange{
			Stage:       &stage,
			ConfirmedAt: &now,
		})
		if err != nil {
			return nil, err
		}
		wrote = true
	}

	if !wrote {
		return itemPayload(item, slot), nil
	}

	s.recordEvent(ctx, updated, slot, "confirmed", item.Stage, updated.Stage, "")
	s.indexItem(updated)
	return itemPayload(updated, slot), nil
}

func (s *Service) Complete(ctx context.Context, userID, itemID string) (map[string]any, error) {
	item, slot, err := s.loadItemForUser(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if err := capsule.CanComplete(item.Stage); err != nil {
		return nil, err
	}

	stage := capsule.StageCompleted
	now := time.Now()
	updated, err := s.store.UpdateItemFields(ctx, item.ID, store.ItemFieldChange{
		Stage:       &stage,
		CompletedAt: &now,
	})
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, updated, slot, "completed", item.Stage, updated.Stage, "")
	s.indexItem(updated)
	return itemPayload(updated, slot), nil
}

// Archive soft-deletes from any non-terminal stage. There is no un-archive.
func (s *Service) Archive(ctx context.Context, userID, itemID string) (map[string]any, error) {
	item, slot, err := s.loadItemForUser(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if err := capsule.CanArchive(item.Stage); err != nil {
		return nil, err
	}

	stage := capsule.StageArchived
	updated, err := s.store.UpdateItemFields(ctx, item.ID, store.ItemFieldChange{Stage: &stage})
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, updated, slot, "archived", item.Stage, updated.Stage, "")
	s.indexItem(updated)
	return itemPayload(updated, slot), nil
}

func (s *Service) ItemEvents(ctx context.Context, userID, itemID string) (map[string]any, error) {
	item, _, err := s.loadItemForUser(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListItemEvents(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(events))
	for _, event := range events {
		payloads = append(payloads, map[string]any{
			"id":        event.ID,
			"itemId":    event.ItemID,
			"actor":     string(event.Actor),
			"action":    event.Action,
			"fromStage": string(event.FromStage),
			"toStage":   string(event.ToStage),
			"note":      event.Note,
			"createdAt": event.CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{"events": payloads}, nil
}

// ---- helpers ----

func (s *Service) loadItemForUser(ctx context.Context, userID, itemID string) (store.RelationshipItem, capsule.Party, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return store.RelationshipItem{}, "", err
	}
	slot, err := s.requireMember(ctx, item.CapsuleID, userID)
	if err != nil {
		return store.RelationshipItem{}, "", err
	}
	return item, slot, nil
}

// recordEvent appends to the item timeline. A failed append never fails the
// operation that caused it; the row is already the source of truth.
func (s *Service) recordEvent(ctx context.Context, item store.RelationshipItem, actor capsule.Party, action string, from, to capsule.Stage, note string) {
	inserted, err := s.store.InsertItemEvent(ctx, store.ItemEvent{
		ItemID:    item.ID,
		CapsuleID: item.CapsuleID,
		Actor:     actor,
		Action:    action,
		FromStage: from,
		ToStage:   to,
		Note:      note,
	})
	if err != nil {
		return
	}
	if s.search != nil {
		s.search.IndexEvent(eventSearchRecord(inserted, item.Title))
	}
}

// eventSearchRecord keys the search document by the row's serial id, the same
// key the startup reindex uses, so a reindex overwrites rather than duplicates.
func eventSearchRecord(event store.ItemEvent, itemTitle string) search.EventRecord {
	return search.EventRecord{
		ID:        strconv.FormatInt(event.ID, 10),
		ItemID:    event.ItemID,
		CapsuleID: event.CapsuleID,
		ItemTitle: itemTitle,
		Action:    event.Action,
		Note:      event.Note,
	}
}

func (s *Service) indexItem(item store.RelationshipItem) {
	if s.search == nil {
		return
	}
	s.search.IndexItem(search.ItemRecord{
		ID:              item.ID,
		CapsuleID:       item.CapsuleID,
		Title:           item.Title,
		Description:     item.Description,
		Category:        item.Category,
		Stage:           string(item.Stage),
		ResolutionNotes: item.ResolutionNotes,
	})
}

func itemPayload(item store.RelationshipItem, viewer capsule.Party) map[string]any {
	votes := item.Votes()
	perspectives := item.Perspectives()
	confirmations := item.Confirmations()

	payload := map[string]any{
		"id":          item.ID,
		"capsuleId":   item.CapsuleID,
		"title":       item.Title,
		"description": item.Description,
		"category":    item.Category,
		"stage":       string(item.Stage),
		"createdBy":   string(item.CreatedBy),
		"mySlot":      string(viewer),
		"votes": map[string]any{
			"mine":    string(votes.Get(viewer)),
			"partner": string(votes.Get(viewer.Other())),
		},
		"perspectives": map[string]any{
			"mine":    perspectivePayload(perspectives.Get(viewer)),
			"partner": perspectivePayload(perspectives.Get(viewer.Other())),
		},
		"confirmations": map[string]any{
			"mine":    confirmations.Get(viewer),
			"partner": confirmations.Get(viewer.Other()),
		},
		"resolutionNotes": item.ResolutionNotes,
		"createdAt":       item.CreatedAt.Format(time.RFC3339),
	}
	if item.ConfirmedAt != nil {
		payload["confirmedAt"] = item.ConfirmedAt.Format(time.RFC3339)
	}
	if item.CompletedAt != nil {
		payload["completedAt"] = item.CompletedAt.Format(time.RFC3339)
	}
	return payload
}

func perspectivePayload(p capsule.Perspective) map[string]any {
	return map[string]any{
		"feeling":    p.Feeling,
		"need":       p.Need,
		"willing":    p.Willing,
		"compromise": p.Compromise,
		"complete":   p.Complete(),
	}
}
