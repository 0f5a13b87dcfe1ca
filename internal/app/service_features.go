package app

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"clo/api/internal/capsule"
	"clo/api/internal/export"
	"clo/api/internal/search"
	"clo/api/internal/store"
	"clo/api/internal/util"
)

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SearchCapsule runs a full-text search over a capsule's items and timeline.
// Search is always scoped to one capsule the caller is a member of.
func (s *Service) SearchCapsule(ctx context.Context, userID, capsuleID, query, typeFilter string, limit, offset int) (search.Response, error) {
	if _, err := s.requireMember(ctx, capsuleID, userID); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query}, nil
	}
	return s.search.Search(search.Query{
		Text:            query,
		FilterType:      search.ResultType(typeFilter),
		FilterCapsuleID: capsuleID,
		Limit:           limit,
		Offset:          offset,
	}), nil
}

var bookSectionOrder = []struct {
	stage capsule.Stage
	label string
}{
	{capsule.StageCompleted, "Completed together"},
	{capsule.StageConfirmed, "Confirmed"},
	{capsule.StagePendingDecision, "Awaiting decision"},
	{capsule.StageResolving, "Working through"},
	{capsule.StagePlanning, "Still planning"},
}

// ExportCapsule renders the capsule's non-archived items into a memory book.
func (s *Service) ExportCapsule(ctx context.Context, userID, capsuleID, format string) (*export.Result, error) {
	if _, err := s.requireMember(ctx, capsuleID, userID); err != nil {
		return nil, err
	}
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}

	exportFormat := export.Format(strings.ToLower(strings.TrimSpace(format)))
	if exportFormat == "" {
		exportFormat = export.FormatPDF
	}
	if exportFormat != export.FormatPDF && exportFormat != export.FormatDOCX {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be pdf or docx", nil)
	}

	item, err := s.store.GetCapsule(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListCapsuleMembers(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, capsuleID, "")
	if err != nil {
		return nil, err
	}

	book := export.MemoryBook{
		CapsuleName: item.Name,
		GeneratedAt: time.Now(),
	}
	for _, member := range members {
		book.Members = append(book.Members, export.Member{
			DisplayName: member.DisplayName,
			Slot:        string(member.Slot),
		})
	}

	byStage := make(map[capsule.Stage][]store.RelationshipItem)
	for _, row := range items {
		byStage[row.Stage] = append(byStage[row.Stage], row)
	}

	for _, section := range bookSectionOrder {
		rendered := export.Section{Stage: string(section.stage), Label: section.label}
		for _, row := range byStage[section.stage] {
			bookItem := export.Item{
				Title:           row.Title,
				Description:     row.Description,
				Category:        row.Category,
				ResolutionNotes: row.ResolutionNotes,
			}
			if row.ConfirmedAt != nil {
				bookItem.ConfirmedAt = row.ConfirmedAt.Format("Jan 2, 2006")
			}
			if row.CompletedAt != nil {
				bookItem.CompletedAt = row.CompletedAt.Format("Jan 2, 2006")
			}
			events, err := s.store.ListItemEvents(ctx, row.ID)
			if err == nil {
				for _, event := range events {
					bookItem.Timeline = append(bookItem.Timeline, export.TimelineEntry{
						When:   event.CreatedAt.Format("Jan 2"),
						Actor:  string(event.Actor),
						Action: event.Action,
						Note:   event.Note,
					})
				}
			}
			rendered.Items = append(rendered.Items, bookItem)
		}
		book.Sections = append(book.Sections, rendered)
	}

	return s.export.Export(book, exportFormat)
}

// maxAttachmentSize caps uploads at 20 MiB, matching the client's limit.
const maxAttachmentSize = 20 << 20

// UploadAttachment streams a photo or receipt into object storage and records
// the metadata row against the item.
func (s *Service) UploadAttachment(ctx context.Context, userID, itemID, fileName, mimeType string, body io.Reader, size int64) (map[string]any, error) {
	item, slot, err := s.loadItemForUser(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if s.media == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage is not configured", nil)
	}
	if fileName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file name is required", nil)
	}
	if size <= 0 || size > maxAttachmentSize {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "attachment must be between 1 byte and 20 MiB", nil)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	attachment := store.Attachment{
		ID:         util.NewID("att"),
		ItemID:     item.ID,
		FileName:   fileName,
		MimeType:   mimeType,
		SizeBytes:  size,
		UploadedBy: slot,
	}
	attachment.ObjectKey = item.CapsuleID + "/" + item.ID + "/" + attachment.ID

	if err := s.media.Put(ctx, attachment.ObjectKey, mimeType, body, size); err != nil {
		return nil, err
	}
	if err := s.store.InsertAttachment(ctx, attachment); err != nil {
		return nil, err
	}

	return attachmentPayload(attachment, ""), nil
}

// ListItemAttachments returns attachment metadata with short-lived download
// URLs. The client fetches bytes from object storage directly.
func (s *Service) ListItemAttachments(ctx context.Context, userID, itemID string) (map[string]any, error) {
	item, _, err := s.loadItemForUser(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, item.ID)
	if err != nil {
		return nil, err
	}

	payloads := make([]map[string]any, 0, len(attachments))
	for _, attachment := range attachments {
		url := ""
		if s.media != nil {
			if presigned, err := s.media.PresignedGet(ctx, attachment.ObjectKey, attachment.FileName, 15*time.Minute); err == nil {
				url = presigned
			}
		}
		payloads = append(payloads, attachmentPayload(attachment, url))
	}
	return map[string]any{"attachments": payloads}, nil
}

func attachmentPayload(attachment store.Attachment, url string) map[string]any {
	payload := map[string]any{
		"id":         attachment.ID,
		"itemId":     attachment.ItemID,
		"fileName":   attachment.FileName,
		"mimeType":   attachment.MimeType,
		"sizeBytes":  attachment.SizeBytes,
		"uploadedBy": string(attachment.UploadedBy),
	}
	if !attachment.CreatedAt.IsZero() {
		payload["createdAt"] = attachment.CreatedAt.Format(time.RFC3339)
	}
	if url != "" {
		payload["downloadUrl"] = url
	}
	return payload
}
