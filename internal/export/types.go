// Package export renders a capsule's items and timeline into a shareable
// "memory book" in PDF or DOCX format.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// MemoryBook is the fully loaded export payload: the service layer assembles
// it from the store, this package only renders.
type MemoryBook struct {
	CapsuleName string
	Members     []Member
	Sections    []Section
	GeneratedAt time.Time
}

// Member is one of the two parties, for the title page.
type Member struct {
	DisplayName string
	Slot        string
}

// Section groups items by lifecycle stage.
type Section struct {
	Stage string
	Label string
	Items []Item
}

// Item is one relationship item with its timeline.
type Item struct {
	Title           string
	Description     string
	Category        string
	ResolutionNotes string
	ConfirmedAt     string
	CompletedAt     string
	Timeline        []TimelineEntry
}

// TimelineEntry is one rendered event row.
type TimelineEntry struct {
	When   string
	Actor  string
	Action string
	Note   string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
