package export

import (
	"fmt"
)

// Service provides memory book export functionality
type Service struct{}

// NewService creates a new export service
func NewService() *Service {
	return &Service{}
}

// Export generates a memory book in the requested format
func (s *Service) Export(book MemoryBook, format Format) (*Result, error) {
	html, err := RenderMemoryBookHTML(book)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatPDF:
		return exportPDF(html, book.CapsuleName)
	case FormatDOCX:
		return exportDOCX(html, book.CapsuleName)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}
