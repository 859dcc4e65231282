package export

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type converter func(ctx context.Context, html, title string) (*Result, error)

// Service provides document export functionality
type Service struct {
	timeout time.Duration
	pdf     converter
	docx    converter
}

// NewService returns a service backed by headless Chrome and pandoc. Each
// conversion is bounded by timeout. docxReference is an optional pandoc
// reference document for DOCX styles.
func NewService(timeout time.Duration, docxReference string) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{timeout: timeout, pdf: exportPDF, docx: pandocConverter(docxReference)}
}

// Export renders ref in the requested format.
func (s *Service) Export(ctx context.Context, ref Reference, format Format) (*Result, error) {
	if strings.TrimSpace(ref.Text) == "" {
		return nil, ErrContentUnavailable
	}
	title := "Reference " + ref.StudentEmail + " " + ref.AcademicYear

	html, err := RenderDocumentHTML(newTemplateData(ref))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	switch format {
	case FormatPDF:
		return s.pdf(ctx, html, title)
	case FormatDOCX:
		return s.docx(ctx, html, title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// sanitizeFilename keeps letters, digits, dashes and underscores. Spaces and
// slashes become dashes and the @ of an address becomes "-at-".
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '/':
			b.WriteByte('-')
		case r == '@':
			b.WriteString("-at-")
		}
	}

	name := b.String()
	if len(name) > 80 {
		name = name[:80]
	}
	if name == "" {
		return "reference"
	}
	return name
}
