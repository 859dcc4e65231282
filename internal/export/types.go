// Package export renders a compiled reference as PDF or DOCX.
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

func ParseFormat(value string) (Format, bool) {
	switch Format(value) {
	case FormatPDF, "":
		return FormatPDF, true
	case FormatDOCX:
		return FormatDOCX, true
	default:
		return "", false
	}
}

// Reference is the compiled narrative of one application record plus the
// names of the people who contributed to it.
type Reference struct {
	StudentEmail string
	AcademicYear string
	Text         string
	UpdatedBy    string
	UpdatedAt    time.Time
	Complete     bool
	CompletedBy  string
	CompletedAt  *time.Time
	Contributors []Contributor
}

type Contributor struct {
	Name    string
	Email   string
	Subject string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrContentUnavailable indicates there is no compiled text to export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
