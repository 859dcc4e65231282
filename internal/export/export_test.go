package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"Reference sam@school.org 2025/2026", "Reference-sam-at-schoolorg-2025-2026"},
		{"Special!#$%Chars", "SpecialChars"},
		{"", "reference"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFindChromePrefersFirstAvailable(t *testing.T) {
	installed := map[string]string{"google-chrome": "/usr/bin/google-chrome", "headless-shell": "/headless-shell/headless-shell"}
	lookPath := func(name string) (string, error) {
		if path, ok := installed[name]; ok {
			return path, nil
		}
		return "", errors.New("not found")
	}

	path, err := findChrome(lookPath)
	if err != nil || path != "/usr/bin/google-chrome" {
		t.Fatalf("findChrome() = %q, %v", path, err)
	}

	_, err = findChrome(func(string) (string, error) { return "", errors.New("not found") })
	if !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("expected ErrPDFDependencyMissing, got %v", err)
	}
}

func TestPrintParamsUseA4WithFooter(t *testing.T) {
	params := printParams(a4, "Reference <sam@school.org>")
	if params.PaperWidth != 8.27 || params.PaperHeight != 11.69 || params.MarginLeft != 0.8 {
		t.Fatalf("unexpected paper %+v", params)
	}
	if !params.DisplayHeaderFooter {
		t.Fatal("expected a footer")
	}
	if !strings.Contains(params.FooterTemplate, "Reference &lt;sam@school.org&gt;") ||
		!strings.Contains(params.FooterTemplate, `class="pageNumber"`) {
		t.Fatalf("unexpected footer %q", params.FooterTemplate)
	}
}

func TestPandocArgs(t *testing.T) {
	if got := strings.Join(pandocArgs(""), " "); got != "--from=html --to=docx --standalone --output=-" {
		t.Fatalf("unexpected args %q", got)
	}
	args := pandocArgs("/etc/refflow/reference.docx")
	if args[len(args)-1] != "--reference-doc=/etc/refflow/reference.docx" {
		t.Fatalf("expected reference doc flag, got %q", args)
	}
}

func TestParagraphs(t *testing.T) {
	got := paragraphs("First line\nstill first\r\n\r\n\n  Second  \n\n")
	if len(got) != 2 || got[0] != "First line\nstill first" || got[1] != "Second" {
		t.Fatalf("unexpected paragraphs %q", got)
	}
	if got := paragraphs("   "); len(got) != 0 {
		t.Fatalf("expected no paragraphs, got %q", got)
	}
}

func TestRenderDocumentHTML(t *testing.T) {
	html, err := RenderDocumentHTML(newTemplateData(Reference{
		StudentEmail: "sam@school.org",
		AcademicYear: "2025/2026",
		Text:         "Sam is <excellent>.\n\nA second paragraph.",
		UpdatedBy:    "tutor@school.org",
		UpdatedAt:    time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		Complete:     true,
		CompletedBy:  "tutor@school.org",
		Contributors: []Contributor{{Name: "Taylor", Subject: "Geology"}},
	}))
	if err != nil {
		t.Fatalf("RenderDocumentHTML() error = %v", err)
	}

	for _, want := range []string{
		"sam@school.org",
		"2025/2026",
		"Complete (tutor@school.org)",
		"Jan 5, 2026",
		"<p>A second paragraph.</p>",
		"Taylor (Geology)",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if strings.Contains(html, "<excellent>") {
		t.Error("narrative text must be escaped")
	}
}

func TestExportDispatchesByFormat(t *testing.T) {
	var gotTitle string
	svc := NewService(time.Second, "")
	svc.pdf = func(_ context.Context, html, title string) (*Result, error) {
		gotTitle = title
		return &Result{Data: []byte(html), Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
	}
	svc.docx = func(context.Context, string, string) (*Result, error) {
		return nil, ErrDOCXDependencyMissing
	}
	ref := Reference{StudentEmail: "sam@school.org", AcademicYear: "2025/2026", Text: "Compiled"}

	result, err := svc.Export(context.Background(), ref, FormatPDF)
	if err != nil {
		t.Fatalf("Export(pdf) error = %v", err)
	}
	if gotTitle != "Reference sam@school.org 2025/2026" || !strings.HasSuffix(result.Filename, ".pdf") {
		t.Fatalf("unexpected result %q %q", gotTitle, result.Filename)
	}

	if _, err := svc.Export(context.Background(), ref, FormatDOCX); !errors.Is(err, ErrDOCXDependencyMissing) {
		t.Fatalf("expected docx dependency error, got %v", err)
	}
	if _, err := svc.Export(context.Background(), ref, Format("odt")); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestExportRequiresText(t *testing.T) {
	svc := NewService(time.Second, "")
	_, err := svc.Export(context.Background(), Reference{Text: "  "}, FormatPDF)
	if !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("expected ErrContentUnavailable, got %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	if f, ok := ParseFormat(""); !ok || f != FormatPDF {
		t.Fatalf("empty format should default to pdf, got %q %v", f, ok)
	}
	if f, ok := ParseFormat("docx"); !ok || f != FormatDOCX {
		t.Fatalf("unexpected %q %v", f, ok)
	}
	if _, ok := ParseFormat("odt"); ok {
		t.Fatal("odt must be rejected")
	}
}
