package export

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const docxMimeType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// pandocArgs converts HTML on stdin to DOCX on stdout. referenceDoc, when
// set, supplies the school's styles.
func pandocArgs(referenceDoc string) []string {
	args := []string{"--from=html", "--to=docx", "--standalone", "--output=-"}
	if referenceDoc != "" {
		args = append(args, "--reference-doc="+referenceDoc)
	}
	return args
}

func pandocConverter(referenceDoc string) converter {
	return func(ctx context.Context, doc, title string) (*Result, error) {
		pandoc, err := exec.LookPath("pandoc")
		if err != nil {
			return nil, fmt.Errorf("%w: pandoc not installed", ErrDOCXDependencyMissing)
		}

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, pandoc, pandocArgs(referenceDoc)...)
		cmd.Stdin = strings.NewReader(doc)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return nil, fmt.Errorf("pandoc: %s: %w", msg, err)
			}
			return nil, fmt.Errorf("pandoc: %w", err)
		}

		return &Result{
			Data:     stdout.Bytes(),
			Filename: sanitizeFilename(title) + ".docx",
			MimeType: docxMimeType,
		}, nil
	}
}
