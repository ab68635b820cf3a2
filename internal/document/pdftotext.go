package document

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// extractPdftotext runs poppler's pdftotext. Pages in its output are
// separated by form feeds.
func extractPdftotext(ctx context.Context, bin string, data []byte) ([]string, error) {
	if bin == "" {
		return nil, fmt.Errorf("pdftotext not available")
	}
	f, err := os.CreateTemp("", "edumentor-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write temp file: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin, "-enc", "UTF-8", f.Name(), "-")
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("pdftotext error: %w", err)
	}
	return splitPages(string(out)), nil
}

func splitPages(out string) []string {
	pages := strings.Split(out, "\f")
	// pdftotext terminates every page, including the last, with a form feed.
	if len(pages) > 0 && strings.TrimSpace(pages[len(pages)-1]) == "" {
		pages = pages[:len(pages)-1]
	}
	return pages
}
