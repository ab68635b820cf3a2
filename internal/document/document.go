// Package document extracts plain text from uploaded PDF files so it can be
// sent to the model as question context.
package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/codexadarsh/edumentor-fullstack/internal/logging"
)

// FailureMessage is shown to the user when a document cannot be used.
const FailureMessage = "Failed to parse PDF. The file might be corrupt or unsupported."

// DefaultMaxBytes is the upload limit when none is configured.
const DefaultMaxBytes = 32 * 1024 * 1024

var pdfMagic = []byte("%PDF-")

// Backend selects the extraction engine.
type Backend string

const (
	BackendAuto      Backend = "auto"
	BackendNative    Backend = "native"
	BackendPdftotext Backend = "pdftotext"
)

// Page is the normalized text of one page. Number starts at 1.
type Page struct {
	Number int
	Text   string
}

type Document struct {
	Pages []Page
}

// Text joins the pages with "[Page N]" markers, the form the prompt embeds.
func (d Document) Text() string {
	var b strings.Builder
	for _, p := range d.Pages {
		fmt.Fprintf(&b, "\n[Page %d]\n%s\n", p.Number, p.Text)
	}
	return b.String()
}

// Empty reports whether no page produced any text.
func (d Document) Empty() bool {
	for _, p := range d.Pages {
		if p.Text != "" {
			return false
		}
	}
	return true
}

// ParseError reports an unusable upload.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse pdf: %s: %v", e.Reason, e.Err)
	}
	return "parse pdf: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// Options configures an Extractor.
type Options struct {
	Backend  Backend
	MaxBytes int64
	Logger   *zap.Logger
}

type Extractor struct {
	backend   Backend
	maxBytes  int64
	pdftotext string // resolved binary path, empty when unavailable
	logger    *zap.Logger
}

// NewExtractor resolves the backend. Requesting pdftotext explicitly fails
// when the binary is not on PATH; auto silently degrades to native only.
func NewExtractor(opts Options) (*Extractor, error) {
	backend := opts.Backend
	if backend == "" {
		backend = BackendAuto
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	e := &Extractor{backend: backend, maxBytes: maxBytes, logger: logging.OrNop(opts.Logger)}

	switch backend {
	case BackendNative:
	case BackendAuto, BackendPdftotext:
		bin, err := exec.LookPath("pdftotext")
		if err == nil {
			e.pdftotext = bin
		} else if backend == BackendPdftotext {
			return nil, fmt.Errorf("pdftotext backend requested but not installed: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown document backend %q", backend)
	}
	return e, nil
}

// Extract returns the normalized per-page text of a PDF.
func (e *Extractor) Extract(ctx context.Context, data []byte) (Document, error) {
	if len(data) == 0 {
		return Document{}, &ParseError{Reason: "empty file"}
	}
	if int64(len(data)) > e.maxBytes {
		return Document{}, &ParseError{Reason: fmt.Sprintf("file too large: %d bytes (max %d bytes)", len(data), e.maxBytes)}
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return Document{}, &ParseError{Reason: "not a PDF file"}
	}

	var pages []string
	var err error
	switch e.backend {
	case BackendNative:
		pages, err = extractNative(ctx, data)
	case BackendPdftotext:
		pages, err = extractPdftotext(ctx, e.pdftotext, data)
	default:
		pages, err = extractNative(ctx, data)
		if e.pdftotext != "" && (err != nil || allBlank(pages)) {
			if err != nil {
				e.logger.Debug("native pdf extraction failed, trying pdftotext", zap.Error(err))
			}
			if alt, altErr := extractPdftotext(ctx, e.pdftotext, data); altErr == nil {
				pages, err = alt, nil
			}
		}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Document{}, err
		}
		return Document{}, &ParseError{Reason: "unreadable document", Err: err}
	}
	if len(pages) == 0 {
		return Document{}, &ParseError{Reason: "document has no pages"}
	}

	doc := Document{Pages: make([]Page, len(pages))}
	for i, text := range pages {
		doc.Pages[i] = Page{Number: i + 1, Text: Normalize(text)}
	}
	return doc, nil
}

// Normalize collapses every whitespace run to one space and trims the ends.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func allBlank(pages []string) bool {
	for _, p := range pages {
		if strings.TrimSpace(p) != "" {
			return false
		}
	}
	return true
}
