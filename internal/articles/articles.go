// Package articles finds product article codes (7 to 9 digit numbers)
// in photo text so they can be appended to the post caption.
//
// Reading text off an image needs an external OCR or vision service;
// that part is behind the TextSource interface and is optional. Without
// one the detector reports no codes and the flow carries on.
package articles

import (
	"context"
	"sort"
	"strings"

	logx "postbot/pkg/logx"
)

// TextSource turns one image into raw text.
type TextSource interface {
	ExtractText(ctx context.Context, imagePath string) (string, error)
}

// Detector runs the text source over a photo set and filters article
// codes out of the result. A nil detector or nil source is a no-op.
type Detector struct {
	src TextSource
	log logx.Logger
}

func NewDetector(src TextSource, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{src: src, log: log}
}

func (d *Detector) Enabled() bool { return d != nil && d.src != nil }

// FromImages extracts codes from every image, best effort. A failed
// image is skipped, the rest still contribute.
func (d *Detector) FromImages(ctx context.Context, paths []string) []string {
	if !d.Enabled() {
		return nil
	}
	seen := map[string]bool{}
	var codes []string
	for _, p := range paths {
		text, err := d.src.ExtractText(ctx, p)
		if err != nil {
			d.log.Warn("article text extraction failed", logx.String("path", p), logx.Err(err))
			continue
		}
		for _, c := range FindCodes(text) {
			if !seen[c] {
				seen[c] = true
				codes = append(codes, c)
			}
		}
	}
	sort.Strings(codes)
	return codes
}

// FindCodes returns every distinct digit run of length 7 to 9 in text,
// sorted.
func FindCodes(text string) []string {
	seen := map[string]bool{}
	var codes []string
	for _, run := range strings.FieldsFunc(text, func(r rune) bool { return r < '0' || r > '9' }) {
		if n := len(run); n < 7 || n > 9 {
			continue
		}
		if !seen[run] {
			seen[run] = true
			codes = append(codes, run)
		}
	}
	sort.Strings(codes)
	return codes
}

// FormatForCaption renders the code list as a caption suffix line.
func FormatForCaption(codes []string) string {
	switch len(codes) {
	case 0:
		return ""
	case 1:
		return "Article code: " + codes[0]
	default:
		return "Article codes: " + strings.Join(codes, ", ")
	}
}
