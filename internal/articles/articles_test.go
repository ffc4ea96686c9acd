package articles

import (
	"context"
	"errors"
	"reflect"
	"testing"

	logx "postbot/pkg/logx"
)

func TestFindCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"single", "art. 1234567 on tag", []string{"1234567"}},
		{"nine digits", "SKU 123456789", []string{"123456789"}},
		{"too short and too long", "123456 and 1234567890", nil},
		{"glued to letters", "abc1234567xyz 7654321", []string{"1234567", "7654321"}},
		{"duplicates collapse", "1234567 1234567", []string{"1234567"}},
		{"empty", "", nil},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := FindCodes(tc.text)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("FindCodes(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

type stubSource struct {
	texts map[string]string
}

func (s *stubSource) ExtractText(ctx context.Context, path string) (string, error) {
	text, ok := s.texts[path]
	if !ok {
		return "", errors.New("unreadable")
	}
	return text, nil
}

func TestFromImagesSkipsFailedImages(t *testing.T) {
	t.Parallel()

	d := NewDetector(&stubSource{texts: map[string]string{
		"a.jpg": "tag 1111111",
		"b.jpg": "tags 2222222 and 1111111",
	}}, logx.Nop())

	got := d.FromImages(context.Background(), []string{"a.jpg", "broken.jpg", "b.jpg"})
	want := []string{"1111111", "2222222"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FromImages = %v, want %v", got, want)
	}
}

func TestDisabledDetectorIsNoop(t *testing.T) {
	t.Parallel()

	var d *Detector
	if d.Enabled() {
		t.Fatal("nil detector reports enabled")
	}
	if got := d.FromImages(context.Background(), []string{"a.jpg"}); got != nil {
		t.Fatalf("nil detector returned %v", got)
	}
	if NewDetector(nil, logx.Nop()).Enabled() {
		t.Fatal("detector without source reports enabled")
	}
}

func TestFormatForCaption(t *testing.T) {
	t.Parallel()

	if got := FormatForCaption(nil); got != "" {
		t.Fatalf("empty = %q", got)
	}
	if got := FormatForCaption([]string{"1234567"}); got != "Article code: 1234567" {
		t.Fatalf("single = %q", got)
	}
	if got := FormatForCaption([]string{"1234567", "7654321"}); got != "Article codes: 1234567, 7654321" {
		t.Fatalf("plural = %q", got)
	}
}
