package tgui

import "testing"

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short stays", in: "hello", n: 10, want: "hello"},
		{name: "exact stays", in: "hello", n: 5, want: "hello"},
		{name: "cut gets ellipsis", in: "hello world", n: 5, want: "hello…"},
		{name: "multibyte not split", in: "привет мир", n: 6, want: "привет…"},
		{name: "zero empties", in: "hello", n: 0, want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncRunes(tt.in, tt.n); got != tt.want {
				t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestEscAndTags(t *testing.T) {
	t.Parallel()
	if got := Esc(`<b> & "q"`).String(); got != "&lt;b&gt; &amp; &#34;q&#34;" {
		t.Fatalf("Esc = %q", got)
	}
	if got := B("a<b").String(); got != "<b>a&lt;b</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := Code("x&y").String(); got != "<code>x&amp;y</code>" {
		t.Fatalf("Code = %q", got)
	}
}

func TestData(t *testing.T) {
	t.Parallel()
	if got := Data("flow", "kind", "single"); got != "flow:kind:single" {
		t.Fatalf("Data = %q", got)
	}
	if got := Data("queue", "clear", ""); got != "queue:clear" {
		t.Fatalf("Data without payload = %q", got)
	}
}
