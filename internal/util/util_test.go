package util

import (
	"path/filepath"
	"testing"
)

func TestHideAPIKey(t *testing.T) {
	cases := map[string]string{
		"":                    "",
		"ab":                  "ab",
		"abcd":                "a...d",
		"abcdefgh":            "ab...gh",
		"AIzaSyExampleKey123": "AIza...y123",
	}
	for in, want := range cases {
		if got := HideAPIKey(in); got != want {
			t.Fatalf("HideAPIKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskSensitiveQuery(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{raw: "", want: ""},
		{raw: "alt=sse", want: "alt=sse"},
		{raw: "key=AIzaSyExampleKey123&alt=sse", want: "key=AIza...y123&alt=sse"},
		{raw: "alt=sse&access_token=abcdefghijkl", want: "alt=sse&access_token=abcd...ijkl"},
		{raw: "X-API-KEY=abcdefghij", want: "X-API-KEY=abcd...ghij"},
		{raw: "flag&secret", want: "flag&secret="},
		{raw: "keys=abcdefghij", want: "keys=abcdefghij"},
	}
	for _, tc := range cases {
		if got := MaskSensitiveQuery(tc.raw); got != tc.want {
			t.Fatalf("MaskSensitiveQuery(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestWritablePath(t *testing.T) {
	t.Setenv("WRITABLE_PATH", "")
	t.Setenv("writable_path", "")
	if got := WritablePath(); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}

	t.Setenv("writable_path", " /srv/relay/../relay/ ")
	if got, want := WritablePath(), filepath.Clean("/srv/relay"); got != want {
		t.Fatalf("WritablePath() = %q, want %q", got, want)
	}

	t.Setenv("WRITABLE_PATH", "/var/lib/relay")
	if got, want := WritablePath(), filepath.Clean("/var/lib/relay"); got != want {
		t.Fatalf("uppercase should win: got %q, want %q", got, want)
	}
}
