package relay

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	raw := []byte("\xff\xd8jpeg-bytes!")
	std := base64.StdEncoding.EncodeToString(raw)

	cases := []struct {
		name     string
		in       string
		wantMIME string
	}{
		{"raw base64", std, "image/jpeg"},
		{"unpadded base64", base64.RawStdEncoding.EncodeToString(raw), "image/jpeg"},
		{"jpeg data url", "data:image/jpeg;base64," + std, "image/jpeg"},
		{"png data url", "data:image/png;base64," + std, "image/png"},
		{"non-image mime", "data:text/plain;base64," + std, "image/jpeg"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, mime, err := DecodeFrame(tc.in, DefaultMaxFrameBytes)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if string(data) != string(raw) {
				t.Errorf("data = %q", data)
			}
			if mime != tc.wantMIME {
				t.Errorf("mime = %q, want %q", mime, tc.wantMIME)
			}
		})
	}
}

func TestDecodeFrame_errors(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int
		kind error
	}{
		{"empty", "  ", 0, ErrValidation},
		{"data url without comma", "data:image/jpeg;base64", 0, ErrValidation},
		{"data url without payload", "data:image/jpeg;base64,", 0, ErrValidation},
		{"invalid base64", "%%%%", 0, ErrValidation},
		{"oversize", base64.StdEncoding.EncodeToString([]byte(strings.Repeat("a", 101))), 100, ErrOversize},
		{"oversize precheck", strings.Repeat("A", 4000), 100, ErrOversize},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := DecodeFrame(tc.in, tc.max)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
		})
	}
}

func TestDecodeFrame_at_limit(t *testing.T) {
	in := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("a", 100)))
	if _, _, err := DecodeFrame(in, 100); err != nil {
		t.Fatalf("frame of exactly the limit should pass: %v", err)
	}
}

func TestEncodeDataURL(t *testing.T) {
	got := EncodeDataURL([]byte("hi"), "")
	if got != "data:image/jpeg;base64,aGk=" {
		t.Errorf("EncodeDataURL = %q", got)
	}
	if got := EncodeDataURL([]byte("hi"), "image/png"); !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Errorf("EncodeDataURL with mime = %q", got)
	}
}
