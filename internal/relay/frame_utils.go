package relay

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const dataURLPrefix = "data:"

// DecodeFrame turns an inbound frame field into image bytes. s is either raw
// base64 or a data URL of the form data:<mime>;base64,<payload>. The decoded
// size is checked against maxBytes before the payload is decoded.
func DecodeFrame(s string, maxBytes int) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, "", validationErr("Empty frame data received")
	}

	mime := defaultFrameMIME
	payload := s
	if strings.HasPrefix(s, dataURLPrefix) {
		header, rest, ok := strings.Cut(s, ",")
		if !ok {
			return nil, "", validationErr("Invalid data URL format")
		}
		if m := parseDataURLMIME(header); m != "" {
			mime = m
		}
		payload = rest
	}
	if payload == "" {
		return nil, "", validationErr("Empty frame data received")
	}

	enc := base64.StdEncoding
	if !strings.HasSuffix(payload, "=") && len(payload)%4 != 0 {
		enc = base64.RawStdEncoding
	}
	if maxBytes > 0 {
		if n := enc.DecodedLen(len(payload)); n > maxBytes+2 {
			return nil, "", oversizeErr(n, maxBytes)
		}
	}

	data, err := enc.DecodeString(payload)
	if err != nil {
		return nil, "", &CommandError{Kind: ErrValidation, Message: "Invalid base64 frame data", Details: err.Error()}
	}
	if len(data) == 0 {
		return nil, "", validationErr("Empty frame data received")
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, "", oversizeErr(len(data), maxBytes)
	}
	return data, mime, nil
}

// parseDataURLMIME extracts the media type from "data:<mime>;base64".
func parseDataURLMIME(header string) string {
	header = strings.TrimPrefix(header, dataURLPrefix)
	mime, _, _ := strings.Cut(header, ";")
	mime = strings.ToLower(strings.TrimSpace(mime))
	if !strings.HasPrefix(mime, "image/") {
		return ""
	}
	return mime
}

// EncodeDataURL renders data as a base64 data URL, defaulting to image/jpeg.
func EncodeDataURL(data []byte, mime string) string {
	if mime == "" {
		mime = defaultFrameMIME
	}
	var b strings.Builder
	b.Grow(len(dataURLPrefix) + len(mime) + len(";base64,") + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString(dataURLPrefix)
	b.WriteString(mime)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

func oversizeErr(size, max int) error {
	return &CommandError{
		Kind:    ErrOversize,
		Message: "Frame size too large",
		Details: formatMB(size) + " exceeds the maximum allowed of " + formatMB(max),
	}
}

func formatMB(n int) string {
	return fmt.Sprintf("%.1fMB", float64(n)/(1024*1024))
}
