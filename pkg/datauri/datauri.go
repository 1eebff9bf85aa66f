// Package datauri converts between raw bytes and RFC 2397 base64 data URIs,
// the artifact representation handed to browsers.
package datauri

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

// ErrMalformed is returned for strings that are not base64 data URIs.
var ErrMalformed = errors.New("datauri: malformed data uri")

// Encode renders data as a base64 data URI. An empty mime is sniffed from the
// content.
func Encode(mime string, data []byte) string {
	mime = NormalizeMIME(mime)
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Decode parses a base64 data URI into its mime type and payload.
func Decode(uri string) (string, []byte, error) {
	uri = strings.TrimSpace(uri)
	if !IsDataURI(uri) {
		return "", nil, ErrMalformed
	}
	meta, payload, ok := strings.Cut(uri[len("data:"):], ",")
	if !ok {
		return "", nil, ErrMalformed
	}
	if !strings.HasSuffix(strings.ToLower(meta), ";base64") {
		return "", nil, ErrMalformed
	}
	mime := NormalizeMIME(meta[:len(meta)-len(";base64")])
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, errors.Join(ErrMalformed, err)
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return mime, data, nil
}

// IsDataURI reports whether s uses the data: scheme.
func IsDataURI(s string) bool {
	return len(s) >= 5 && strings.EqualFold(s[:5], "data:")
}

// NormalizeMIME lowercases a media type and drops its parameters.
func NormalizeMIME(mime string) string {
	mime, _, _ = strings.Cut(mime, ";")
	return strings.ToLower(strings.TrimSpace(mime))
}

// Extension maps common artifact media types to a file extension.
func Extension(mime string) string {
	switch NormalizeMIME(mime) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
