// Package media checks inline image payloads against the size ceiling.
package media

import (
	"fmt"
	"strings"
)

// DefaultMaxImageBytes is the decoded-size ceiling for an outbound image.
const DefaultMaxImageBytes = 5 << 20

// PayloadTooLargeError is returned when an image exceeds the ceiling.
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("image exceeds %dMB limit", e.Limit>>20)
}

// DecodedSize estimates the byte size of a base64 payload, accepting either a
// bare base64 string or a data URL ("data:image/png;base64,....").
func DecodedSize(payload string) int {
	if i := strings.IndexByte(payload, ','); i >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[i+1:]
	}
	n := len(payload)
	if n == 0 {
		return 0
	}
	padding := 0
	if strings.HasSuffix(payload, "==") {
		padding = 2
	} else if strings.HasSuffix(payload, "=") {
		padding = 1
	}
	return n*3/4 - padding
}

// CheckImage returns a *PayloadTooLargeError when payload decodes to more than
// limit bytes. An empty payload always passes. limit <= 0 uses the default.
func CheckImage(payload string, limit int) error {
	if payload == "" {
		return nil
	}
	if limit <= 0 {
		limit = DefaultMaxImageBytes
	}
	if size := DecodedSize(payload); size > limit {
		return &PayloadTooLargeError{Size: size, Limit: limit}
	}
	return nil
}

// IsImageDataURL reports whether payload looks like an inline image.
func IsImageDataURL(payload string) bool {
	return strings.HasPrefix(payload, "data:image/")
}

// SplitDataURL returns the media type and raw base64 of a data URL such as
// "data:video/mp4;base64,AAAA". ok is false for anything else.
func SplitDataURL(payload string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(payload, "data:")
	if !found {
		return "", "", false
	}
	header, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, found = strings.CutSuffix(header, ";base64")
	if !found || mediaType == "" {
		return "", "", false
	}
	return mediaType, data, true
}

// CheckImages applies CheckImage to every payload, stopping at the first
// failure.
func CheckImages(payloads []string, limit int) error {
	for _, p := range payloads {
		if err := CheckImage(p, limit); err != nil {
			return err
		}
	}
	return nil
}
