// Package httputil provides helpers for working with HTTP payloads safely.
package httputil

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

const (
	// DefaultMaxRequestBodyBytes caps inbound API bodies to 1MB.
	DefaultMaxRequestBodyBytes int64 = 1 << 20
	// DefaultMaxErrorBodyBytes caps upstream error bodies kept for logging.
	DefaultMaxErrorBodyBytes int64 = 64 << 10
)

var ErrBodyTooLarge = errors.New("body too large")

// ReadLimitedBody reads up to maxBytes from reader and returns ErrBodyTooLarge when exceeded.
func ReadLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		body = body[:int(maxBytes)]
		return body, ErrBodyTooLarge
	}
	return body, nil
}

// DecodeJSON reads at most maxBytes from reader and unmarshals them into v.
// An empty body is an error.
func DecodeJSON(reader io.Reader, maxBytes int64, v interface{}) error {
	body, err := ReadLimitedBody(reader, maxBytes)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
