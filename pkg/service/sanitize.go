package service

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
)

// DefaultMaxInputSize bounds a single string value sent by a client.
const DefaultMaxInputSize = 4096

var (
	ErrInputTooLarge = errors.New("input exceeds maximum allowed size")
	ErrInvalidUTF8   = errors.New("input contains invalid UTF-8 sequences")
)

// SanitizeInput enforces the size limit, validates UTF-8 and strips control
// characters other than newline, tab and carriage return.
func SanitizeInput(input string, limit int) (string, error) {
	if limit > 0 && len(input) > limit {
		// Rejected rather than truncated so the logged value is what the client sent.
		return "", fmt.Errorf("%w: %w: size=%d limit=%d", domain.ErrInvalidInput, ErrInputTooLarge, len(input), limit)
	}
	if !utf8.ValidString(input) {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidInput, ErrInvalidUTF8)
	}

	if strings.IndexFunc(input, isUnsafeControl) < 0 {
		return input, nil
	}
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if !isUnsafeControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

func isUnsafeControl(r rune) bool {
	return unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r'
}

// sanitizeValues returns a copy of values with every string sanitized.
func (s *Service) sanitizeValues(values map[string]any) (map[string]any, error) {
	if len(values) == 0 {
		return values, nil
	}
	out := make(map[string]any, len(values))
	for name, v := range values {
		clean, err := s.sanitizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		out[name] = clean
	}
	return out, nil
}

// sanitizeValue checks v and every string nested in JSON arrays and objects.
func (s *Service) sanitizeValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return SanitizeInput(val, s.maxInputSize)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			clean, err := s.sanitizeValue(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = clean
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, item := range val {
			cleanKey, err := SanitizeInput(key, s.maxInputSize)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			clean, err := s.sanitizeValue(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			out[cleanKey] = clean
		}
		return out, nil
	default:
		return v, nil
	}
}
