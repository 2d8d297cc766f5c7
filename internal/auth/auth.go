// Package auth resolves the bearer token used for the feed and bulk source.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoToken is returned when no token source yields a value.
var ErrNoToken = errors.New("no token configured")

// TokenSource names where a token may come from. The first non-empty source
// wins: the literal Token, then the Env variable, then the File contents.
type TokenSource struct {
	Token string // Literal token (usually ${VAR}-expanded from config)
	Env   string // Environment variable holding the token
	File  string // File whose trimmed contents are the token
}

// Resolve returns the token.
func (s TokenSource) Resolve() (string, error) {
	if t := strings.TrimSpace(s.Token); t != "" {
		return t, nil
	}

	if s.Env != "" {
		if t := strings.TrimSpace(os.Getenv(s.Env)); t != "" {
			return t, nil
		}
	}

	if s.File != "" {
		data, err := os.ReadFile(s.File)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		if t := strings.TrimSpace(string(data)); t != "" {
			return t, nil
		}
		return "", fmt.Errorf("token file %s is empty", s.File)
	}

	return "", ErrNoToken
}

// Describe names the source that Resolve would use, for logging. It never
// includes the token itself.
func (s TokenSource) Describe() string {
	switch {
	case strings.TrimSpace(s.Token) != "":
		return "inline"
	case s.Env != "" && strings.TrimSpace(os.Getenv(s.Env)) != "":
		return "env:" + s.Env
	case s.File != "":
		return "file:" + s.File
	default:
		return "none"
	}
}

// Redact masks all but the last four characters of a token.
func Redact(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}
