// Package retention is the single source of truth mapping a client's
// retention token to a duration. Both UploadSessionManager.initiate and
// UploadSessionManager.complete call Resolve with the same token so a
// session's expiration and its eventual clip's expiration are derived
// from one durable choice rather than two independently-maintained
// copies.
package retention

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
)

// defaultLadder is the compiled-in retention ladder, used when no
// override file is configured and by the zero-value Ladder. An override
// file that fails to load or validate makes LoadFromFile return an error.
var defaultLadder = map[string]time.Duration{
	"5min":  5 * time.Minute,
	"15min": 15 * time.Minute,
	"30min": 30 * time.Minute,
	"1hr":   time.Hour,
	"6hr":   6 * time.Hour,
	"24hr":  24 * time.Hour,
}

// Ladder resolves retention tokens to durations. The zero value behaves
// like the compiled-in defaults.
type Ladder struct {
	durations map[string]time.Duration
}

// Default returns a Ladder backed by the compiled-in retention values.
func Default() Ladder {
	return Ladder{durations: defaultLadder}
}

// overrideFile is the shape of an optional YAML file overriding the
// retention ladder without a redeploy.
type overrideFile struct {
	Retention map[string]string `yaml:"retention"`
}

// LoadFromFile reads a YAML retention override at path. Each value must
// parse as a Go duration string (e.g. "90m"). If path is empty, the
// compiled-in defaults are returned unchanged.
func LoadFromFile(path string) (Ladder, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Ladder{}, fmt.Errorf("retention: read override file: %w", err)
	}

	var raw overrideFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Ladder{}, fmt.Errorf("retention: parse override file: %w", err)
	}

	merged := make(map[string]time.Duration, len(defaultLadder))
	for k, v := range defaultLadder {
		merged[k] = v
	}
	for token, raw := range raw.Retention {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Ladder{}, fmt.Errorf("retention: override token %q: %w", token, err)
		}
		merged[token] = d
	}

	return Ladder{durations: merged}, nil
}

// Resolve maps a client-supplied retention token to a duration.
// INVALID_RETENTION is returned for any token outside the ladder.
func (l Ladder) Resolve(token string) (time.Duration, error) {
	durations := l.durations
	if durations == nil {
		durations = defaultLadder
	}
	d, ok := durations[token]
	if !ok {
		return 0, qopyerr.New(qopyerr.KindValidation, "INVALID_RETENTION")
	}
	return d, nil
}

// Tokens returns the set of valid retention tokens, for request
// validation error messages.
func (l Ladder) Tokens() []string {
	durations := l.durations
	if durations == nil {
		durations = defaultLadder
	}
	tokens := make([]string, 0, len(durations))
	for k := range durations {
		tokens = append(tokens, k)
	}
	return tokens
}
