// Package credentials resolves provider settings through an ordered chain
// of sources: the integration_tokens row, then the environment, then
// built-in defaults.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrIncomplete is returned when no source supplied a required field.
var ErrIncomplete = errors.New("provider settings incomplete")

// Built-in endpoints of the local provider relay.
const (
	DefaultCreateURL = "http://localhost:8081/v1/video/create"
	DefaultQueryURL  = "http://localhost:8081/v1/video/query"
)

// Settings is what a dispatch or poll needs to reach the provider.
type Settings struct {
	APIKey    string
	CreateURL string
	QueryURL  string
}

func (s Settings) normalize() Settings {
	s.APIKey = strings.TrimSpace(s.APIKey)
	s.CreateURL = strings.TrimSpace(s.CreateURL)
	s.QueryURL = strings.TrimSpace(s.QueryURL)
	return s
}

// fill copies fields of other into empty fields of s.
func (s Settings) fill(other Settings) Settings {
	if s.APIKey == "" {
		s.APIKey = other.APIKey
	}
	if s.CreateURL == "" {
		s.CreateURL = other.CreateURL
	}
	if s.QueryURL == "" {
		s.QueryURL = other.QueryURL
	}
	return s
}

func (s Settings) missing() []string {
	var out []string
	if s.APIKey == "" {
		out = append(out, "api key")
	}
	if s.CreateURL == "" {
		out = append(out, "create url")
	}
	if s.QueryURL == "" {
		out = append(out, "query url")
	}
	return out
}

// Source yields a possibly partial set of settings.
type Source interface {
	Name() string
	Load(ctx context.Context) (Settings, error)
}

// Static is a fixed source, used for the environment and defaults.
type Static struct {
	Label    string
	Settings Settings
}

func (s Static) Name() string { return s.Label }

func (s Static) Load(context.Context) (Settings, error) {
	return s.Settings.normalize(), nil
}

// Defaults supplies the built-in endpoints and never a key.
func Defaults() Static {
	return Static{Label: "default", Settings: Settings{CreateURL: DefaultCreateURL, QueryURL: DefaultQueryURL}}
}

// Resolver evaluates its sources in order; for each field the first
// non-empty value wins. A failing source is logged and skipped.
type Resolver struct {
	sources []Source
	logger  zerolog.Logger
}

func NewResolver(logger zerolog.Logger, sources ...Source) *Resolver {
	return &Resolver{sources: sources, logger: logger}
}

// Resolve returns complete settings or an error wrapping ErrIncomplete.
func (r *Resolver) Resolve(ctx context.Context) (Settings, error) {
	var out Settings
	for _, src := range r.sources {
		loaded, err := src.Load(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("source", src.Name()).Msg("provider settings source failed")
			continue
		}
		out = out.fill(loaded.normalize())
		if len(out.missing()) == 0 {
			break
		}
	}
	if missing := out.missing(); len(missing) > 0 {
		return out, fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, ", "))
	}
	return out, nil
}
