// Package i18n localizes the fixed texts the coach speaks when the LLM is
// unavailable, and the API's user-facing messages.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Message IDs.
const (
	MsgFallbackReply   = "FallbackReply"
	MsgFallbackClosing = "FallbackClosing"
	MsgRepeatPlease    = "RepeatPlease"
	MsgSessionComplete = "SessionComplete"
	MsgPhaseIntro      = "PhaseIntro"
	MsgSessionNotFound = "SessionNotFound"
	MsgSessionEnded    = "SessionEnded"
	MsgInvalidRequest  = "InvalidRequest"
	MsgTurnsScored     = "TurnsScored"

	MsgFeedbackWithheld = "FeedbackWithheld"
	MsgInternalError    = "InternalError"
)

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

var (
	mu      sync.RWMutex
	bundle  *i18n.Bundle
	defLang = "en"
)

// Init loads the translation bundle with lang as the default language.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}

	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return fmt.Errorf("read locales dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return fmt.Errorf("read locale file %s: %w", e.Name(), err)
		}
		if _, err := b.ParseMessageFileBytes(data, e.Name()); err != nil {
			return fmt.Errorf("parse locale file %s: %w", e.Name(), err)
		}
		slog.Debug("loaded locale file", "file", e.Name())
	}

	mu.Lock()
	bundle = b
	defLang = tag.String()
	mu.Unlock()
	return nil
}

func current() *i18n.Bundle {
	mu.RLock()
	b := bundle
	mu.RUnlock()
	if b != nil {
		return b
	}
	if err := Init("en"); err != nil {
		panic(err) // embedded locales are broken
	}
	mu.RLock()
	defer mu.RUnlock()
	return bundle
}

// Languages returns the tags that have a locale file.
func Languages() []language.Tag {
	return current().LanguageTags()
}

// NewLocalizer creates a localizer preferring the given languages, falling
// back to the default language.
func NewLocalizer(langs ...string) *i18n.Localizer {
	b := current()
	mu.RLock()
	langs = append(langs, defLang)
	mu.RUnlock()
	return i18n.NewLocalizer(b, langs...)
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(ctxKey{}).(*i18n.Localizer); ok {
		return loc
	}
	return NewLocalizer()
}

// T translates a message by ID.
func T(ctx context.Context, msgID string) string {
	return localize(localizerFromCtx(ctx), &i18n.LocalizeConfig{MessageID: msgID})
}

// Td translates a message by ID with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return localize(localizerFromCtx(ctx), &i18n.LocalizeConfig{
		MessageID:    msgID,
		TemplateData: data,
	})
}

// Tp translates a pluralized message by ID.
func Tp(ctx context.Context, msgID string, count int) string {
	return localize(localizerFromCtx(ctx), &i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}

// Localize translates msgID into the session language lang, outside of any
// request.
func Localize(lang, msgID string, data map[string]any) string {
	return localize(NewLocalizer(lang), &i18n.LocalizeConfig{
		MessageID:    msgID,
		TemplateData: data,
	})
}

func localize(loc *i18n.Localizer, cfg *i18n.LocalizeConfig) string {
	s, err := loc.Localize(cfg)
	if err != nil {
		slog.Warn("missing translation", "id", cfg.MessageID, "error", err)
		return cfg.MessageID
	}
	return s
}
