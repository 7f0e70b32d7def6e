// Package snapshot turns the live page's interactive elements into an
// immutable PageSnapshot that downstream step generation can enumerate.
package snapshot

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webpilot-dev/webpilot/api/schemas"
	"github.com/webpilot-dev/webpilot/internal/selector"
)

// ErrorTitle is the synthetic title of the degraded snapshot returned when
// the page cannot be introspected at all.
const ErrorTitle = "error"

// Builder captures PageSnapshots from a BrowserDriver.
type Builder struct {
	logger *zap.Logger
}

// NewBuilder creates a snapshot Builder.
func NewBuilder(logger *zap.Logger) *Builder {
	return &Builder{logger: logger.Named("snapshot")}
}

// Capture enumerates the driver's interactive elements and converts each to a
// DOMElement with a synthesized selector. Elements that cannot be
// introspected are skipped rather than failing the whole capture. On total
// failure (no page loaded, driver error) it returns a degraded empty snapshot
// with the synthetic "error" title; callers must treat an empty snapshot as
// "no usable context yet", never as fatal. Capture itself never returns an
// error.
func (b *Builder) Capture(ctx context.Context, driver schemas.BrowserDriver) *schemas.PageSnapshot {
	raw, err := driver.ListInteractiveElements(ctx)
	if err != nil {
		b.logger.Warn("Page introspection failed, returning degraded snapshot.", zap.Error(err))
		return degraded()
	}

	snap := &schemas.PageSnapshot{
		CapturedAt: time.Now().UTC(),
		Elements:   make([]schemas.DOMElement, 0, len(raw)),
	}

	if snap.URL, err = driver.CurrentURL(ctx); err != nil {
		b.logger.Debug("Could not read page URL for snapshot.", zap.Error(err))
	}
	if snap.Title, err = driver.Title(ctx); err != nil {
		b.logger.Debug("Could not read page title for snapshot.", zap.Error(err))
	}

	for _, el := range raw {
		dom, ok := convert(el)
		if !ok {
			b.logger.Debug("Skipping element without usable attributes.",
				zap.String("tag", el.Tag))
			continue
		}
		snap.Elements = append(snap.Elements, dom)
	}

	b.logger.Debug("Captured page snapshot.",
		zap.String("url", snap.URL),
		zap.Int("elements", len(snap.Elements)))
	return snap
}

// convert maps one raw element to a DOMElement. It reports false for elements
// so bare that no selector more specific than "*" can be derived and that
// carry no text either; those are noise the generator cannot act on.
func convert(el schemas.RawElement) (schemas.DOMElement, bool) {
	sel := selector.Synthesize(el)
	text := strings.TrimSpace(el.Text)
	if sel == "*" && text == "" {
		return schemas.DOMElement{}, false
	}

	attrs := make(map[string]string, len(el.Attributes))
	for k, v := range el.Attributes {
		if strings.TrimSpace(v) != "" {
			attrs[k] = v
		}
	}

	return schemas.DOMElement{
		Tag:        strings.ToLower(strings.TrimSpace(el.Tag)),
		Selector:   sel,
		Text:       text,
		Role:       strings.TrimSpace(el.Role),
		AriaLabel:  strings.TrimSpace(el.Attributes["aria-label"]),
		Attributes: attrs,
	}, true
}

func degraded() *schemas.PageSnapshot {
	return &schemas.PageSnapshot{
		Title:      ErrorTitle,
		CapturedAt: time.Now().UTC(),
		Elements:   []schemas.DOMElement{},
	}
}
