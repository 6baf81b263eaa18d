// ABOUTME: Logger setup for coven-router: JSON for machines, colorized text for terminals
// ABOUTME: Routing attributes (tenant, capability, stage) are highlighted in terminal output

package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-router/internal/config"
)

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{out: &lockedWriter{w: w}, level: level})
}

// lockedWriter serializes whole lines from every handler derived from one root.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) writeLine(s string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err := io.WriteString(lw.w, s)
	return err
}

var highlighted = map[string]*color.Color{
	"tenant_id":     color.New(color.FgCyan),
	"capability_id": color.New(color.FgGreen),
	"stage":         color.New(color.FgYellow),
	"error":         color.New(color.FgRed),
}

// colorHandler writes one colorized line per record. Attributes added with
// WithAttrs are rendered once, under the groups open at that point.
type colorHandler struct {
	out    *lockedWriter
	level  slog.Level
	prefix string // open groups, dot-joined with a trailing dot
	fixed  string // pre-rendered attrs from WithAttrs
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return color.New(color.FgRed, color.Bold).Sprint("ERR")
	case l >= slog.LevelWarn:
		return color.YellowString("WRN")
	case l >= slog.LevelInfo:
		return color.CyanString("INF")
	default:
		return color.MagentaString("DBG")
	}
}

func renderAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			renderAttr(b, prefix, ga)
		}
		return
	}

	b.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
	if c, ok := highlighted[a.Key]; ok {
		b.WriteString(c.Sprint(a.Value.String()))
		return
	}
	b.WriteString(a.Value.String())
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	if !r.Time.IsZero() {
		b.WriteString(color.HiBlackString(r.Time.Format("15:04:05")) + " ")
	}
	b.WriteString(levelTag(r.Level))
	b.WriteString(" ")
	b.WriteString(r.Message)
	b.WriteString(h.fixed)
	r.Attrs(func(a slog.Attr) bool {
		renderAttr(&b, h.prefix, a)
		return true
	})
	b.WriteString("\n")
	return h.out.writeLine(b.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var b strings.Builder
	b.WriteString(h.fixed)
	for _, a := range attrs {
		renderAttr(&b, h.prefix, a)
	}
	h2 := *h
	h2.fixed = b.String()
	return &h2
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}
