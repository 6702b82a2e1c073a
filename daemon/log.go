// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/remem-project/remem/lib/config"
)

// newLogger builds the session logger: JSON records to the configured
// log file, with error-and-above records mirrored as plain lines on
// the diagnostic stream. stdout is never an option here, it carries
// protocol bytes. The returned func releases the log file.
func newLogger(cfg config.LogConfig, errOut io.Writer) (*slog.Logger, func(), error) {
	mirror := newDiagnosticHandler(errOut)

	if cfg.File == "" {
		return slog.New(mirror), func() {}, nil
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	return slog.New(fanoutHandler{fileHandler, mirror}), func() { file.Close() }, nil
}

// diagnosticHandler writes error records as single plain-text lines.
// The daemon's stderr is the transport's diagnostic side channel: the
// client's strerror surfaces the last line written here, so the format
// is one terse line per record, never JSON.
type diagnosticHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	attrs []slog.Attr
}

func newDiagnosticHandler(w io.Writer) *diagnosticHandler {
	return &diagnosticHandler{mu: &sync.Mutex{}, w: w}
}

func (h *diagnosticHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *diagnosticHandler) Handle(_ context.Context, record slog.Record) error {
	b := make([]byte, 0, 128)
	b = append(b, "rememd: "...)
	b = append(b, record.Message...)
	for _, attr := range h.attrs {
		b = appendDiagnosticAttr(b, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		b = appendDiagnosticAttr(b, attr)
		return true
	})
	b = append(b, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(b)
	return err
}

func appendDiagnosticAttr(b []byte, attr slog.Attr) []byte {
	return fmt.Appendf(b, " %s=%v", attr.Key, attr.Value)
}

func (h *diagnosticHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := *h
	derived.attrs = append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...)
	return &derived
}

// WithGroup flattens groups; one terse line needs no nesting.
func (h *diagnosticHandler) WithGroup(string) slog.Handler {
	return h
}

// fanoutHandler sends each record to multiple underlying handlers. A
// record is enabled if any sub-handler is enabled for that level.
type fanoutHandler []slog.Handler

func (handlers fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (handlers fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range handlers {
		if handler.Enabled(ctx, record.Level) {
			if err := handler.Handle(ctx, record); err != nil {
				return err
			}
		}
	}
	return nil
}

func (handlers fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := make(fanoutHandler, len(handlers))
	for index, handler := range handlers {
		derived[index] = handler.WithAttrs(attrs)
	}
	return derived
}

func (handlers fanoutHandler) WithGroup(name string) slog.Handler {
	derived := make(fanoutHandler, len(handlers))
	for index, handler := range handlers {
		derived[index] = handler.WithGroup(name)
	}
	return derived
}
