package popup

import (
	"log/slog"
	"sync/atomic"

	"github.com/loqalabs/loqa-kiosk/internal/catalog"
)

// LogSurface renders popups as log lines. Used headless and when no display
// is attached.
type LogSurface struct {
	log *slog.Logger
}

func NewLogSurface(log *slog.Logger) *LogSurface {
	return &LogSurface{log: log.With(slog.String("component", "popup_log"))}
}

func (s *LogSurface) Open(id string, p catalog.Product) (Window, error) {
	s.log.Info("popup open",
		slog.String("popup_id", id),
		slog.String("product_id", p.ID),
		slog.String("name", p.Name),
		slog.String("price", p.PriceText()),
	)
	return &logWindow{id: id, log: s.log}, nil
}

type logWindow struct {
	id     string
	log    *slog.Logger
	closed atomic.Bool
}

func (w *logWindow) ID() string { return w.id }

func (w *logWindow) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		w.log.Info("popup close", slog.String("popup_id", w.id))
	}
	return nil
}

func (w *logWindow) Closed() bool { return w.closed.Load() }
