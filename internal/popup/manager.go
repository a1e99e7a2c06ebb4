// Package popup keeps at most one product popup active on the display
// surface and tracks popups the shopper dismissed directly.
package popup

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-kiosk/internal/catalog"
)

// Window is one open popup on a surface.
type Window interface {
	ID() string
	// Close removes the popup. Closing an already-closed window is a no-op.
	Close() error
	// Closed reports whether the window is gone, including when the shopper
	// closed it from the surface.
	Closed() bool
}

// Surface opens popups.
type Surface interface {
	Open(id string, p catalog.Product) (Window, error)
}

// Manager owns the popup registry. Show, Close and Sweep are called from the
// dispatcher goroutine; Active may be read from anywhere.
type Manager struct {
	surface Surface
	log     *slog.Logger

	mu       sync.Mutex
	registry map[string]Window
	active   string
}

func NewManager(surface Surface, log *slog.Logger) *Manager {
	return &Manager{
		surface:  surface,
		log:      log.With(slog.String("component", "popup")),
		registry: make(map[string]Window),
	}
}

// Show closes any active popup and opens a new one for p.
func (m *Manager) Show(p catalog.Product, id string) {
	m.Close()

	w, err := m.surface.Open(id, p)
	if err != nil {
		m.log.Warn("failed to open popup", slog.String("popup_id", id), slog.String("error", err.Error()))
		return
	}
	m.mu.Lock()
	m.registry[id] = w
	m.active = id
	m.mu.Unlock()
	m.log.Info("popup shown", slog.String("popup_id", id), slog.String("product_id", p.ID))
}

// Close removes the active popup, if any. It never fails.
func (m *Manager) Close() {
	m.mu.Lock()
	id := m.active
	w, ok := m.registry[id]
	delete(m.registry, id)
	m.active = ""
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := w.Close(); err != nil {
		m.log.Debug("popup already gone", slog.String("popup_id", id), slog.String("error", err.Error()))
		return
	}
	m.log.Info("popup closed", slog.String("popup_id", id))
}

// Sweep drops registry entries whose windows are already closed and returns
// their IDs in sorted order.
func (m *Manager) Sweep() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dismissed []string
	for id, w := range m.registry {
		if !w.Closed() {
			continue
		}
		delete(m.registry, id)
		if id == m.active {
			m.active = ""
		}
		dismissed = append(dismissed, id)
	}
	sort.Strings(dismissed)
	return dismissed
}

// Active returns the ID of the active popup.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != ""
}

// Count reports how many popups are registered.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registry)
}
