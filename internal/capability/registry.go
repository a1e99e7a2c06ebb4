package capability

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrUnavailable marks a recognizer, synthesizer or device that is offline.
// Callers switch to a fallback instead of failing.
var ErrUnavailable = errors.New("capability unavailable")

// Well-known capability names.
const (
	SpeechRecognizer = "stt"
	ImageEmbedder    = "vision"
	Synthesizer      = "tts"
	Player           = "playback"
	Microphone       = "microphone"
	Camera           = "camera"
	Bus              = "bus"
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
)

type Entry struct {
	Name    string    `json:"name"`
	Status  Status    `json:"status"`
	Detail  string    `json:"detail,omitempty"`
	Since   time.Time `json:"since"`
	Warned  bool      `json:"-"`
	Changes int       `json:"changes"`
}

// Publisher receives status transitions, typically the bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// SubjectStatus carries capability status transitions.
const SubjectStatus = "kiosk.capability.status"

type Registry struct {
	log       *slog.Logger
	mu        sync.RWMutex
	entries   map[string]*Entry
	publisher Publisher
	clock     func() time.Time
	meter     metric.Meter
	gauge     metric.Int64ObservableGauge
}

func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{
		log:     log.With(slog.String("component", "capability-registry")),
		entries: make(map[string]*Entry),
		clock:   time.Now,
		meter:   otel.Meter("github.com/loqalabs/loqa-kiosk/capability"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// SetPublisher forwards future transitions to p.
func (r *Registry) SetPublisher(p Publisher) {
	r.mu.Lock()
	r.publisher = p
	r.mu.Unlock()
}

// MarkOK records a capability as healthy.
func (r *Registry) MarkOK(name string) {
	r.set(name, StatusOK, "")
}

// MarkDegraded records a capability as running on its fallback. The first
// degradation of each capability is logged; repeats are not.
func (r *Registry) MarkDegraded(name string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	r.set(name, StatusDegraded, detail)
}

func (r *Registry) set(name string, status Status, detail string) {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		entry = &Entry{Name: name}
		r.entries[name] = entry
	}
	if ok && entry.Status == status {
		r.mu.Unlock()
		return
	}
	entry.Status = status
	entry.Detail = detail
	entry.Since = r.clock().UTC()
	entry.Changes++
	warn := status == StatusDegraded && !entry.Warned
	if warn {
		entry.Warned = true
	}
	snapshot := *entry
	publisher := r.publisher
	r.mu.Unlock()

	if warn {
		r.log.Warn("capability degraded, using fallback", slog.String("capability", name), slog.String("detail", detail))
	} else if status == StatusOK {
		r.log.Debug("capability ok", slog.String("capability", name))
	}
	if publisher != nil {
		if err := publisher.PublishJSON(SubjectStatus, snapshot); err != nil {
			r.log.Debug("failed to publish capability status", slog.String("error", err.Error()))
		}
	}
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Query returns copies of entries that match filter, sorted by name.
func (r *Registry) Query(filter func(Entry) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Entry
	for _, entry := range r.entries {
		copy := *entry
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// Degraded reports whether any capability is running on a fallback.
func (r *Registry) Degraded() bool {
	return len(r.Query(WithStatus(StatusDegraded))) > 0
}

func WithStatus(status Status) func(Entry) bool {
	return func(e Entry) bool { return e.Status == status }
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("kiosk.capability.degraded", metric.WithDescription("1 when a capability is running on its fallback"))
	if err != nil {
		return err
	}
	r.gauge = gauge
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		for _, entry := range r.Query(nil) {
			var v int64
			if entry.Status == StatusDegraded {
				v = 1
			}
			obs.ObserveInt64(gauge, v, metric.WithAttributes(attribute.String("capability", entry.Name)))
		}
		return nil
	}, gauge)
	return err
}
