package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-kiosk/internal/capability"
	"github.com/loqalabs/loqa-kiosk/internal/protocol"
)

const maxQueryBody = 64 << 10

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("POST /v1/query", r.handleQuery)
	mux.HandleFunc("GET /v1/state", r.handleState)
	mux.HandleFunc("GET /v1/capabilities", r.handleCapabilities)
	if r.hub != nil {
		mux.Handle("GET /v1/ui/ws", r.hub)
	}
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports not ready until startup completes. Degraded
// capabilities keep the kiosk ready but are listed.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	for _, svc := range r.services {
		if !svc.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("bus services unhealthy"))
			return
		}
	}
	degraded := r.registry.Query(capability.WithStatus(capability.StatusDegraded))
	if len(degraded) == 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	names := make([]string, 0, len(degraded))
	for _, e := range degraded {
		names = append(names, e.Name)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready (degraded: " + strings.Join(names, ",") + ")"))
}

func (r *Runtime) handleQuery(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxQueryBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.QueryReply{Status: protocol.StatusNotFound, Error: "unreadable body"})
		return
	}
	var q protocol.Query
	if err := json.Unmarshal(body, &q); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.QueryReply{Status: protocol.StatusNotFound, Error: "invalid json"})
		return
	}
	reply, err := r.engine.Query(req.Context(), q.Text)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, req.Context().Err()) {
			status = http.StatusServiceUnavailable
		}
		r.logger.Warn("query failed", slog.String("error", err.Error()))
		writeJSON(w, status, protocol.QueryReply{Status: protocol.StatusNotFound, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.engine.Snapshot())
}

func (r *Runtime) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.registry.Query(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
