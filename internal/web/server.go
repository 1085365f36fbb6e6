// Package web serves the metrics and sync status endpoints.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nhle/kolab-storage/internal/sync"
)

// StatusSource reports the current per-folder sync state.
type StatusSource interface {
	Statuses() []sync.SyncStatus
}

type folderStatus struct {
	Folder   string    `json:"folder"`
	State    string    `json:"state"`
	LastSync time.Time `json:"last_sync,omitzero"`
	Appended int       `json:"appended"`
	Error    string    `json:"error,omitempty"`
}

// NewRouter returns a handler serving /metrics from gatherer and
// /status from src.
func NewRouter(gatherer prometheus.Gatherer, src StatusSource, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		statuses := src.Statuses()
		out := make([]folderStatus, 0, len(statuses))
		for _, s := range statuses {
			fs := folderStatus{
				Folder:   s.Folder,
				State:    s.State.String(),
				LastSync: s.LastSync,
				Appended: s.Appended,
			}
			if s.Error != nil {
				fs.Error = s.Error.Error()
			}
			out = append(out, fs)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			logger.Warn("writing status response", "error", err)
		}
	}).Methods(http.MethodGet)
	return r
}

// NewServer wraps h in an http.Server listening on addr.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Handler:      h,
		Addr:         addr,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
}
