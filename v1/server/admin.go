package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/warplock/v1/metrics"
	"github.com/mirkobrombin/warplock/v1/registry"
)

type keyView struct {
	Key      string           `json:"key"`
	Kind     string           `json:"kind"`
	Owner    string           `json:"owner,omitempty"`
	SubKey   string           `json:"sub_key,omitempty"`
	Deadline *time.Time       `json:"deadline,omitempty"`
	Waiters  map[string][]int `json:"waiters"`
	NoSubKey []string         `json:"waiters_without_sub_key,omitempty"`
}

type statsView struct {
	registry.Stats
	Keys        int `json:"keys"`
	Connections int `json:"connections"`
}

// AdminHandler serves /metrics, /healthz and /debug/keys. Gauges derived
// from the registry are refreshed on every scrape. s may be nil when no
// server runs in the process.
func AdminHandler(reg *registry.Registry, gatherer prometheus.Gatherer, s *Server) http.Handler {
	mux := http.NewServeMux()

	metricsHandler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		refreshGauges(reg)
		metricsHandler.ServeHTTP(w, r)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if s != nil && s.closing.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/debug/keys", func(w http.ResponseWriter, r *http.Request) {
		if key := r.URL.Query().Get("key"); key != "" {
			v, ok := reg.Inspect(key)
			if !ok {
				http.Error(w, "key not found", http.StatusNotFound)
				return
			}
			writeJSON(w, renderKey(key, v))
			return
		}
		out := statsView{Stats: reg.Stats(), Keys: reg.Len()}
		if s != nil {
			out.Connections = s.Connections()
		}
		writeJSON(w, out)
	})
	return mux
}

func refreshGauges(reg *registry.Registry) {
	st := reg.Stats()
	metrics.KeyGauge.WithLabelValues(registry.KindLock.String()).Set(float64(st.Locks))
	metrics.KeyGauge.WithLabelValues(registry.KindChannel.String()).Set(float64(st.Channels))
	metrics.WaiterGauge.Set(float64(st.Waiters))
}

func renderKey(key string, v registry.EntryView) keyView {
	out := keyView{
		Key:     key,
		Kind:    v.Kind.String(),
		Waiters: make(map[string][]int, len(v.Waiters)),
	}
	if v.Owned {
		out.Owner = v.Owner.String()
		if v.SubKey.IsSet() {
			out.SubKey = v.SubKey.String()
		}
		d := v.Deadline
		out.Deadline = &d
	}
	for conn, subs := range v.Waiters {
		set := make([]int, 0, len(subs))
		for _, sub := range subs {
			n, ok := sub.Value()
			if !ok {
				out.NoSubKey = append(out.NoSubKey, conn.String())
				continue
			}
			set = append(set, int(n))
		}
		sort.Ints(set)
		out.Waiters[conn.String()] = set
	}
	sort.Strings(out.NoSubKey)
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
