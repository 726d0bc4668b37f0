// Command mock-core serves the mirador-core metrics endpoint and the
// remediation actuator API for local development.
package main

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type seriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type metricsRequest struct {
	Target string `json:"target"`
	Series string `json:"series"`
}

type actionRequest struct {
	Target string            `json:"target"`
	Action string            `json:"action"`
	Params map[string]string `json:"params"`
}

// baselines gives each known series a plausible resting value.
var baselines = map[string]float64{
	"cpu_usage":         45,
	"memory_usage":      60,
	"error_rate":        0.01,
	"response_time_ms":  180,
	"connection_errors": 0,
}

type state struct {
	mu      sync.Mutex
	spiking map[string]bool
	failing map[string]bool
	applied []actionRequest
}

func newState(spikeTargets, failingActions string) *state {
	return &state{spiking: splitSet(spikeTargets), failing: splitSet(failingActions)}
}

func main() {
	st := newState(os.Getenv("MOCK_SPIKE_TARGETS"), os.Getenv("MOCK_FAIL_ACTIONS"))
	logger := log.New(log.Writer(), "core-mock ", log.LstdFlags|log.Lmicroseconds)

	addr := os.Getenv("MOCK_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, newMux(st, time.Now)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func newMux(st *state, now func() time.Time) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /api/v1/rca/metrics", func(w http.ResponseWriter, r *http.Request) {
		var req metricsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		st.mu.Lock()
		spike := st.spiking[req.Target]
		st.mu.Unlock()
		writeJSON(w, map[string]any{"series": generate(req.Series, spike, now())})
	})

	mux.HandleFunc("POST /actions/{kind}", func(w http.ResponseWriter, r *http.Request) {
		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		kind := r.PathValue("kind")
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.failing[kind] {
			http.Error(w, kind+" failed", http.StatusInternalServerError)
			return
		}
		st.applied = append(st.applied, req)
		// A successful remediation clears the simulated incident.
		delete(st.spiking, req.Target)
		writeJSON(w, map[string]any{"status": "applied", "action": kind, "target": req.Target})
	})

	mux.HandleFunc("GET /targets/{target}/health", func(w http.ResponseWriter, r *http.Request) {
		target := r.PathValue("target")
		st.mu.Lock()
		unhealthy := st.spiking[target]
		st.mu.Unlock()
		if unhealthy {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"target": target, "healthy": true})
	})

	return mux
}

// generate returns one hour of minute samples, the last five spiking when asked.
func generate(series string, spike bool, now time.Time) []seriesPoint {
	base, ok := baselines[series]
	if !ok {
		base = 10
	}
	end := now.UTC().Truncate(time.Minute)
	points := make([]seriesPoint, 0, 60)
	for i := 59; i >= 0; i-- {
		v := base * (1 + 0.05*math.Sin(float64(i)/3))
		if spike && i < 5 {
			v = base*3 + 100
		}
		points = append(points, seriesPoint{Timestamp: end.Add(-time.Duration(i) * time.Minute), Value: v})
	}
	return points
}

func splitSet(csv string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out[part] = true
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
