package metrics

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// PingFunc probes one dependency.
type PingFunc func(ctx context.Context) error

type probeResult struct {
	OK        bool    `json:"ok"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

type conditionResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// HealthStatus aggregates dependency probes (checked periodically),
// conditions (evaluated per request) and free-form details into /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	probes     map[string]PingFunc
	results    map[string]probeResult
	conditions map[string]func() error
	details    map[string]func() any

	lastCheckAt time.Time
	startedAt   time.Time
	now         func() time.Time
}

func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		probes:     map[string]PingFunc{},
		results:    map[string]probeResult{},
		conditions: map[string]func() error{},
		details:    map[string]func() any{},
		startedAt:  time.Now(),
		now:        time.Now,
	}
}

// AddProbe registers a dependency ping, e.g. Redis or the durable store.
func (h *HealthStatus) AddProbe(name string, fn PingFunc) {
	h.mu.Lock()
	h.probes[name] = fn
	h.mu.Unlock()
}

// AddCondition registers a check evaluated on every request.
func (h *HealthStatus) AddCondition(name string, fn func() error) {
	h.mu.Lock()
	h.conditions[name] = fn
	h.mu.Unlock()
}

// AddDetail registers extra JSON reported under details.<name>.
func (h *HealthStatus) AddDetail(name string, fn func() any) {
	h.mu.Lock()
	h.details[name] = fn
	h.mu.Unlock()
}

// CheckNow runs every probe once and records latency and outcome.
func (h *HealthStatus) CheckNow(ctx context.Context) {
	h.mu.RLock()
	probes := make(map[string]PingFunc, len(h.probes))
	for k, v := range h.probes {
		probes[k] = v
	}
	h.mu.RUnlock()

	results := make(map[string]probeResult, len(probes))
	for name, fn := range probes {
		start := time.Now()
		err := fn(ctx)
		r := probeResult{OK: err == nil, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
		if err != nil {
			r.Error = err.Error()
		}
		results[name] = r
	}

	h.mu.Lock()
	for k, v := range results {
		h.results[k] = v
	}
	h.lastCheckAt = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker runs the probes immediately and then every interval.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			h.CheckNow(probeCtx)
			cancel()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// HealthReport is the /healthz body.
type HealthReport struct {
	Status      string                     `json:"status"`
	Uptime      string                     `json:"uptime"`
	Probes      map[string]probeResult     `json:"probes"`
	Conditions  map[string]conditionResult `json:"conditions"`
	Details     map[string]any             `json:"details,omitempty"`
	LastCheckAt string                     `json:"last_check_at,omitempty"`
}

// Report evaluates the current health. Status is "healthy" when every probe
// and condition passes, "unhealthy" when all probes fail, else "degraded".
func (h *HealthStatus) Report() (HealthReport, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rep := HealthReport{
		Status:     "healthy",
		Uptime:     h.now().Sub(h.startedAt).Round(time.Second).String(),
		Probes:     make(map[string]probeResult, len(h.probes)),
		Conditions: make(map[string]conditionResult, len(h.conditions)),
	}
	if !h.lastCheckAt.IsZero() {
		rep.LastCheckAt = h.lastCheckAt.Format(time.RFC3339)
	}

	failing, total := 0, 0
	for name := range h.probes {
		r, ok := h.results[name]
		if !ok {
			r = probeResult{Error: "not checked yet"}
		}
		rep.Probes[name] = r
		total++
		if !r.OK {
			failing++
		}
	}
	condFailing := 0
	for _, name := range sortedKeys(h.conditions) {
		cr := conditionResult{OK: true}
		if err := h.conditions[name](); err != nil {
			cr = conditionResult{Error: err.Error()}
			condFailing++
		}
		rep.Conditions[name] = cr
	}
	if len(h.details) > 0 {
		rep.Details = make(map[string]any, len(h.details))
		for name, fn := range h.details {
			rep.Details[name] = fn()
		}
	}

	code := http.StatusOK
	switch {
	case total > 0 && failing == total:
		rep.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case failing > 0 || condFailing > 0:
		rep.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return rep, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	rep, code := h.Report()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
