package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// healthTimeout bounds each dependency check.
const healthTimeout = 3 * time.Second

// Check pings one dependency.
type Check func(ctx context.Context) error

// SlotSource reports the ledger's current slot.
type SlotSource interface {
	GetSlot(ctx context.Context) (uint64, error)
}

// HealthHandler reports dependency health.
type HealthHandler struct {
	checks map[string]Check
	ledger SlotSource
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. ledger may be nil.
func NewHealthHandler(checks map[string]Check, ledger SlotSource, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, ledger: ledger, logger: logHandler(logger, "health")}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Slot      *uint64           `json:"slot,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// HealthCheck pings every dependency concurrently. Any failure reports
// "degraded" with status 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Checks:    make(map[string]string, len(h.checks)+1),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			h.logger.WarnContext(ctx, "health check failed", slog.String("check", name), slog.String("error", err.Error()))
			return
		}
		resp.Checks[name] = "ok"
	}

	for name, check := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(name, check(ctx))
		}()
	}
	if h.ledger != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := h.ledger.GetSlot(ctx)
			if err == nil {
				mu.Lock()
				resp.Slot = &slot
				mu.Unlock()
			}
			record("ledger", err)
		}()
	}
	wg.Wait()

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
