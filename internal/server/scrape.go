package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/i2plabs/i2pcontrol-exporter/internal/i2pcontrol"
	"github.com/i2plabs/i2pcontrol-exporter/internal/metrics"
	"github.com/i2plabs/i2pcontrol-exporter/internal/version"
)

// scrapeTimeoutHeader carries the scrape_timeout Prometheus configured for
// this target. Scrapes without it are rejected before any upstream call.
const scrapeTimeoutHeader = "X-Prometheus-Scrape-Timeout-Seconds"

const (
	// scrapeMarginSeconds is shaved off generous hints so the response and
	// its self-metrics still reach Prometheus before it gives up on us.
	scrapeMarginSeconds = 0.5
	// marginMinTimeoutSeconds: hints at or below this keep their full
	// value; shaving half a second off an already tight budget would
	// starve the upstream call.
	marginMinTimeoutSeconds = 3.0
	// minEffectiveSeconds is the floor for the effective budget.
	minEffectiveSeconds = 0.1
)

// effectiveTimeout derives the upstream budget for one scrape from the
// Prometheus timeout hint. The result is capped at hardMax and floored at
// minEffectiveSeconds. The second return is false when the header is
// missing or not a finite number.
func effectiveTimeout(header string, hardMax time.Duration) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	hint, err := strconv.ParseFloat(header, 64)
	if err != nil || math.IsNaN(hint) || math.IsInf(hint, 0) {
		return 0, false
	}

	candidate := hint
	if hint > marginMinTimeoutSeconds {
		candidate = hint - scrapeMarginSeconds
	}
	if capSeconds := hardMax.Seconds(); candidate > capSeconds {
		candidate = capSeconds
	}
	if candidate < minEffectiveSeconds {
		candidate = minEffectiveSeconds
	}
	return time.Duration(candidate * float64(time.Second)), true
}

// RouterFetcher provides router state for one scrape. Defined here
// (consumer-side) rather than importing the concrete client.
type RouterFetcher interface {
	FetchRouterInfo(ctx context.Context) (map[string]json.RawMessage, error)
}

// scrapeHandler serves GET /metrics. Every request drives one upstream
// poll; there is no background collection loop, so the exposition is only
// as stale as the scrape interval.
type scrapeHandler struct {
	fetcher    RouterFetcher
	renderer   *metrics.Renderer
	maxTimeout time.Duration
	logger     *zap.Logger
}

type pipelineResult struct {
	snap *metrics.Snapshot
	err  error
}

func (h *scrapeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	budget, ok := effectiveTimeout(r.Header.Get(scrapeTimeoutHeader), h.maxTimeout)
	if !ok {
		h.logger.Warn("rejecting scrape without a usable timeout header",
			zap.String("header", r.Header.Get(scrapeTimeoutHeader)),
			zap.String("request_id", RequestID(r.Context())),
		)
		http.Error(w, "missing or invalid X-Prometheus-Scrape-Timeout-Seconds header", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), budget)
	defer cancel()

	start := time.Now()
	snap, err := h.collect(ctx)
	duration := time.Since(start)

	status := http.StatusOK
	switch {
	case err == nil:
		h.logger.Debug("scrape complete", zap.Duration("duration", duration))
	case ctx.Err() != nil:
		// Only this scrape's own expired budget counts as a timeout;
		// deadline errors propagated from elsewhere are upstream failures.
		status = http.StatusGatewayTimeout
		h.logger.Warn("scrape timed out",
			zap.Duration("budget", budget),
			zap.Duration("duration", duration),
		)
	case errors.Is(err, i2pcontrol.ErrAuthFailed):
		h.logger.Error("authentication failed", zap.Error(err))
	case errors.Is(err, metrics.ErrMapping):
		h.logger.Error("router info mapping failed", zap.Error(err))
	default:
		h.logger.Error("router info fetch failed", zap.Error(err))
	}

	body, renderErr := h.renderer.Render(snap, metrics.SelfMetrics{
		Version:          version.Short(),
		ScrapeDuration:   duration,
		EffectiveTimeout: budget,
		ScrapeError:      err != nil,
	})
	if renderErr != nil {
		h.logger.Error("exposition failed", zap.Error(renderErr))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", metrics.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// collect runs the fetch and mapping pipeline under ctx. The pipeline runs
// in its own goroutine so the response can go out the moment the budget
// expires, even if the upstream call has not unwound yet.
func (h *scrapeHandler) collect(ctx context.Context) (*metrics.Snapshot, error) {
	done := make(chan pipelineResult, 1)
	go func() {
		result, err := h.fetcher.FetchRouterInfo(ctx)
		if err != nil {
			done <- pipelineResult{err: err}
			return
		}
		snap, err := metrics.BuildSnapshot(result)
		done <- pipelineResult{snap: snap, err: err}
	}()

	select {
	case res := <-done:
		return res.snap, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
