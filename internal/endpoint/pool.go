package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory"
	empotel "github.com/tellemthatsme/ai-empire-monitoring-suite/internal/otel"
)

var tracer = empotel.Tracer("github.com/tellemthatsme/ai-empire-monitoring-suite/internal/endpoint")

// Record is the persisted endpoint state ("kind":"endpoint" variant) under
// "endpoints/<id>".
type Record struct {
	Kind                string    `json:"kind"`
	ID                  string    `json:"id"`
	CostPerCall         float64   `json:"cost_per_call"`
	RateLimit           int       `json:"rate_limit"`
	Tags                []string  `json:"tags,omitempty"`
	Available           bool      `json:"available"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Calls               int64     `json:"calls"`
	Failures            int64     `json:"failures"`
	TotalCost           float64   `json:"total_cost"`
	LastLatencyMS       int64     `json:"last_latency_ms"`
	DisabledReason      string    `json:"disabled_reason,omitempty"`
	DisabledAt          time.Time `json:"disabled_at,omitempty"`
}

func (r *Record) hasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Pool routes work to admitted endpoints. Endpoint state is persisted in the
// memory store; the pool holds providers and rate limiters, which are process
// local by nature. Endpoints are never deleted automatically: a disabled
// endpoint stays registered and can be re-admitted only through Reenable (a
// monitor directive or operator action).
type Pool struct {
	mu               sync.Mutex
	store            *memory.Store
	providers        map[string]Provider
	limiters         map[string]*rate.Limiter
	rr               int
	failureThreshold int
}

// NewPool creates a pool. After failureThreshold consecutive failures an
// endpoint is marked unavailable.
func NewPool(store *memory.Store, failureThreshold int) *Pool {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &Pool{
		store:            store,
		providers:        make(map[string]Provider),
		limiters:         make(map[string]*rate.Limiter),
		failureThreshold: failureThreshold,
	}
}

func endpointKey(id string) string {
	return memory.Key(memory.CategoryEndpoints, id)
}

// Admit registers a provider with the pool. Providers reporting a non-zero
// cost per call are rejected from the default (free) pool. Re-admitting an
// existing id refreshes its descriptor but keeps its counters.
func (p *Pool) Admit(ctx context.Context, provider Provider) error {
	ctx, span := tracer.Start(ctx, "endpoint.admit")
	defer span.End()

	desc := provider.Describe()
	if desc.ID == "" {
		return fmt.Errorf("endpoint id must not be empty")
	}
	if desc.CostPerCall != 0 {
		return fmt.Errorf("%w: %s reports cost_per_call %.4f", ErrPaidEndpoint, desc.ID, desc.CostPerCall)
	}
	span.SetAttributes(attribute.String("endpoint_id", desc.ID))

	_, err := p.store.Update(ctx, endpointKey(desc.ID), func(current json.RawMessage) (json.RawMessage, error) {
		rec := Record{Kind: "endpoint", ID: desc.ID, Available: true}
		if current != nil {
			if err := json.Unmarshal(current, &rec); err != nil {
				return nil, fmt.Errorf("decoding endpoint %s: %w", desc.ID, err)
			}
		}
		rec.CostPerCall = desc.CostPerCall
		rec.RateLimit = desc.RateLimit
		rec.Tags = desc.Tags
		return json.Marshal(rec)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	p.mu.Lock()
	p.providers[desc.ID] = provider
	p.limiters[desc.ID] = newLimiter(desc.RateLimit)
	p.mu.Unlock()

	log.Info().Str("endpoint_id", desc.ID).Int("rate_limit", desc.RateLimit).Msg("endpoint_admitted")
	return nil
}

// newLimiter builds a token bucket approximating a rolling one-minute
// window: tokens refill continuously instead of resetting at a fixed
// boundary, which avoids thundering-herd resets.
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := perMinute
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
}

// Provider returns the admitted provider for id.
func (p *Pool) Provider(id string) (Provider, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	provider, ok := p.providers[id]
	return provider, ok
}

// Select picks an available endpoint, preferring the lowest consecutive
// failure count and breaking ties round-robin to spread load. Endpoints with
// a matching capability tag are preferred when the hint is set; endpoints out
// of rate-limit budget are skipped until their window refills. Selecting an
// endpoint consumes one rate-limit token.
func (p *Pool) Select(ctx context.Context, capabilityHint string) (string, error) {
	ctx, span := tracer.Start(ctx, "endpoint.select",
		trace.WithAttributes(attribute.String("capability_hint", capabilityHint)))
	defer span.End()

	records, err := p.available(ctx)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	// Prefer tagged matches; fall back to the full available set.
	candidates := records
	if capabilityHint != "" {
		var tagged []Record
		for _, rec := range records {
			if rec.hasTag(capabilityHint) {
				tagged = append(tagged, rec)
			}
		}
		if len(tagged) > 0 {
			candidates = tagged
		}
	}
	if len(candidates) == 0 {
		return "", ErrNoAvailableEndpoint
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ConsecutiveFailures != candidates[j].ConsecutiveFailures {
			return candidates[i].ConsecutiveFailures < candidates[j].ConsecutiveFailures
		}
		return candidates[i].ID < candidates[j].ID
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	// Rotate the tie group so equal-health endpoints share the load.
	low := candidates[0].ConsecutiveFailures
	tie := 0
	for tie < len(candidates) && candidates[tie].ConsecutiveFailures == low {
		tie++
	}
	start := p.rr % tie
	p.rr++

	for i := 0; i < len(candidates); i++ {
		var rec Record
		if i < tie {
			rec = candidates[(start+i)%tie]
		} else {
			rec = candidates[i]
		}
		limiter, ok := p.limiters[rec.ID]
		if !ok {
			continue
		}
		if !limiter.Allow() {
			continue
		}
		span.SetAttributes(attribute.String("endpoint_id", rec.ID))
		return rec.ID, nil
	}
	return "", ErrNoAvailableEndpoint
}

func (p *Pool) available(ctx context.Context) ([]Record, error) {
	entries, err := p.store.Query(ctx, memory.CategoryEndpoints+memory.Sep)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var records []Record
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			continue
		}
		if !rec.Available {
			continue
		}
		if _, ok := p.providers[rec.ID]; !ok {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// RecordOutcome updates endpoint state after a call. Failures increment the
// consecutive counter and disable the endpoint at the threshold; success
// resets the counter. Cost accrues from the descriptor (always 0 for the
// free pool, but tracked so paid endpoints would surface).
func (p *Pool) RecordOutcome(ctx context.Context, id string, success bool, latency time.Duration) error {
	ctx, span := tracer.Start(ctx, "endpoint.record_outcome",
		trace.WithAttributes(
			attribute.String("endpoint_id", id),
			attribute.Bool("success", success),
		))
	defer span.End()

	var disabled bool
	_, err := p.store.Update(ctx, endpointKey(id), func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
		}
		var rec Record
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, fmt.Errorf("decoding endpoint %s: %w", id, err)
		}
		rec.Calls++
		rec.TotalCost += rec.CostPerCall
		rec.LastLatencyMS = latency.Milliseconds()
		if success {
			rec.ConsecutiveFailures = 0
		} else {
			rec.Failures++
			rec.ConsecutiveFailures++
			if rec.Available && rec.ConsecutiveFailures >= p.failureThreshold {
				rec.Available = false
				rec.DisabledReason = fmt.Sprintf("%d consecutive failures", rec.ConsecutiveFailures)
				rec.DisabledAt = time.Now().UTC()
				disabled = true
			}
		}
		return json.Marshal(rec)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if disabled {
		log.Warn().Str("endpoint_id", id).Msg("endpoint_disabled")
	}
	return nil
}

// Reenable re-admits a disabled endpoint. Only reachable via a monitor
// directive or operator action.
func (p *Pool) Reenable(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "endpoint.reenable",
		trace.WithAttributes(attribute.String("endpoint_id", id)))
	defer span.End()

	_, err := p.store.Update(ctx, endpointKey(id), func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
		}
		var rec Record
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, fmt.Errorf("decoding endpoint %s: %w", id, err)
		}
		rec.Available = true
		rec.ConsecutiveFailures = 0
		rec.DisabledReason = ""
		rec.DisabledAt = time.Time{}
		return json.Marshal(rec)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	log.Info().Str("endpoint_id", id).Msg("endpoint_reenabled")
	return nil
}

// List returns all persisted endpoint records (available or not).
func (p *Pool) List(ctx context.Context) ([]Record, error) {
	entries, err := p.store.Query(ctx, memory.CategoryEndpoints+memory.Sep)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Invoke calls the endpoint's provider with the call timeout and records the
// outcome, including timeout expiry as a failure. Returns the completion on
// success.
func (p *Pool) Invoke(ctx context.Context, id, prompt string) (*Completion, error) {
	provider, ok := p.Provider(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}

	callCtx, cancel := context.WithTimeout(ctx, TimeoutCall)
	defer cancel()

	start := time.Now()
	completion, err := provider.Invoke(callCtx, prompt)
	latency := time.Since(start)

	// Outcome bookkeeping must survive call-timeout expiry.
	if recErr := p.RecordOutcome(context.WithoutCancel(ctx), id, err == nil, latency); recErr != nil {
		log.Warn().Err(recErr).Str("endpoint_id", id).Msg("record_outcome_failed")
	}
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", id, err)
	}
	return completion, nil
}
