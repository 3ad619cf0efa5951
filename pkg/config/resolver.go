// Package config resolves effective workflow configuration by merging
// built-in defaults, cached per-tenant settings and per-job overrides.
package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/docflow-io/docflow/pkg/core"
)

// NoTimeout is the explicit "never time out" sentinel for a gate. It is
// distinct from an absent setting, which falls through to the default.
const NoTimeout = time.Duration(-1)

// DefaultCacheTTL is how long tenant settings stay cached before a re-fetch.
const DefaultCacheTTL = 5 * time.Minute

// DefaultGateTimeouts are the built-in per-gate review deadlines.
var DefaultGateTimeouts = map[core.Gate]time.Duration{
	core.GateIssueReview:   24 * time.Hour,
	core.GateFixReview:     48 * time.Hour,
	core.GateMappingReview: 48 * time.Hour,
	core.GateFinalReview:   72 * time.Hour,
}

// RetryPolicy controls automatic retry of failed jobs.
type RetryPolicy struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	MaxRetries int           `yaml:"maxRetries" json:"maxRetries"`
	Backoff    time.Duration `yaml:"backoff" json:"-"`
}

// EffectiveConfig is the fully merged workflow configuration for one tenant
// (optionally specialized per job).
type EffectiveConfig struct {
	Enabled            bool
	GateTimeouts       map[core.Gate]time.Duration
	AutoRetry          RetryPolicy
	AllowFullyHeadless bool
}

// Overrides are per-job settings layered over the tenant configuration.
// Nil/absent fields leave the tenant value in place.
type Overrides struct {
	Enabled            *bool
	GateTimeouts       map[core.Gate]time.Duration
	AutoRetry          *RetryPolicy
	AllowFullyHeadless *bool
}

// Defaults returns the built-in configuration used when neither tenant nor
// job say otherwise.
func Defaults() EffectiveConfig {
	timeouts := make(map[core.Gate]time.Duration, len(DefaultGateTimeouts))
	for g, d := range DefaultGateTimeouts {
		timeouts[g] = d
	}
	return EffectiveConfig{
		Enabled:      true,
		GateTimeouts: timeouts,
		AutoRetry:    RetryPolicy{Enabled: false, MaxRetries: 3, Backoff: time.Minute},
	}
}

type cacheEntry struct {
	overlay   tenantOverlay
	fetchedAt time.Time
}

// Resolver merges defaults, tenant settings and job overrides. Tenant
// settings are cached with a short TTL; writers must call ClearCache.
type Resolver struct {
	store    core.Storage
	defaults EffectiveConfig
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// ResolverOption modifies a Resolver.
type ResolverOption func(*Resolver)

// WithDefaults replaces the built-in defaults, e.g. with values loaded from a
// defaults file.
func WithDefaults(d EffectiveConfig) ResolverOption {
	return func(r *Resolver) { r.defaults = d }
}

// WithTTL sets the tenant cache TTL.
func WithTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithLogger sets the resolver's logger.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithClock replaces the time source (tests).
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver over the given settings store.
func NewResolver(store core.Storage, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:    store,
		defaults: Defaults(),
		ttl:      DefaultCacheTTL,
		logger:   slog.Default(),
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetEffectiveConfig merges defaults, the tenant's stored settings and the
// per-job overrides, in that precedence order.
func (r *Resolver) GetEffectiveConfig(ctx context.Context, tenantID string, jobOverrides *Overrides) (EffectiveConfig, error) {
	cfg := cloneConfig(r.defaults)

	overlay, err := r.tenantOverlay(ctx, tenantID)
	if err != nil {
		return EffectiveConfig{}, err
	}
	overlay.apply(&cfg)

	if jobOverrides != nil {
		if jobOverrides.Enabled != nil {
			cfg.Enabled = *jobOverrides.Enabled
		}
		for g, d := range jobOverrides.GateTimeouts {
			cfg.GateTimeouts[g] = d
		}
		if jobOverrides.AutoRetry != nil {
			cfg.AutoRetry = *jobOverrides.AutoRetry
		}
		if jobOverrides.AllowFullyHeadless != nil {
			cfg.AllowFullyHeadless = *jobOverrides.AllowFullyHeadless
		}
	}
	return cfg, nil
}

// GetGateTimeout resolves the review deadline for one gate. The returned
// duration is NoTimeout when the tenant explicitly disabled the timer; an
// unconfigured gate falls through to the default.
func (r *Resolver) GetGateTimeout(ctx context.Context, tenantID string, gate core.Gate) (time.Duration, error) {
	cfg, err := r.GetEffectiveConfig(ctx, tenantID, nil)
	if err != nil {
		return 0, err
	}
	if d, ok := cfg.GateTimeouts[gate]; ok {
		return d, nil
	}
	if d, ok := DefaultGateTimeouts[gate]; ok {
		return d, nil
	}
	return 0, core.ErrUnknownGate
}

// ClearCache drops the cached settings for one tenant. Any writer of tenant
// settings must call this.
func (r *Resolver) ClearCache(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}

// ClearAllCache drops every cached tenant entry.
func (r *Resolver) ClearAllCache() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

// SaveTenantSettings persists raw settings for a tenant and invalidates its
// cache entry.
func (r *Resolver) SaveTenantSettings(ctx context.Context, tenantID string, raw []byte) error {
	if err := r.store.UpdateTenantSettings(ctx, &core.TenantSettings{TenantID: tenantID, Settings: raw}); err != nil {
		return err
	}
	r.ClearCache(tenantID)
	return nil
}

func (r *Resolver) tenantOverlay(ctx context.Context, tenantID string) (tenantOverlay, error) {
	r.mu.Lock()
	entry, ok := r.cache[tenantID]
	r.mu.Unlock()
	if ok && r.now().Sub(entry.fetchedAt) < r.ttl {
		return entry.overlay, nil
	}

	ts, err := r.store.GetTenantSettings(ctx, tenantID)
	if err != nil {
		return tenantOverlay{}, err
	}
	var overlay tenantOverlay
	if ts != nil {
		overlay = r.parseOverlay(tenantID, ts.Settings)
	}

	r.mu.Lock()
	r.cache[tenantID] = cacheEntry{overlay: overlay, fetchedAt: r.now()}
	r.mu.Unlock()
	return overlay, nil
}

// tenantOverlay holds the subset of fields a tenant actually configured.
type tenantOverlay struct {
	enabled            *bool
	gateTimeouts       map[core.Gate]time.Duration
	autoRetry          *RetryPolicy
	allowFullyHeadless *bool
}

func (o tenantOverlay) apply(cfg *EffectiveConfig) {
	if o.enabled != nil {
		cfg.Enabled = *o.enabled
	}
	for g, d := range o.gateTimeouts {
		cfg.GateTimeouts[g] = d
	}
	if o.autoRetry != nil {
		cfg.AutoRetry = *o.autoRetry
	}
	if o.allowFullyHeadless != nil {
		cfg.AllowFullyHeadless = *o.allowFullyHeadless
	}
}

// rawSettings mirrors the stored JSON document. Gate timeouts are
// milliseconds, or the string "none" for the explicit no-timeout sentinel.
type rawSettings struct {
	Enabled            *bool                      `json:"enabled"`
	GateTimeouts       map[string]json.RawMessage `json:"gateTimeouts"`
	AutoRetry          *rawRetry                  `json:"autoRetry"`
	AllowFullyHeadless *bool                      `json:"allowFullyHeadless"`
}

type rawRetry struct {
	Enabled    *bool `json:"enabled"`
	MaxRetries *int  `json:"maxRetries"`
	BackoffMs  *int  `json:"backoffMs"`
}

// parseOverlay degrades gracefully: a malformed field is logged and skipped
// rather than failing the whole lookup.
func (r *Resolver) parseOverlay(tenantID string, raw []byte) tenantOverlay {
	var overlay tenantOverlay
	if len(raw) == 0 {
		return overlay
	}

	var s rawSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		r.logger.Warn("malformed tenant settings, using defaults", "tenant", tenantID, "error", err)
		return overlay
	}

	overlay.enabled = s.Enabled
	overlay.allowFullyHeadless = s.AllowFullyHeadless

	if len(s.GateTimeouts) > 0 {
		overlay.gateTimeouts = make(map[core.Gate]time.Duration)
		for name, msg := range s.GateTimeouts {
			gate := core.Gate(name)
			if !core.ValidGate(gate) {
				r.logger.Warn("unknown gate in tenant settings, skipping", "tenant", tenantID, "gate", name)
				continue
			}
			var ms int64
			if err := json.Unmarshal(msg, &ms); err == nil {
				if ms >= 0 {
					overlay.gateTimeouts[gate] = time.Duration(ms) * time.Millisecond
				}
				continue
			}
			var sentinel string
			if err := json.Unmarshal(msg, &sentinel); err == nil && sentinel == "none" {
				overlay.gateTimeouts[gate] = NoTimeout
				continue
			}
			r.logger.Warn("malformed gate timeout, skipping", "tenant", tenantID, "gate", name)
		}
	}

	if s.AutoRetry != nil {
		p := r.defaults.AutoRetry
		if s.AutoRetry.Enabled != nil {
			p.Enabled = *s.AutoRetry.Enabled
		}
		if s.AutoRetry.MaxRetries != nil && *s.AutoRetry.MaxRetries >= 0 {
			p.MaxRetries = *s.AutoRetry.MaxRetries
		}
		if s.AutoRetry.BackoffMs != nil && *s.AutoRetry.BackoffMs >= 0 {
			p.Backoff = time.Duration(*s.AutoRetry.BackoffMs) * time.Millisecond
		}
		overlay.autoRetry = &p
	}

	return overlay
}

func cloneConfig(c EffectiveConfig) EffectiveConfig {
	out := c
	out.GateTimeouts = make(map[core.Gate]time.Duration, len(c.GateTimeouts))
	for g, d := range c.GateTimeouts {
		out.GateTimeouts[g] = d
	}
	return out
}
