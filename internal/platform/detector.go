package platform

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tokenwatch/internal/types"
)

// suffixRules maps a mint-string suffix to the platform it implies. This is
// the fast path: no external call, confidence >= 0.99 on a hit. The set is
// grounded on the pump.fun / bonk.fun / Raydium / Moonshot mint-tagging
// convention used across the Solana memecoin ecosystem.
var suffixRules = []struct {
	suffix   string
	platform types.Platform
}{
	{"pump", types.PlatformPump},
	{"bonk", types.PlatformBonk},
	{"moon", types.PlatformMoonshot},
}

// AuthoritativeLookup resolves a mint's creating program/owner to a
// platform via an external directory. It is optional: the zero value
// (nil) means the detector only ever uses the suffix rule and fallback.
type AuthoritativeLookup interface {
	Lookup(ctx context.Context, mint string) (types.Platform, float64, error)
}

// Config configures a Detector.
type Config struct {
	Lookup          AuthoritativeLookup
	CacheMaxEntries int
	CacheTTL        time.Duration
	FallbackDefault types.Platform // used by callers that accept a default instead of provisional-unknown
}

// Detector implements spec's mint -> {platform, confidence, method}
// resolution: suffix rule, then authoritative lookup, then fallback.
type Detector struct {
	cache           *DetectorCache
	lookup          AuthoritativeLookup
	fallbackDefault types.Platform
}

// NewDetector builds a Detector from cfg, defaulting the cache to a 24h TTL
// per spec.
func NewDetector(cfg Config) *Detector {
	return &Detector{
		cache:           NewDetectorCache(cfg.CacheMaxEntries, cfg.CacheTTL),
		lookup:          cfg.Lookup,
		fallbackDefault: cfg.FallbackDefault,
	}
}

// Detect resolves mint to a Detection. It never blocks on the authoritative
// lookup longer than ctx allows; callers that cannot wait should use
// DetectFast instead.
func (d *Detector) Detect(ctx context.Context, mint string) types.Detection {
	if cached, ok := d.cache.Get(mint); ok {
		return cached
	}

	if p, ok := matchSuffix(mint); ok {
		det := types.Detection{Platform: p, Confidence: 0.99, Method: types.MethodMintPattern}
		d.cache.Set(mint, det)
		return det
	}

	if d.lookup != nil {
		p, confidence, err := d.lookup.Lookup(ctx, mint)
		if err != nil {
			log.Debug().Err(err).Str("mint", mint).Msg("platform: authoritative lookup failed")
		} else if confidence >= 0.95 && p != "" && p != types.PlatformUnknown {
			det := types.Detection{Platform: p, Confidence: confidence, Method: types.MethodProgramID}
			d.cache.Set(mint, det)
			return det
		}
	}

	return d.fallback()
}

// DetectFast returns only the non-blocking paths (suffix rule, cache); it
// never calls the authoritative lookup. Use for callers on a hot path that
// cannot suspend; pair with a RetryBuffer to reconcile later.
func (d *Detector) DetectFast(mint string) types.Detection {
	if cached, ok := d.cache.Get(mint); ok {
		return cached
	}
	if p, ok := matchSuffix(mint); ok {
		det := types.Detection{Platform: p, Confidence: 0.99, Method: types.MethodMintPattern}
		d.cache.Set(mint, det)
		return det
	}
	return d.fallback()
}

func (d *Detector) fallback() types.Detection {
	if d.fallbackDefault != "" && d.fallbackDefault != types.PlatformUnknown {
		return types.Detection{Platform: d.fallbackDefault, Confidence: 0, Method: types.MethodFallback}
	}
	return types.Detection{Platform: types.PlatformUnknown, Confidence: 0, Method: types.MethodFallback}
}

// ClearCache drops every memoized detection. Exposed per spec's design note
// that the detector cache is a process-lifetime singleton behind an
// explicit interface.
func (d *Detector) ClearCache() {
	d.cache.Clear()
}

// Shutdown releases the cache's background sweep goroutine.
func (d *Detector) Shutdown() {
	d.cache.Shutdown()
}

func matchSuffix(mint string) (types.Platform, bool) {
	lower := strings.ToLower(mint)
	for _, rule := range suffixRules {
		if strings.HasSuffix(lower, rule.suffix) {
			return rule.platform, true
		}
	}
	return "", false
}
