package httpapi

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/santralab/santral/internal/tenant"
)

// admission rate-limits session creation per tenant. Profiles can set their
// own rate; everything else shares the process default. Limiters are rebuilt
// when a profile reload changes the tenant's rate.
type admission struct {
	defaultPerMinute float64
	defaultBurst     int

	mu       sync.Mutex
	limiters map[string]*tenantLimiter
}

type tenantLimiter struct {
	limiter   *rate.Limiter
	perMinute float64
	burst     int
}

func newAdmission(perMinute float64, burst int) *admission {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &admission{
		defaultPerMinute: perMinute,
		defaultBurst:     burst,
		limiters:         make(map[string]*tenantLimiter),
	}
}

func (a *admission) allow(tenantID string, adm tenant.Admission) bool {
	perMinute := adm.SessionsPerMinute
	if perMinute <= 0 {
		perMinute = a.defaultPerMinute
	}
	burst := adm.Burst
	if burst <= 0 {
		burst = a.defaultBurst
	}

	a.mu.Lock()
	tl, ok := a.limiters[tenantID]
	if !ok || tl.perMinute != perMinute || tl.burst != burst {
		tl = &tenantLimiter{
			limiter:   rate.NewLimiter(rate.Limit(perMinute/60.0), burst),
			perMinute: perMinute,
			burst:     burst,
		}
		a.limiters[tenantID] = tl
	}
	a.mu.Unlock()

	return tl.limiter.Allow()
}
