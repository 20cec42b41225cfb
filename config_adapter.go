package resilientclient

import (
	"log/slog"
	"net/http"

	fileconfig "github.com/dskow/resilientclient/internal/config"
)

// urlKeyFn derives the breaker key from the full request URL rather than
// just the host, for callers that want per-path (not just per-host)
// breakers.
func urlKeyFn(req Request) string {
	return req.URL
}

// FromFileConfig builds a Client Config from a loaded file-based
// configuration (internal/config.Config, via its Adapt method), plus the
// external collaborators a file can't express: the HTTP client and logger.
func FromFileConfig(fc fileconfig.ToClientConfig, httpClient *http.Client, logger *slog.Logger) Config {
	cfg := Config{
		MaxInFlight:      fc.MaxInFlight,
		MaxQueue:         fc.MaxQueue,
		EnqueueTimeoutMS: fc.EnqueueTimeoutMS,
		RequestTimeoutMS: fc.RequestTimeoutMS,
		Breaker: BreakerConfig{
			WindowSize:       fc.BreakerWindow,
			MinRequests:      fc.BreakerMin,
			FailureThreshold: fc.BreakerThreshold,
			CooldownMS:       fc.BreakerCooldown,
			HalfOpenProbes:   fc.BreakerProbes,
		},
		HTTPClient: httpClient,
		Logger:     logger,
	}
	if fc.UseURLKey {
		cfg.KeyFn = urlKeyFn
	}
	return cfg
}
