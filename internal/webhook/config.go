package webhook

import (
	"fmt"

	"github.com/mattjoyce/hookgate/internal/config"
)

// FromGlobalConfig converts the loaded configuration into a webhook.Config,
// parsing body size limits.
func FromGlobalConfig(cfg *config.Config) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("config is nil")
	}
	wc := cfg.Webhooks

	out := Config{
		Listen:         wc.Listen,
		RequestTimeout: wc.RequestTimeout,
		StaleAfter:     wc.StaleAfter,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		Endpoints:      make([]EndpointConfig, len(wc.Endpoints)),
	}

	for i, ep := range wc.Endpoints {
		sizeStr := ep.MaxBodySize
		if sizeStr == "" {
			sizeStr = wc.MaxBodySize
		}
		maxBodySize := int64(DefaultMaxBodySize)
		if sizeStr != "" {
			n, err := config.ParseSize(sizeStr)
			if err != nil {
				return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size %q: %w", ep.Path, sizeStr, err)
			}
			maxBodySize = n
		}

		out.Endpoints[i] = EndpointConfig{
			Path:            ep.Path,
			Provider:        ep.Provider,
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
			Mode:            ep.Mode,
			MaxBodySize:     maxBodySize,
		}
	}
	return out, nil
}
