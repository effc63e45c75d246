// Package embedding turns episode text into vectors for the episodic index.
package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string        `json:"provider"` // "api", "local" or "hash"
	Endpoint  string        `json:"endpoint"`
	Model     string        `json:"model"`
	APIKey    string        `json:"api_key"`
	Dimension int           `json:"dimension"`
	Timeout   time.Duration `json:"-"`
	CacheTTL  time.Duration `json:"-"`
}

// New builds the configured provider, wrapped in a cache when CacheTTL is
// set. An empty provider name selects the hashing embedder.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	var p Provider
	switch cfg.Provider {
	case "api":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("embedding: api provider needs an endpoint")
		}
		p = NewAPIProvider(cfg)
	case "local":
		if cfg.Endpoint == "" {
			cfg.Endpoint = "http://localhost:11434"
		}
		p = NewLocalProvider(cfg)
	case "", "hash":
		p = NewHashProvider(cfg.Dimension)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
	logger.Info("embedding provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model))
	if cfg.CacheTTL > 0 {
		return NewCached(p, cfg.CacheTTL), nil
	}
	return p, nil
}
