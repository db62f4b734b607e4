package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"

	"tryonapi/engine"
)

const engineConfigCacheKey = "engine_config"
const engineConfigTTL = 5 * time.Minute

// EngineConfigService serves the pipeline configuration through a short TTL
// cache, so model and pricing changes roll out without a deploy. Values come
// from the environment; the engine's own defaults cover missing ones.
type EngineConfigService struct {
	cache *cache.LoadableCache[engine.EngineConfig]
}

func NewEngineConfigService() (*EngineConfigService, error) {
	ristrettoCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	ristrettoStore := ristretto_store.NewRistretto(ristrettoCache)

	loadFunction := func(ctx context.Context, key any) (engine.EngineConfig, []store.Option, error) {
		return loadEngineConfigFromEnv(), []store.Option{store.WithExpiration(engineConfigTTL)}, nil
	}

	return &EngineConfigService{
		cache: cache.NewLoadable[engine.EngineConfig](
			loadFunction,
			cache.New[engine.EngineConfig](ristrettoStore),
		),
	}, nil
}

func (s *EngineConfigService) EngineConfig(ctx context.Context) (engine.EngineConfig, error) {
	return s.cache.Get(ctx, engineConfigCacheKey)
}

func loadEngineConfigFromEnv() engine.EngineConfig {
	cfg := engine.DefaultEngineConfig()
	cfg.PrimaryModel = GetEnv("TRYON_PRIMARY_MODEL", cfg.PrimaryModel)
	cfg.FallbackModel = GetEnv("TRYON_FALLBACK_MODEL", cfg.FallbackModel)
	cfg.AspectRatio = GetEnv("TRYON_ASPECT_RATIO", cfg.AspectRatio)
	cfg.GenerationCredits = envInt("TRYON_GENERATION_CREDITS", cfg.GenerationCredits)
	cfg.RefinementCredits = envInt("TRYON_REFINEMENT_CREDITS", cfg.RefinementCredits)
	cfg.BackgroundCredits = envInt("TRYON_BACKGROUND_CREDITS", cfg.BackgroundCredits)
	return cfg
}

func envInt(key string, fallback int) int {
	raw := GetEnv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Printf("Invalid integer for %s: %q, using %d\n", key, raw, fallback)
		return fallback
	}
	return value
}
