package main

import (
	"fmt"
	"net/url"

	"github.com/casefile-hq/casefile/internal/cache"
	"github.com/casefile-hq/casefile/internal/config"
	"github.com/casefile-hq/casefile/internal/extract"
	"github.com/casefile-hq/casefile/internal/jobqueue"
	"github.com/casefile-hq/casefile/internal/match"
	"github.com/casefile-hq/casefile/internal/pipeline"
	"github.com/casefile-hq/casefile/internal/ratelimit"
	"github.com/casefile-hq/casefile/internal/store"
)

// components is the assembled processing stack. Construction order
// matters: each layer depends on the ones before it.
type components struct {
	cfg       *config.Config
	processor *pipeline.Processor
	queue     jobqueue.Queue
}

func buildComponents() (*components, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}

	var cacheOpts []cache.Option
	if cfg.EncryptCache {
		cacheOpts = append(cacheOpts, cache.WithEncryption(cfg.EncryptionKey))
	}
	schemaCache, err := cache.New(cfg.CacheDir, "schema", cacheOpts...)
	if err != nil {
		return nil, fmt.Errorf("initializing cache: %w", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.RedisURL != "" {
		// Scope the shared window by store host so every node throttles
		// against the same budget.
		scope := cfg.Store.BaseURL
		if u, err := url.Parse(cfg.Store.BaseURL); err == nil && u.Host != "" {
			scope = u.Host
		}
		limiter, err = ratelimit.NewShared(cfg.RateLimitRPS, cfg.RedisURL, scope)
	} else {
		limiter, err = ratelimit.New(cfg.RateLimitRPS)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing rate limiter: %w", err)
	}

	client, err := store.New(cfg.Store.BaseURL, cfg.StoreAPIKey, limiter,
		store.WithSchemaCache(schemaCache))
	if err != nil {
		return nil, fmt.Errorf("initializing store client: %w", err)
	}

	var extractOpts []extract.AnthropicOption
	if cfg.Extraction.Model != "" {
		extractOpts = append(extractOpts, extract.WithModel(cfg.Extraction.Model))
	}
	if cfg.Extraction.Timeout > 0 {
		extractOpts = append(extractOpts, extract.WithTimeout(cfg.Extraction.Timeout.Std()))
	}
	provider, err := extract.NewAnthropicProvider(cfg.ExtractionAPIKey, extractOpts...)
	if err != nil {
		return nil, fmt.Errorf("initializing extraction provider: %w", err)
	}

	processor, err := pipeline.NewProcessor(client, provider, match.New(), cfg.DatabaseMap())
	if err != nil {
		return nil, fmt.Errorf("initializing processor: %w", err)
	}

	var queue jobqueue.Queue
	if cfg.RedisURL != "" {
		var redisOpts []jobqueue.RedisOption
		if cfg.ResultTTL > 0 {
			redisOpts = append(redisOpts, jobqueue.WithRedisResultTTL(cfg.ResultTTL.Std()))
		}
		queue, err = jobqueue.NewRedisQueue(cfg.RedisURL, redisOpts...)
		if err != nil {
			return nil, fmt.Errorf("initializing job queue: %w", err)
		}
	} else {
		var memOpts []jobqueue.MemoryOption
		if cfg.ResultTTL > 0 {
			memOpts = append(memOpts, jobqueue.WithResultTTL(cfg.ResultTTL.Std()))
		}
		queue = jobqueue.NewMemoryQueue(memOpts...)
	}

	return &components{cfg: cfg, processor: processor, queue: queue}, nil
}

func (c *components) Close() {
	_ = c.queue.Close()
}
