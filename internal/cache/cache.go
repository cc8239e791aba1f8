// Package cache provides the Redis-backed detection dedup window and the
// short-lived price cache. Redis being down degrades the bot, it never
// stops it: dedup fails open and prices fall back to the exchange.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mexc-sniper-bot/internal/metrics"
)

// TTLs for the two key families.
const (
	DedupTTL = 60 * time.Second
	PriceTTL = 5 * time.Second
)

// Service wraps the Redis client. A nil client (no REDIS_URL configured)
// behaves like an always-missing cache.
type Service struct {
	client  *redis.Client
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// New connects to Redis. A failed ping is logged and tolerated; the
// service stays usable in degraded mode.
func New(ctx context.Context, redisURL string, mc *metrics.Collector, logger zerolog.Logger) *Service {
	s := &Service{logger: logger, metrics: mc}
	if redisURL == "" {
		logger.Warn().Msg("redis not configured, dedup and price cache disabled")
		return s
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Error().Err(err).Msg("invalid redis url, cache disabled")
		return s
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, continuing degraded")
	}
	s.client = client
	return s
}

// Close releases the client.
func (s *Service) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// MarkSignalSeen claims the dedup slot for (symbol, source). It returns
// true when this is the first sighting inside the window. Redis errors
// fail open: the signal is treated as new.
func (s *Service) MarkSignalSeen(ctx context.Context, symbol, source string) bool {
	if s.client == nil {
		return true
	}
	key := fmt.Sprintf("dedup:%s:%s", symbol, source)
	ok, err := s.client.SetNX(ctx, key, 1, DedupTTL).Result()
	if err != nil {
		s.count("error")
		s.logger.Warn().Err(err).Str("key", key).Msg("dedup check failed, failing open")
		return true
	}
	if ok {
		s.count("miss")
	} else {
		s.count("hit")
	}
	return ok
}

// SetPrice caches the latest price for a symbol.
func (s *Service) SetPrice(ctx context.Context, symbol string, price float64) {
	if s.client == nil {
		return
	}
	key := "price:" + symbol
	if err := s.client.Set(ctx, key, strconv.FormatFloat(price, 'f', -1, 64), PriceTTL).Err(); err != nil {
		s.count("error")
		s.logger.Debug().Err(err).Str("key", key).Msg("price cache write failed")
	}
}

// GetPrice returns a cached price. The second return is false on a miss,
// an unparsable value or any Redis failure.
func (s *Service) GetPrice(ctx context.Context, symbol string) (float64, bool) {
	if s.client == nil {
		return 0, false
	}
	val, err := s.client.Get(ctx, "price:"+symbol).Result()
	if err == redis.Nil {
		s.count("miss")
		return 0, false
	}
	if err != nil {
		s.count("error")
		return 0, false
	}
	price, perr := strconv.ParseFloat(val, 64)
	if perr != nil {
		s.count("error")
		return 0, false
	}
	s.count("hit")
	return price, true
}

// Available reports whether Redis answered the last health probe.
func (s *Service) Available(ctx context.Context) bool {
	if s.client == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.client.Ping(pingCtx).Err() == nil
}

func (s *Service) count(result string) {
	if s.metrics != nil {
		s.metrics.CacheOps.WithLabelValues(result).Inc()
	}
}
