package gatekeep

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	"github.com/maypok86/otter"
)

// ProfileCacheConfig configures profile lookup caching and pacing.
type ProfileCacheConfig struct {
	// TTL is how long a fetched bio stays valid. Default is 24h.
	TTL time.Duration `env:"PROFILE_TTL"`

	// MinInterval is the minimum spacing between external fetches,
	// shared across all users. Default is 60s.
	MinInterval time.Duration `env:"PROFILE_MIN_INTERVAL"`

	// Attempts is the number of tries per fetch. Default is 3.
	Attempts int `env:"PROFILE_ATTEMPTS"`

	// Capacity bounds the number of cached records. Default is 10000.
	Capacity int `env:"PROFILE_CACHE_CAPACITY"`
}

func (cfg ProfileCacheConfig) prepare() ProfileCacheConfig {
	cfg.TTL = lang.Check(cfg.TTL, 24*time.Hour)
	cfg.MinInterval = lang.Check(cfg.MinInterval, time.Minute)
	cfg.Attempts = lang.Check(cfg.Attempts, 3)
	cfg.Capacity = lang.Check(cfg.Capacity, 10000)
	return cfg
}

// ProfileCache serves user profile bios from a TTL cache and paces external
// fetches globally: at most one fetch runs at a time and consecutive fetches
// are at least MinInterval apart, across ALL users. The pacing mutex is held
// through the wait so concurrent misses line up instead of dog-piling the
// platform API.
type ProfileCache struct {
	transport Transport
	cache     otter.Cache[int64, string]
	cfg       ProfileCacheConfig

	log     Logger
	sink    EventSink
	metrics *metrics

	mu        sync.Mutex
	lastFetch time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProfileCache creates the cache. sink and m may be nil-equivalent
// (noopSink, disabled metrics).
func NewProfileCache(transport Transport, cfg ProfileCacheConfig, log Logger, sink EventSink, m *metrics) (*ProfileCache, error) {
	cfg = cfg.prepare()

	cache, err := otter.MustBuilder[int64, string](cfg.Capacity).
		WithTTL(cfg.TTL).
		Build()
	if err != nil {
		return nil, errm.Wrap(err, "build profile cache")
	}

	return &ProfileCache{
		transport: transport,
		cache:     cache,
		cfg:       cfg,
		log:       log,
		sink:      sink,
		metrics:   m,
		now:       time.Now,
		sleep:     sleepContext,
	}, nil
}

// Bio returns the user's profile bio, from cache when fresh, otherwise via a
// paced external fetch. A fetch failure is returned to the caller and cached
// nothing; callers decide whether to proceed without the bio.
func (c *ProfileCache) Bio(ctx context.Context, userID int64) (string, error) {
	if bio, ok := c.cache.Get(userID); ok {
		return bio, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have fetched this user while we waited for the lock.
	if bio, ok := c.cache.Get(userID); ok {
		return bio, nil
	}

	if wait := c.cfg.MinInterval - c.now().Sub(c.lastFetch); wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return "", errm.Wrap(err, "wait fetch interval")
		}
		if bio, ok := c.cache.Get(userID); ok {
			return bio, nil
		}
	}

	bio, err := c.fetch(ctx, userID)
	if err != nil {
		c.metrics.incProfileFetch("fail")
		c.sink.Emit(Event{Kind: EventProfileFetch, UserID: userID, Outcome: "fail", Detail: err.Error()})
		return "", err
	}

	c.lastFetch = c.now()
	c.cache.Set(userID, bio)

	c.metrics.incProfileFetch("ok")
	c.metrics.setProfileCacheSize(c.cache.Size())
	c.sink.Emit(Event{Kind: EventProfileFetch, UserID: userID, Outcome: "ok", Detail: bio})

	return bio, nil
}

// Invalidate drops the cached bio for userID.
func (c *ProfileCache) Invalidate(userID int64) {
	c.cache.Delete(userID)
}

// Size returns the number of cached records.
func (c *ProfileCache) Size() int {
	return c.cache.Size()
}

// fetch tries the external lookup up to cfg.Attempts times, backing off
// between tries and honoring server RetryAfter hints. Caller holds the
// pacing mutex.
func (c *ProfileCache) fetch(ctx context.Context, userID int64) (string, error) {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(10*time.Second),
	)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		if attempt > 1 {
			delay := bo.NextBackOff()
			if hint := RetryAfterHint(lastErr); hint > delay {
				delay = hint
			}
			if err := c.sleep(ctx, delay); err != nil {
				return "", errm.Wrap(err, "wait fetch retry")
			}
		}

		bio, err := c.transport.FetchProfile(ctx, userID)
		if err == nil {
			return bio, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			break
		}
		c.log.Debug("profile fetch attempt failed", "user_id", userID, "attempt", attempt, "error", err)
	}

	return "", errm.Wrap(lastErr, "fetch profile")
}

// sleepContext waits d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
