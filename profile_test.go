package gatekeep

import (
	"context"
	"testing"
	"time"
)

func newTestProfileCache(t *testing.T, tr Transport) (*ProfileCache, *[]time.Duration) {
	t.Helper()

	pc, err := NewProfileCache(tr, ProfileCacheConfig{}, noopLogger{}, noopSink{}, nil)
	if err != nil {
		t.Fatalf("new profile cache: %v", err)
	}

	cur := time.Unix(100000, 0)
	slept := &[]time.Duration{}
	pc.now = func() time.Time { return cur }
	pc.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		cur = cur.Add(d)
		return nil
	}
	return pc, slept
}

func TestProfileCacheGlobalRateLimit(t *testing.T) {
	tr := newStubTransport()
	tr.fetchBio = func(userID int64) (string, error) { return "bio", nil }

	pc, slept := newTestProfileCache(t, tr)
	ctx := context.Background()

	if _, err := pc.Bio(ctx, 1); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if tr.fetchCount() != 1 {
		t.Fatalf("fetches after first lookup = %d, want 1", tr.fetchCount())
	}
	if len(*slept) != 0 {
		t.Fatalf("first lookup slept %v, want no wait", *slept)
	}

	// A different user 5s later must wait out the remaining 55s: the limit
	// belongs to the bot account, not the target user.
	pc.now = func() time.Time { return time.Unix(100005, 0) }
	if _, err := pc.Bio(ctx, 2); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if tr.fetchCount() != 2 {
		t.Fatalf("fetches after second lookup = %d, want 2", tr.fetchCount())
	}
	if len(*slept) != 1 || (*slept)[0] != 55*time.Second {
		t.Fatalf("second lookup waits %v, want [55s]", *slept)
	}
}

func TestProfileCacheTTLHit(t *testing.T) {
	tr := newStubTransport()
	tr.fetchBio = func(userID int64) (string, error) { return "cached bio", nil }

	pc, _ := newTestProfileCache(t, tr)
	ctx := context.Background()

	if _, err := pc.Bio(ctx, 7); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	bio, err := pc.Bio(ctx, 7)
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if bio != "cached bio" {
		t.Fatalf("bio = %q, want cached bio", bio)
	}
	if tr.fetchCount() != 1 {
		t.Fatalf("repeated lookup within TTL issued %d fetches, want 1", tr.fetchCount())
	}
}

func TestProfileCacheRetryHonorsServerHint(t *testing.T) {
	tr := newStubTransport()
	calls := 0
	tr.fetchBio = func(userID int64) (string, error) {
		calls++
		if calls == 1 {
			return "", &ThrottledError{RetryAfter: 30 * time.Second}
		}
		return "late bio", nil
	}

	pc, slept := newTestProfileCache(t, tr)

	bio, err := pc.Bio(context.Background(), 3)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if bio != "late bio" {
		t.Fatalf("bio = %q, want late bio", bio)
	}
	if calls != 2 {
		t.Fatalf("fetch attempts = %d, want 2", calls)
	}

	var sawHint bool
	for _, d := range *slept {
		if d >= 30*time.Second {
			sawHint = true
		}
	}
	if !sawHint {
		t.Fatalf("retry delays %v never honored the 30s server hint", *slept)
	}
}

func TestProfileCacheBoundedAttempts(t *testing.T) {
	tr := newStubTransport()
	calls := 0
	tr.fetchBio = func(userID int64) (string, error) {
		calls++
		return "", errTransient
	}

	pc, _ := newTestProfileCache(t, tr)

	if _, err := pc.Bio(context.Background(), 4); err == nil {
		t.Fatal("lookup succeeded against always-failing transport")
	}
	if calls != 3 {
		t.Fatalf("fetch attempts = %d, want 3", calls)
	}
	if pc.Size() != 0 {
		t.Fatalf("failed lookup was cached, size = %d", pc.Size())
	}
}
