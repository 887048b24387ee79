package gatekeep

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testMsgID int64

func message(chatID, userID int64, text string) IncomingMessage {
	return IncomingMessage{
		ChatID:      chatID,
		MessageID:   int(atomic.AddInt64(&testMsgID, 1)),
		UserID:      userID,
		Text:        text,
		DisplayName: "Test User",
		SentAt:      time.Now(),
	}
}

func newTestEngine(t *testing.T, keywords KeywordConfig, mutate func(*Config)) (*VerificationEngine, *stubTransport, *recordingSink) {
	t.Helper()

	tr := newStubTransport()
	sink := &recordingSink{}

	matcher, err := NewMatcher(keywords)
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}

	profiles, err := NewProfileCache(tr, ProfileCacheConfig{}, noopLogger{}, noopSink{}, nil)
	if err != nil {
		t.Fatalf("new profile cache: %v", err)
	}
	profiles.sleep = instantSleep

	queue, err := NewDeletionQueue(context.Background(), tr, DeletionQueueConfig{
		OverflowPath: filepath.Join(t.TempDir(), "overflow.jsonl"),
	}, noopLogger{}, noopSink{}, nil)
	if err != nil {
		t.Fatalf("new deletion queue: %v", err)
	}
	queue.sleep = instantSleep
	t.Cleanup(queue.Close)

	var cfg Config
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.prepareAndValidate(); err != nil {
		t.Fatalf("prepare config: %v", err)
	}

	e := newVerificationEngine(cfg, engineDeps{
		transport: tr,
		matcher:   matcher,
		profiles:  profiles,
		queue:     queue,
		log:       noopLogger{},
		sink:      sink,
	})
	return e, tr, sink
}

func textKeywords() KeywordConfig {
	return KeywordConfig{Text: FieldKeywords{Substring: []string{"join casino"}}}
}

var testCodeRe = regexp.MustCompile(`\b(\d{4})\b`)

func promptCode(t *testing.T, tr *stubTransport) string {
	t.Helper()
	sent := tr.sentMessages()
	if len(sent) == 0 {
		t.Fatal("no prompt was sent")
	}
	m := testCodeRe.FindStringSubmatch(sent[len(sent)-1].text)
	if m == nil {
		t.Fatalf("prompt %q carries no code", sent[len(sent)-1].text)
	}
	return m[1]
}

func pendingCount(e *VerificationEngine) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func TestCleanSenderPromoted(t *testing.T) {
	e, tr, _ := newTestEngine(t, KeywordConfig{}, nil)
	ctx := context.Background()

	e.ProcessMessage(ctx, message(1, 100, "hello everyone"))

	if !e.IsTrusted(100) {
		t.Fatal("clean sender was not promoted to trusted")
	}
	if len(tr.sentMessages()) != 0 {
		t.Fatal("clean sender got a notice")
	}
	if tr.deleteCount() != 0 {
		t.Fatal("clean sender's message was deleted")
	}
}

func TestKeywordChallengeAndVerification(t *testing.T) {
	e, tr, sink := newTestEngine(t, textKeywords(), nil)
	ctx := context.Background()

	trigger := message(1, 100, "come join casino tonight")
	e.ProcessMessage(ctx, trigger)

	if e.IsTrusted(100) {
		t.Fatal("flagged sender was promoted")
	}
	if pendingCount(e) != 1 {
		t.Fatalf("pending challenges = %d, want 1", pendingCount(e))
	}

	var triggerDeleted bool
	for _, k := range tr.deletedKeys() {
		if k.messageID == trigger.MessageID {
			triggerDeleted = true
		}
	}
	if !triggerDeleted {
		t.Fatal("triggering message was not deleted")
	}

	code := promptCode(t, tr)
	e.ProcessMessage(ctx, message(1, 100, code))

	if !e.IsTrusted(100) {
		t.Fatal("correct code did not promote the sender")
	}
	if pendingCount(e) != 0 {
		t.Fatal("pending challenge survived verification")
	}
	if len(sink.byKind(EventVerified)) != 1 {
		t.Fatal("no verified event emitted")
	}

	confirm := tr.sentMessages()
	if !strings.Contains(confirm[len(confirm)-1].text, "verified") {
		t.Fatalf("last notice %q is not a confirmation", confirm[len(confirm)-1].text)
	}
}

func TestCodeFormsAccepted(t *testing.T) {
	for _, form := range []string{"%s", "code:%s", "code: %s", "验证码%s"} {
		e, tr, _ := newTestEngine(t, textKeywords(), nil)
		ctx := context.Background()

		e.ProcessMessage(ctx, message(1, 100, "join casino"))
		code := promptCode(t, tr)

		reply := strings.Replace(form, "%s", code, 1)
		e.ProcessMessage(ctx, message(1, 100, reply))

		if !e.IsTrusted(100) {
			t.Errorf("code form %q was not accepted", form)
		}
	}
}

func TestSpacedFailuresEscalate(t *testing.T) {
	e, tr, sink := newTestEngine(t, textKeywords(), func(cfg *Config) {
		cfg.ChallengeTimeout = 10 * time.Minute
	})
	ctx := context.Background()

	base := time.Unix(100000, 0)
	e.now = func() time.Time { return base }
	e.ProcessMessage(ctx, message(1, 100, "join casino"))

	// Five wrong codes 20s apart: every one is past the 15s cooldown, the
	// fifth reaches the threshold.
	for i := 1; i <= 5; i++ {
		cur := base.Add(time.Duration(i) * 20 * time.Second)
		e.now = func() time.Time { return cur }
		e.ProcessMessage(ctx, message(1, 100, "0000"))
	}

	restricted := tr.restrictedUsers()
	if len(restricted) != 1 || restricted[0].userID != 100 {
		t.Fatalf("restricted = %+v, want user 100", restricted)
	}

	e.mu.Lock()
	_, blacklisted := e.blacklist[100]
	e.mu.Unlock()
	if !blacklisted {
		t.Fatal("escalated user is not blacklisted")
	}
	if pendingCount(e) != 0 {
		t.Fatal("pending challenge survived escalation")
	}
	if len(sink.byKind(EventRestricted)) != 1 {
		t.Fatal("no restricted event emitted")
	}
}

func TestBurstFailuresSuppressed(t *testing.T) {
	e, tr, _ := newTestEngine(t, textKeywords(), func(cfg *Config) {
		cfg.ChallengeTimeout = 10 * time.Minute
	})
	ctx := context.Background()

	base := time.Unix(100000, 0)
	e.now = func() time.Time { return base }
	e.ProcessMessage(ctx, message(1, 100, "join casino"))

	// Five wrong codes 1s apart: only the first is counted, the burst alone
	// must not restrict the user.
	for i := 1; i <= 5; i++ {
		cur := base.Add(time.Duration(i) * time.Second)
		e.now = func() time.Time { return cur }
		e.ProcessMessage(ctx, message(1, 100, "0000"))
	}

	if len(tr.restrictedUsers()) != 0 {
		t.Fatal("burst of rapid failures restricted the user")
	}
	if n := e.failures.Count(ChallengeKey{ChatID: 1, UserID: 100}.String(), base.Add(time.Minute)); n != 1 {
		t.Fatalf("counted failures = %d, want 1", n)
	}
	if pendingCount(e) != 1 {
		t.Fatal("pending challenge was lost")
	}
}

func TestExpiredChallengeCountsOneFailure(t *testing.T) {
	e, _, sink := newTestEngine(t, textKeywords(), nil)
	ctx := context.Background()

	base := time.Unix(100000, 0)
	e.now = func() time.Time { return base }
	e.ProcessMessage(ctx, message(1, 100, "join casino"))

	// Next activity arrives well past the 90s deadline: the silence costs
	// one failure, then the clean message is judged on its own.
	late := base.Add(3 * time.Minute)
	e.now = func() time.Time { return late }
	e.ProcessMessage(ctx, message(1, 100, "sorry, was away"))

	expired := sink.byKind(EventExpired)
	if len(expired) != 1 {
		t.Fatal("no expired event emitted")
	}
	if !strings.Contains(expired[0].Detail, "failures=1 counted=true") {
		t.Fatalf("expired event detail = %q, want one counted failure", expired[0].Detail)
	}
	if !e.IsTrusted(100) {
		t.Fatal("clean follow-up message did not promote the sender")
	}
}

func TestExpiredChallengeSweptOnOtherUserActivity(t *testing.T) {
	e, _, sink := newTestEngine(t, textKeywords(), nil)
	ctx := context.Background()

	base := time.Unix(100000, 0)
	e.now = func() time.Time { return base }
	e.ProcessMessage(ctx, message(1, 100, "join casino"))

	// User 100 stays silent past the deadline. Activity from anyone else in
	// the chat settles the stale challenge.
	late := base.Add(5 * time.Minute)
	e.now = func() time.Time { return late }
	e.ProcessMessage(ctx, message(1, 200, "good morning"))

	expired := sink.byKind(EventExpired)
	if len(expired) != 1 || expired[0].UserID != 100 {
		t.Fatalf("expired events = %+v, want one for user 100", expired)
	}
	if pendingCount(e) != 0 {
		t.Fatal("stale challenge survived another user's activity")
	}
	if n := e.failures.Count(ChallengeKey{ChatID: 1, UserID: 100}.String(), late); n != 1 {
		t.Fatalf("counted failures for the silent user = %d, want 1", n)
	}
	if !e.IsTrusted(200) {
		t.Fatal("clean bystander was not promoted")
	}
}

func TestExpiredEscalationStopsEvaluation(t *testing.T) {
	e, tr, sink := newTestEngine(t, textKeywords(), nil)
	ctx := context.Background()

	base := time.Unix(100000, 0)
	e.now = func() time.Time { return base }
	e.ProcessMessage(ctx, message(1, 100, "join casino"))

	// Four wrong codes spaced past the cooldown, all inside the deadline.
	for i := 1; i <= 4; i++ {
		cur := base.Add(time.Duration(i) * 20 * time.Second)
		e.now = func() time.Time { return cur }
		e.ProcessMessage(ctx, message(1, 100, "0000"))
	}

	// Then silence. The next message arrives long past the deadline: the
	// expiry is the fifth failure, the user is restricted, and the message
	// itself must not earn a fresh challenge.
	late := base.Add(10 * time.Minute)
	e.now = func() time.Time { return late }
	e.ProcessMessage(ctx, message(1, 100, "hello again"))

	restricted := tr.restrictedUsers()
	if len(restricted) != 1 || restricted[0].userID != 100 {
		t.Fatalf("restricted = %+v, want user 100", restricted)
	}
	if pendingCount(e) != 0 {
		t.Fatal("restricted user still has a pending challenge")
	}
	if got := len(sink.byKind(EventChallenge)); got != 1 {
		t.Fatalf("challenge events = %d, want only the original one", got)
	}
}

func TestConcurrentSendersProcessed(t *testing.T) {
	e, _, _ := newTestEngine(t, KeywordConfig{}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		userID := int64(1000 + i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.ProcessMessage(ctx, message(1, userID, "hello"))
		}()
	}
	wg.Wait()

	for i := 0; i < 100; i++ {
		if !e.IsTrusted(int64(1000 + i)) {
			t.Fatalf("user %d was not promoted", 1000+i)
		}
	}
}

func TestNewChallengeSupersedes(t *testing.T) {
	e, _, _ := newTestEngine(t, textKeywords(), nil)
	ctx := context.Background()

	base := time.Unix(100000, 0)
	e.now = func() time.Time { return base }
	e.ProcessMessage(ctx, message(1, 100, "join casino"))

	late := base.Add(3 * time.Minute)
	e.now = func() time.Time { return late }
	e.ProcessMessage(ctx, message(1, 100, "join casino again"))

	if pendingCount(e) != 1 {
		t.Fatalf("pending challenges = %d, want exactly 1", pendingCount(e))
	}
	e.mu.Lock()
	p := e.pending[ChallengeKey{ChatID: 1, UserID: 100}]
	e.mu.Unlock()
	if !p.IssuedAt.Equal(late) {
		t.Fatalf("pending challenge IssuedAt = %v, want the superseding one at %v", p.IssuedAt, late)
	}
}

func TestBlacklistedSkipsProfileFetch(t *testing.T) {
	e, tr, _ := newTestEngine(t, KeywordConfig{}, nil)
	ctx := context.Background()

	e.mu.Lock()
	e.blacklist[100] = struct{}{}
	e.mu.Unlock()

	e.ProcessMessage(ctx, message(1, 100, "hello"))

	if e.IsTrusted(100) {
		t.Fatal("blacklisted sender was promoted")
	}
	if pendingCount(e) != 1 {
		t.Fatal("blacklisted sender was not challenged")
	}
	if tr.fetchCount() != 0 {
		t.Fatal("profile was fetched for a known-bad sender")
	}
}

func TestBioTriggersChallenge(t *testing.T) {
	e, tr, _ := newTestEngine(t, KeywordConfig{}, nil)
	tr.fetchBio = func(int64) (string, error) { return "deals at t.me/spamlist", nil }
	ctx := context.Background()

	e.ProcessMessage(ctx, message(1, 100, "hello"))

	if e.IsTrusted(100) {
		t.Fatal("sender with link in bio was promoted")
	}
	if pendingCount(e) != 1 {
		t.Fatal("sender with link in bio was not challenged")
	}
}

func TestProfileFetchFailureNeverBlocks(t *testing.T) {
	e, tr, _ := newTestEngine(t, KeywordConfig{}, nil)
	tr.fetchBio = func(int64) (string, error) { return "", errTransient }
	ctx := context.Background()

	e.ProcessMessage(ctx, message(1, 100, "hello"))

	if !e.IsTrusted(100) {
		t.Fatal("unknown bio blocked a clean sender")
	}
}

func TestAdHeuristic(t *testing.T) {
	e, _, _ := newTestEngine(t, KeywordConfig{}, nil)
	ctx := context.Background()

	short := message(1, 100, "look https://spam.example")
	short.HasLink = true
	e.ProcessMessage(ctx, short)
	if pendingCount(e) != 1 {
		t.Fatal("short message with link was not challenged as an ad")
	}

	long := message(1, 101, "here is the article we discussed yesterday, worth reading https://example.org/post")
	long.HasLink = true
	e.ProcessMessage(ctx, long)
	if !e.IsTrusted(101) {
		t.Fatal("long message with link was treated as an ad")
	}
}

func TestCrossChatReplyChallenged(t *testing.T) {
	e, _, _ := newTestEngine(t, KeywordConfig{}, nil)
	ctx := context.Background()

	msg := message(1, 100, "look at this")
	msg.ReplyChatID = 999
	e.ProcessMessage(ctx, msg)

	if pendingCount(e) != 1 {
		t.Fatal("cross-chat reply was not challenged")
	}
}

func TestTrustedSenderBypassesLadder(t *testing.T) {
	e, tr, _ := newTestEngine(t, textKeywords(), nil)
	ctx := context.Background()

	e.addTrusted(100, "user", "Test User")
	e.ProcessMessage(ctx, message(1, 100, "join casino"))

	if tr.deleteCount() != 0 {
		t.Fatal("trusted sender's message was deleted")
	}
	if pendingCount(e) != 0 {
		t.Fatal("trusted sender was challenged")
	}
}

func TestBannedMemberBlacklistedAndNameHarvested(t *testing.T) {
	e, _, _ := newTestEngine(t, KeywordConfig{}, nil)

	e.addTrusted(100, "spammer", "Spam King")
	e.ProcessMemberUpdate(MemberUpdate{
		ChatID: 1, UserID: 100, DisplayName: "Spam King", NewStatus: MemberBanned,
	})

	if e.IsTrusted(100) {
		t.Fatal("banned member is still trusted")
	}
	e.mu.Lock()
	_, blacklisted := e.blacklist[100]
	e.mu.Unlock()
	if !blacklisted {
		t.Fatal("banned member is not blacklisted")
	}
	if _, ok := e.matcher.Name.Check("Spam King"); !ok {
		t.Fatal("banned member's name was not harvested as a keyword")
	}
}

func TestWhitelistBlocksHarvesting(t *testing.T) {
	e, _, _ := newTestEngine(t, KeywordConfig{
		Whitelist: WhitelistKeywords{Name: FieldKeywords{Exact: []string{"Good Admin"}}},
	}, nil)

	e.ProcessMemberUpdate(MemberUpdate{
		ChatID: 1, UserID: 200, DisplayName: "Good Admin", NewStatus: MemberBanned,
	})

	if _, ok := e.matcher.Name.Check("Good Admin"); ok {
		t.Fatal("whitelisted name was harvested")
	}
}

func TestJoinedBotAutoTrusted(t *testing.T) {
	e, _, _ := newTestEngine(t, KeywordConfig{}, nil)

	e.ProcessMemberUpdate(MemberUpdate{
		ChatID: 1, UserID: 300, Username: "helperbot", IsBot: true, NewStatus: MemberJoined,
	})

	if !e.IsTrusted(300) {
		t.Fatal("joined bot was not auto-trusted")
	}
}
