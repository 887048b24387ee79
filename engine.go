package gatekeep

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/maxbolgarin/abstract"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
)

// Challenge result labels for metrics.
const (
	resultPassed  = "passed"
	resultFailed  = "failed"
	resultExpired = "expired"
)

// Stripe count for the per-key locks.
const lockStripes = 64

// VerificationEngine owns the per-user moderation state machine: Trusted,
// Unverified, PendingChallenge, Restricted. All map state is private to the
// engine; messages of the same (chat, user) are serialized on a striped lock
// so no two resolutions of one pending challenge can interleave.
type VerificationEngine struct {
	cfg       Config
	transport Transport
	matcher   *Matcher
	profiles  *ProfileCache
	queue     *DeletionQueue
	failures  *TriggerCounter
	store     *AsyncStore

	log     Logger
	sink    EventSink
	metrics *metrics

	mu        sync.Mutex
	trusted   map[int64]TrustedUser
	blacklist map[int64]struct{}
	pending   map[ChallengeKey]PendingChallenge
	locks     [lockStripes]sync.Mutex

	joinTimes *abstract.SafeMap[int64, time.Time]

	now func() time.Time
}

type engineDeps struct {
	transport Transport
	matcher   *Matcher
	profiles  *ProfileCache
	queue     *DeletionQueue
	store     *AsyncStore
	log       Logger
	sink      EventSink
	metrics   *metrics
}

func newVerificationEngine(cfg Config, deps engineDeps) *VerificationEngine {
	return &VerificationEngine{
		cfg:       cfg,
		transport: deps.transport,
		matcher:   deps.matcher,
		profiles:  deps.profiles,
		queue:     deps.queue,
		failures:  NewTriggerCounter(cfg.FailureCooldown, cfg.FailureWindow),
		store:     deps.store,
		log:       deps.log,
		sink:      deps.sink,
		metrics:   deps.metrics,
		trusted:   make(map[int64]TrustedUser),
		blacklist: make(map[int64]struct{}),
		pending:   make(map[ChallengeKey]PendingChallenge),
		joinTimes: abstract.NewSafeMap[int64, time.Time](),
		now:       time.Now,
	}
}

// LoadState restores the trusted registry, the blacklist and the failure
// counters from the document store. Missing or corrupt documents fall back
// to empty defaults.
func (e *VerificationEngine) LoadState(ctx context.Context, store DocumentStore) error {
	errList := errm.NewList()

	var registry TrustedRegistry
	if err := store.Load(ctx, DocTrusted, &registry); err != nil && !errm.Is(err, ErrNotFound) {
		errList.Add(errm.Wrap(err, "load trusted registry"))
	}

	var blacklist BlacklistDoc
	if err := store.Load(ctx, DocBlacklist, &blacklist); err != nil && !errm.Is(err, ErrNotFound) {
		errList.Add(errm.Wrap(err, "load blacklist"))
	}

	var failures FailureSnapshot
	if err := store.Load(ctx, DocFailures, &failures); err != nil && !errm.Is(err, ErrNotFound) {
		errList.Add(errm.Wrap(err, "load failure counters"))
	}

	e.mu.Lock()
	for _, u := range registry.Users {
		e.trusted[u.ID] = u
	}
	for _, id := range blacklist.Users {
		e.blacklist[id] = struct{}{}
	}
	e.mu.Unlock()

	if failures.Failures != nil {
		e.failures.Restore(failures.Failures, e.now())
	}

	e.metrics.setTrustedUsers(len(registry.Users))

	return errList.Err()
}

// IsTrusted reports whether the user bypasses the decision ladder.
func (e *VerificationEngine) IsTrusted(userID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.trusted[userID]
	return ok
}

// ProcessMessage runs the state machine for one inbound message.
// The caller is expected to have applied the settle delay already.
func (e *VerificationEngine) ProcessMessage(ctx context.Context, msg IncomingMessage) {
	// Chat activity settles every overdue challenge first, whoever it
	// belongs to. When the sender's own expiry escalated, the message needs
	// no further evaluation.
	if e.expireStale(ctx, msg) {
		return
	}

	if e.IsTrusted(msg.UserID) {
		return
	}

	key := ChallengeKey{ChatID: msg.ChatID, UserID: msg.UserID}
	unlock := e.lockKey(key)
	defer unlock()

	// Re-check: the user may have been promoted while we waited for the lock.
	if e.IsTrusted(msg.UserID) {
		return
	}

	e.mu.Lock()
	p, hasPending := e.pending[key]
	e.mu.Unlock()

	if hasPending {
		e.resolveChallenge(ctx, key, msg, p)
		return
	}

	reason, ok := e.classify(ctx, msg)
	if !ok {
		e.promote(msg)
		return
	}
	e.issueChallenge(ctx, key, msg, reason)
}

// expireStale pops every pending challenge past its deadline and charges one
// failure for it. Checked on every processed message instead of a hard timer,
// so a challenged user cannot suppress counting by staying silent. Reports
// whether an expiry escalated the current sender.
func (e *VerificationEngine) expireStale(ctx context.Context, msg IncomingMessage) bool {
	now := e.now()
	current := ChallengeKey{ChatID: msg.ChatID, UserID: msg.UserID}

	e.mu.Lock()
	var stale []ChallengeKey
	for key, p := range e.pending {
		if p.Expired(now, e.cfg.ChallengeTimeout) {
			stale = append(stale, key)
		}
	}
	e.mu.Unlock()

	var escalatedCurrent bool
	for _, key := range stale {
		unlock := e.lockKey(key)

		e.mu.Lock()
		p, ok := e.pending[key]
		if !ok || !p.Expired(now, e.cfg.ChallengeTimeout) {
			e.mu.Unlock()
			unlock()
			continue
		}
		delete(e.pending, key)
		e.mu.Unlock()

		subject := IncomingMessage{ChatID: key.ChatID, UserID: key.UserID}
		if key == current {
			subject = msg
		}
		if e.recordFailure(ctx, key, subject, resultExpired) && key == current {
			escalatedCurrent = true
		}
		unlock()
	}
	return escalatedCurrent
}

// ProcessMemberUpdate reacts to membership changes: it tracks join times,
// auto-trusts joining bot accounts and blacklists users banned by admins,
// harvesting their display name as a keyword candidate.
func (e *VerificationEngine) ProcessMemberUpdate(up MemberUpdate) {
	switch up.NewStatus {
	case MemberJoined:
		e.joinTimes.Set(up.UserID, e.now())

		if up.IsBot {
			// A bot admitted by an admin is their problem, not ours.
			e.addTrusted(up.UserID, up.Username, up.DisplayName)
			e.log.Info("auto-trust joined bot", "chat_id", up.ChatID, "user_id", up.UserID)
		}

	case MemberLeft:
		e.joinTimes.Delete(up.UserID)

	case MemberBanned, MemberRestricted:
		e.mu.Lock()
		_, wasBlacklisted := e.blacklist[up.UserID]
		e.blacklist[up.UserID] = struct{}{}
		delete(e.trusted, up.UserID)
		trustedLen := len(e.trusted)
		e.mu.Unlock()

		if wasBlacklisted {
			return
		}

		e.metrics.setTrustedUsers(trustedLen)
		e.saveBlacklist()
		e.saveTrusted()
		e.harvestName(up.DisplayName)
		e.log.Info("blacklist banned member", "chat_id", up.ChatID, "user_id", up.UserID)
	}
}

// classify walks the decision ladder; first hit wins. Returns false when the
// message is clean and the sender should be promoted.
func (e *VerificationEngine) classify(ctx context.Context, msg IncomingMessage) (Reason, bool) {
	if msg.HasLink && utf8.RuneCountInString(stripLinks(msg.Text)) <= e.cfg.AdMaxLen {
		return ReasonAd, true
	}

	if msg.ReplyChatID != 0 && msg.ReplyChatID != msg.ChatID {
		return ReasonCrossChat, true
	}

	if kw, ok := e.matcher.Text.Check(msg.Text); ok {
		e.log.Debug("text keyword hit", "chat_id", msg.ChatID, "user_id", msg.UserID, "keyword", kw)
		return ReasonText, true
	}

	if kw, ok := e.matcher.Name.Check(msg.DisplayName); ok {
		e.log.Debug("name keyword hit", "chat_id", msg.ChatID, "user_id", msg.UserID, "keyword", kw)
		return ReasonName, true
	}

	e.mu.Lock()
	_, blacklisted := e.blacklist[msg.UserID]
	e.mu.Unlock()
	if blacklisted {
		// Known-bad sender, no point spending a profile fetch.
		return ReasonBlacklist, true
	}

	bio, err := e.profiles.Bio(ctx, msg.UserID)
	if err != nil {
		// Unknown bio never blocks a user.
		e.log.Warn("cannot fetch profile, skipping bio check", "user_id", msg.UserID, "error", err)
		return "", false
	}
	if bio != "" {
		if _, ok := e.matcher.Bio.Check(bio); ok {
			return ReasonBio, true
		}
		if containsLink(bio) {
			return ReasonBio, true
		}
	}

	return "", false
}

// promote moves the sender to the trusted registry.
func (e *VerificationEngine) promote(msg IncomingMessage) {
	e.failures.Reset(ChallengeKey{ChatID: msg.ChatID, UserID: msg.UserID}.String())
	e.addTrusted(msg.UserID, msg.Username, msg.DisplayName)
	e.log.Debug("promote user to trusted", "chat_id", msg.ChatID, "user_id", msg.UserID)
}

func (e *VerificationEngine) addTrusted(userID int64, username, displayName string) {
	now := e.now()

	u := TrustedUser{
		ID:          userID,
		Username:    username,
		DisplayName: displayName,
		VerifiedAt:  &now,
	}
	if joined, ok := e.joinTimes.Lookup(userID); ok {
		u.JoinedAt = &joined
	}

	e.mu.Lock()
	e.trusted[userID] = u
	delete(e.blacklist, userID)
	trustedLen := len(e.trusted)
	e.mu.Unlock()

	e.metrics.setTrustedUsers(trustedLen)
	e.saveTrusted()
	e.saveBlacklist()
}

// issueChallenge deletes the triggering message, issues a fresh code
// (superseding any previous challenge) and posts a self-deleting prompt.
func (e *VerificationEngine) issueChallenge(ctx context.Context, key ChallengeKey, msg IncomingMessage, reason Reason) {
	e.metrics.incChallenge(reason)
	e.sink.Emit(Event{
		Kind:      EventChallenge,
		ChatID:    msg.ChatID,
		UserID:    msg.UserID,
		MessageID: msg.MessageID,
		Detail:    reason.String(),
	})
	e.log.Info("issue challenge",
		"chat_id", msg.ChatID, "user_id", msg.UserID, "reason", reason.String())

	e.queue.Delete(ctx, DeletionTask{ChatID: msg.ChatID, MessageID: msg.MessageID, UserID: msg.UserID})

	code := generateCode()
	e.mu.Lock()
	e.pending[key] = PendingChallenge{
		Code:             code,
		IssuedAt:         e.now(),
		SubjectMessageID: msg.MessageID,
	}
	e.mu.Unlock()

	prompt := fmt.Sprintf(
		"%s, your message was removed. Reply with the code %s within %d seconds to keep posting here.",
		mention(msg.Username, msg.DisplayName), code, int(e.cfg.ChallengeTimeout.Seconds()),
	)
	e.sendNotice(ctx, msg.ChatID, prompt)
}

// resolveChallenge compares the reply against the pending code.
func (e *VerificationEngine) resolveChallenge(ctx context.Context, key ChallengeKey, msg IncomingMessage, p PendingChallenge) {
	// The reply itself never stays in the chat, right or wrong.
	e.queue.Delete(ctx, DeletionTask{ChatID: msg.ChatID, MessageID: msg.MessageID, UserID: msg.UserID})

	if extractCode(msg.Text) == p.Code {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()

		e.failures.Reset(key.String())
		e.saveFailures()
		e.promote(msg)

		e.metrics.incChallengeResult(resultPassed)
		e.sink.Emit(Event{Kind: EventVerified, ChatID: msg.ChatID, UserID: msg.UserID})
		e.log.Info("challenge passed", "chat_id", msg.ChatID, "user_id", msg.UserID)

		e.sendNotice(ctx, msg.ChatID, fmt.Sprintf("%s is verified, welcome.", mention(msg.Username, msg.DisplayName)))
		return
	}

	e.recordFailure(ctx, key, msg, resultFailed)
}

// recordFailure counts one failure (subject to cooldown suppression) and
// escalates at the threshold, reporting whether it did. Below threshold the
// user is told how many attempts remain; the pending challenge stays active.
func (e *VerificationEngine) recordFailure(ctx context.Context, key ChallengeKey, msg IncomingMessage, result string) bool {
	counted, n := e.failures.Record(key.String(), e.now())
	e.saveFailures()

	e.metrics.incChallengeResult(result)
	kind := lang.If(result == resultExpired, EventExpired, EventFailed)
	e.sink.Emit(Event{
		Kind:   kind,
		ChatID: msg.ChatID,
		UserID: msg.UserID,
		Detail: fmt.Sprintf("failures=%d counted=%t", n, counted),
	})

	if counted && n >= e.cfg.FailureThreshold {
		e.escalate(ctx, key, msg)
		return true
	}

	if result == resultFailed {
		remaining := getMax(e.cfg.FailureThreshold-n, 0)
		e.sendNotice(ctx, msg.ChatID, fmt.Sprintf(
			"%s, wrong code. %d attempts left.", mention(msg.Username, msg.DisplayName), remaining))
	}
	return false
}

// escalate restricts the user, blacklists them and clears their pending state.
func (e *VerificationEngine) escalate(ctx context.Context, key ChallengeKey, msg IncomingMessage) {
	var until time.Time
	if e.cfg.RestrictFor > 0 {
		until = e.now().Add(e.cfg.RestrictFor)
	}
	if err := e.transport.RestrictMember(ctx, msg.ChatID, msg.UserID, until); err != nil {
		e.log.Error("cannot restrict member", "chat_id", msg.ChatID, "user_id", msg.UserID, "error", err)
	}

	e.mu.Lock()
	e.blacklist[msg.UserID] = struct{}{}
	delete(e.trusted, msg.UserID)
	delete(e.pending, key)
	trustedLen := len(e.trusted)
	e.mu.Unlock()

	e.failures.Reset(key.String())

	e.metrics.setTrustedUsers(trustedLen)
	e.metrics.incRestriction()
	e.sink.Emit(Event{Kind: EventRestricted, ChatID: msg.ChatID, UserID: msg.UserID})
	e.log.Warn("restrict user after repeated failures", "chat_id", msg.ChatID, "user_id", msg.UserID)

	e.saveBlacklist()
	e.saveTrusted()
	e.saveFailures()

	notice := fmt.Sprintf("%s failed verification and can no longer post.", mention(msg.Username, msg.DisplayName))
	if e.cfg.AppealContact != "" {
		notice += fmt.Sprintf(" To appeal, contact %s.", e.cfg.AppealContact)
	}
	e.sendNotice(ctx, msg.ChatID, notice)
}

// harvestName offers a banned user's display name as a name-keyword
// candidate, unless the whitelist says otherwise.
func (e *VerificationEngine) harvestName(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if e.matcher.Whitelisted(name) {
		e.log.Debug("skip whitelisted keyword candidate", "name", name)
		return
	}
	if e.matcher.Name.AddExact(name) {
		e.log.Info("harvest name keyword", "name", name)
		e.saveKeywords()
	}
}

// sendNotice posts a service message scheduled for self-deletion.
func (e *VerificationEngine) sendNotice(ctx context.Context, chatID int64, text string) {
	id, err := e.transport.SendMessage(ctx, chatID, text)
	if err != nil {
		e.log.Error("cannot send notice", "chat_id", chatID, "error", err)
		return
	}
	e.queue.DeleteAfter(DeletionTask{ChatID: chatID, MessageID: id}, e.cfg.PromptDeleteAfter)
}

// lockKey serializes work on one (chat, user) pair through a fixed set of
// lock stripes, so the lock footprint stays bounded however many users pass
// through the chat.
func (e *VerificationEngine) lockKey(key ChallengeKey) func() {
	h := uint64(key.ChatID)*31 + uint64(key.UserID)
	l := &e.locks[h%lockStripes]
	l.Lock()
	return l.Unlock
}

func (e *VerificationEngine) saveTrusted() {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	doc := TrustedRegistry{Users: make([]TrustedUser, 0, len(e.trusted))}
	for _, u := range e.trusted {
		doc.Users = append(doc.Users, u)
	}
	e.mu.Unlock()
	e.store.Save(DocTrusted, doc)
}

func (e *VerificationEngine) saveBlacklist() {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	doc := BlacklistDoc{Users: make([]int64, 0, len(e.blacklist))}
	for id := range e.blacklist {
		doc.Users = append(doc.Users, id)
	}
	e.mu.Unlock()
	e.store.Save(DocBlacklist, doc)
}

func (e *VerificationEngine) saveFailures() {
	if e.store == nil {
		return
	}
	e.store.Save(DocFailures, FailureSnapshot{Failures: e.failures.Snapshot()})
}

func (e *VerificationEngine) saveKeywords() {
	if e.store == nil {
		return
	}
	e.store.Save(DocKeywords, e.matcher.Config())
}

func mention(username, displayName string) string {
	if username != "" {
		return "@" + username
	}
	if displayName != "" {
		return displayName
	}
	return "user"
}

func stripLinks(text string) string {
	text = urlPattern.ReplaceAllString(text, "")
	text = tgLinkPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
