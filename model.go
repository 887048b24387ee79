package gatekeep

import (
	"fmt"
	"time"
)

// Reason explains why a message triggered a verification challenge.
type Reason string

const (
	// ReasonAd is a short message carrying a hyperlink.
	ReasonAd Reason = "ad"
	// ReasonCrossChat is a message quoting a message from another chat.
	ReasonCrossChat Reason = "cross_chat_reply"
	// ReasonText is a keyword hit on the message text.
	ReasonText Reason = "text"
	// ReasonName is a keyword hit on the sender's display name.
	ReasonName Reason = "name"
	// ReasonBlacklist is a sender already known to be bad.
	ReasonBlacklist Reason = "blacklist"
	// ReasonBio is a keyword or link hit on the sender's profile bio.
	ReasonBio Reason = "bio"
)

func (r Reason) String() string {
	return string(r)
}

// MemberStatus is the new status of a chat member reported by the transport.
type MemberStatus string

const (
	MemberJoined     MemberStatus = "joined"
	MemberLeft       MemberStatus = "left"
	MemberRestricted MemberStatus = "restricted"
	MemberBanned     MemberStatus = "banned"
)

// IncomingMessage is the transport-independent shape of a new message event.
// It carries exactly the fields the moderation core consumes.
type IncomingMessage struct {
	ChatID      int64
	MessageID   int
	UserID      int64
	Text        string
	Username    string
	DisplayName string
	IsBot       bool

	// HasLink is true when the message carries a hyperlink
	// (URL entity, text link or a bare URL in the text).
	HasLink bool

	// ReplyChatID is the chat the quoted message belongs to,
	// zero when the message is not a reply.
	ReplyChatID int64

	SentAt time.Time
}

// MemberUpdate is the transport-independent shape of a member status change.
type MemberUpdate struct {
	ChatID      int64
	UserID      int64
	Username    string
	DisplayName string
	IsBot       bool
	NewStatus   MemberStatus
}

// TrustedUser is a sender exempted from further challenges.
// Present in the registry means the user bypasses the decision ladder.
type TrustedUser struct {
	ID          int64      `json:"user_id" bson:"id"`
	Username    string     `json:"username,omitempty" bson:"username,omitempty"`
	DisplayName string     `json:"display_name" bson:"display_name"`
	JoinedAt    *time.Time `json:"joined_at,omitempty" bson:"joined_at,omitempty"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty" bson:"verified_at,omitempty"`
}

// PendingChallenge is an issued human check waiting for the user's reply.
// At most one exists per (chat, user); a new challenge supersedes the old one.
type PendingChallenge struct {
	Code             string    `json:"code"`
	IssuedAt         time.Time `json:"issued_at"`
	SubjectMessageID int       `json:"subject_message_id"`
}

// Expired reports whether the challenge is past its deadline at now.
func (p PendingChallenge) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.IssuedAt) > timeout
}

// ChallengeKey identifies a pending challenge and a failure counter entry.
type ChallengeKey struct {
	ChatID int64
	UserID int64
}

func (k ChallengeKey) String() string {
	return fmt.Sprintf("%d:%d", k.ChatID, k.UserID)
}

// DeletionTask is one delete-message obligation.
// Identity is (ChatID, MessageID); duplicates are never enqueued twice.
type DeletionTask struct {
	ChatID     int64     `json:"chat_id"`
	MessageID  int       `json:"message_id"`
	UserID     int64     `json:"user_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts,omitempty"`
}

func (t DeletionTask) key() taskKey {
	return taskKey{chatID: t.ChatID, messageID: t.MessageID}
}

type taskKey struct {
	chatID    int64
	messageID int
}

// FieldKeywords is the persisted form of one keyword set:
// exact terms, substring terms and regex patterns in "/pattern/" form.
type FieldKeywords struct {
	Exact     []string `json:"exact" bson:"exact"`
	Substring []string `json:"substring" bson:"substring"`
	Regex     []string `json:"regex,omitempty" bson:"regex,omitempty"`
}

// WhitelistKeywords suppresses automatic keyword harvesting
// for display names and message text.
type WhitelistKeywords struct {
	Name FieldKeywords `json:"name" bson:"name"`
	Text FieldKeywords `json:"text" bson:"text"`
}

// KeywordConfig is the persisted keyword configuration document,
// one independent set per checked field plus the whitelist.
type KeywordConfig struct {
	Text      FieldKeywords     `json:"text" bson:"text"`
	Name      FieldKeywords     `json:"name" bson:"name"`
	Bio       FieldKeywords     `json:"bio" bson:"bio"`
	Whitelist WhitelistKeywords `json:"whitelist" bson:"whitelist"`
}

// TrustedRegistry is the persisted trusted-user document.
type TrustedRegistry struct {
	Users []TrustedUser `json:"users" bson:"users"`
}

// BlacklistDoc is the persisted blacklist document.
type BlacklistDoc struct {
	Users []int64 `json:"users" bson:"users"`
}

// FailureSnapshot is the persisted failure-counter document:
// "chat:user" keys mapped to occurrence timestamps inside the window.
type FailureSnapshot struct {
	Failures map[string][]time.Time `json:"failures" bson:"failures"`
}

// Document names used with a DocumentStore.
const (
	DocKeywords  = "spam_keywords"
	DocTrusted   = "trusted_users"
	DocFailures  = "verification_failures"
	DocBlacklist = "verification_blacklist"
)
