package gatekeep

import (
	"context"
	"sync"
	"time"

	"github.com/maxbolgarin/errm"
)

// errTransient is a retryable failure for scripted transports.
var errTransient = errm.New("connection reset")

// stubTransport records outbound actions and lets tests script failures.
type stubTransport struct {
	mu sync.Mutex

	sent       []sentMessage
	deleted    []taskKey
	restricted []restriction
	fetches    []int64

	deleteErr  func(chatID int64, messageID int) error
	fetchBio   func(userID int64) (string, error)
	deleteCall int
	nextMsgID  int
}

type sentMessage struct {
	chatID int64
	text   string
	id     int
}

type restriction struct {
	chatID int64
	userID int64
	until  time.Time
}

func newStubTransport() *stubTransport {
	return &stubTransport{nextMsgID: 1000}
}

func (s *stubTransport) SendMessage(_ context.Context, chatID int64, text string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsgID++
	s.sent = append(s.sent, sentMessage{chatID: chatID, text: text, id: s.nextMsgID})
	return s.nextMsgID, nil
}

func (s *stubTransport) DeleteMessage(_ context.Context, chatID int64, messageID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCall++
	if s.deleteErr != nil {
		if err := s.deleteErr(chatID, messageID); err != nil {
			return err
		}
	}
	s.deleted = append(s.deleted, taskKey{chatID: chatID, messageID: messageID})
	return nil
}

func (s *stubTransport) RestrictMember(_ context.Context, chatID, userID int64, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restricted = append(s.restricted, restriction{chatID: chatID, userID: userID, until: until})
	return nil
}

func (s *stubTransport) FetchProfile(_ context.Context, userID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, userID)
	if s.fetchBio != nil {
		return s.fetchBio(userID)
	}
	return "", nil
}

func (s *stubTransport) deleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteCall
}

func (s *stubTransport) deletedKeys() []taskKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]taskKey, len(s.deleted))
	copy(out, s.deleted)
	return out
}

func (s *stubTransport) sentMessages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *stubTransport) restrictedUsers() []restriction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]restriction, len(s.restricted))
	copy(out, s.restricted)
	return out
}

func (s *stubTransport) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetches)
}

// recordingSink collects telemetry events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) byKind(kind string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// instantSleep makes waits immediate in tests.
func instantSleep(context.Context, time.Duration) error { return nil }
