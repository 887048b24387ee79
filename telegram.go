package gatekeep

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/maxbolgarin/errm"
	tele "gopkg.in/telebot.v4"
)

// TelegramTransport implements Transport over the Telegram Bot API and feeds
// inbound updates into a Service. The moderation core never sees telebot
// types; everything crosses the boundary as IncomingMessage / MemberUpdate.
type TelegramTransport struct {
	bot *tele.Bot
	log Logger
}

// NewTelegramTransport connects to the Bot API with long polling.
func NewTelegramTransport(token string, log Logger) (*TelegramTransport, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			log.Error("telegram handler error", "error", err)
		},
	})
	if err != nil {
		return nil, errm.Wrap(err, "create telegram bot")
	}

	return &TelegramTransport{
		bot: bot,
		log: log,
	}, nil
}

// Attach registers update handlers feeding the service.
func (t *TelegramTransport) Attach(svc *Service) {
	onMessage := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		svc.HandleMessage(t.incoming(m))
		return nil
	}
	t.bot.Handle(tele.OnText, onMessage)
	t.bot.Handle(tele.OnMedia, onMessage)

	t.bot.Handle(tele.OnUserJoined, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		for _, u := range joinedUsers(m) {
			svc.HandleMemberUpdate(MemberUpdate{
				ChatID:      m.Chat.ID,
				UserID:      u.ID,
				Username:    u.Username,
				DisplayName: joinName(u.FirstName, u.LastName),
				IsBot:       u.IsBot,
				NewStatus:   MemberJoined,
			})
		}
		return nil
	})

	t.bot.Handle(tele.OnChatMember, func(c tele.Context) error {
		upd := c.ChatMember()
		if upd == nil || upd.NewChatMember == nil || upd.NewChatMember.User == nil || upd.Chat == nil {
			return nil
		}
		status, ok := mapMemberStatus(upd.NewChatMember.Role)
		if !ok {
			return nil
		}
		u := upd.NewChatMember.User
		svc.HandleMemberUpdate(MemberUpdate{
			ChatID:      upd.Chat.ID,
			UserID:      u.ID,
			Username:    u.Username,
			DisplayName: joinName(u.FirstName, u.LastName),
			IsBot:       u.IsBot,
			NewStatus:   status,
		})
		return nil
	})
}

// Start begins long polling. It blocks until Stop is called.
func (t *TelegramTransport) Start() {
	t.bot.Start()
}

// Stop stops long polling.
func (t *TelegramTransport) Stop() {
	t.bot.Stop()
}

// SendMessage implements Transport.
func (t *TelegramTransport) SendMessage(_ context.Context, chatID int64, text string) (int, error) {
	msg, err := t.bot.Send(tele.ChatID(chatID), text)
	if err != nil {
		return 0, t.mapError(err)
	}
	return msg.ID, nil
}

// DeleteMessage implements Transport.
func (t *TelegramTransport) DeleteMessage(_ context.Context, chatID int64, messageID int) error {
	err := t.bot.Delete(tele.StoredMessage{
		MessageID: strconv.Itoa(messageID),
		ChatID:    chatID,
	})
	return t.mapError(err)
}

// RestrictMember implements Transport. Zero until restricts forever.
func (t *TelegramTransport) RestrictMember(_ context.Context, chatID, userID int64, until time.Time) error {
	member := &tele.ChatMember{
		User:   &tele.User{ID: userID},
		Rights: tele.NoRights(),
	}
	if until.IsZero() {
		member.RestrictedUntil = tele.Forever()
	} else {
		member.RestrictedUntil = until.Unix()
	}

	err := t.bot.Restrict(&tele.Chat{ID: chatID}, member)
	return t.mapError(err)
}

// FetchProfile implements Transport, returning the user's bio.
func (t *TelegramTransport) FetchProfile(_ context.Context, userID int64) (string, error) {
	chat, err := t.bot.ChatByID(userID)
	if err != nil {
		return "", t.mapError(err)
	}
	return chat.Bio, nil
}

// mapError translates telebot errors into the package taxonomy.
func (t *TelegramTransport) mapError(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &ThrottledError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "message to delete not found"),
		strings.Contains(msg, "not found"):
		return ErrNotFound
	case strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "can't be deleted"),
		strings.Contains(msg, "chat_admin_required"),
		strings.Contains(msg, "bot was kicked"):
		return ErrForbidden
	}
	return err
}

// incoming converts a telebot message into the transport-independent shape.
func (t *TelegramTransport) incoming(m *tele.Message) IncomingMessage {
	text := m.Text
	entities := m.Entities
	if text == "" {
		text = m.Caption
		entities = m.CaptionEntities
	}

	hasLink := containsLink(text)
	for _, e := range entities {
		if e.Type == tele.EntityURL || e.Type == tele.EntityTextLink {
			hasLink = true
			break
		}
	}

	var replyChatID int64
	if m.ReplyTo != nil && m.ReplyTo.Chat != nil {
		replyChatID = m.ReplyTo.Chat.ID
	}

	return IncomingMessage{
		ChatID:      m.Chat.ID,
		MessageID:   m.ID,
		UserID:      m.Sender.ID,
		Text:        text,
		Username:    m.Sender.Username,
		DisplayName: joinName(m.Sender.FirstName, m.Sender.LastName),
		IsBot:       m.Sender.IsBot,
		HasLink:     hasLink,
		ReplyChatID: replyChatID,
		SentAt:      m.Time(),
	}
}

func joinedUsers(m *tele.Message) []tele.User {
	if len(m.UsersJoined) > 0 {
		return m.UsersJoined
	}
	if m.UserJoined != nil {
		return []tele.User{*m.UserJoined}
	}
	return nil
}

func mapMemberStatus(role tele.MemberStatus) (MemberStatus, bool) {
	switch role {
	case tele.Member, tele.Administrator, tele.Creator:
		return MemberJoined, true
	case tele.Left:
		return MemberLeft, true
	case tele.Restricted:
		return MemberRestricted, true
	case tele.Kicked:
		return MemberBanned, true
	}
	return "", false
}
