package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/UsSubDidIt/Whispry/internal/relay"
	"github.com/UsSubDidIt/Whispry/internal/telegram"
)

type fakeAPI struct {
	mu sync.Mutex

	meErr   error
	updates chan []telegram.Update

	sent     []fakeSent
	edits    []fakeEdit
	answered []string
}

type fakeSent struct {
	ChatID int64
	Text   string
	Markup *telegram.InlineKeyboardMarkup
}

type fakeEdit struct {
	ChatID    int64
	MessageID int64
	Text      string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan []telegram.Update, 8)}
}

func (f *fakeAPI) GetMe(ctx context.Context) (*telegram.User, error) {
	if f.meErr != nil {
		return nil, f.meErr
	}
	return &telegram.User{ID: 1, IsBot: true, Username: "WhispryBot"}, nil
}

func (f *fakeAPI) DeleteWebhook(ctx context.Context) error { return nil }

func (f *fakeAPI) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, int64, error) {
	select {
	case <-ctx.Done():
		return nil, offset, ctx.Err()
	case batch := <-f.updates:
		next := offset
		for _, u := range batch {
			if u.UpdateID >= next {
				next = u.UpdateID + 1
			}
		}
		return batch, next, nil
	}
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) (*telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := fakeSent{ChatID: chatID, Text: text}
	if opts != nil {
		s.Markup = opts.ReplyMarkup
	}
	f.sent = append(f.sent, s)
	return &telegram.Message{MessageID: int64(8000 + len(f.sent))}, nil
}

func (f *fakeAPI) EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) error {
	f.mu.Lock()
	f.edits = append(f.edits, fakeEdit{ChatID: chatID, MessageID: messageID, Text: text})
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error {
	f.mu.Lock()
	f.answered = append(f.answered, callbackQueryID)
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) sentMessages() []fakeSent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeSent(nil), f.sent...)
}

func (f *fakeAPI) lastSent() fakeSent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return fakeSent{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeAPI) editedMessages() []fakeEdit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeEdit(nil), f.edits...)
}

// fakeManager records manager calls and serves a scripted session list.
type fakeManager struct {
	mu sync.Mutex

	sessions    map[int64][]relay.SessionInfo
	sessionsErr error
	createErr   error
	destroyErr  error
	setErr      error

	created   []string
	destroyed []string
	setCalls  []string
}

func newFakeManager() *fakeManager {
	return &fakeManager{sessions: make(map[int64][]relay.SessionInfo)}
}

func (f *fakeManager) Create(ctx context.Context, ownerID int64, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, token)
	return "new_bot", nil
}

func (f *fakeManager) Destroy(ctx context.Context, ownerID int64, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyErr != nil {
		return f.destroyErr
	}
	f.destroyed = append(f.destroyed, fmt.Sprintf("%d:%s", ownerID, token))
	return nil
}

func (f *fakeManager) SetConfigField(ctx context.Context, ownerID int64, token, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.setCalls = append(f.setCalls, fmt.Sprintf("%s/%s=%s", token, field, value))
	return nil
}

func (f *fakeManager) Sessions(ctx context.Context, ownerID int64) ([]relay.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionsErr != nil {
		return nil, f.sessionsErr
	}
	return f.sessions[ownerID], nil
}

type fakeStats struct {
	bots     int64
	messages int64
	counts   map[int64]int
}

func (f *fakeStats) Totals(ctx context.Context) (int64, int64, error) {
	return f.bots, f.messages, nil
}

func (f *fakeStats) CountCredentials(ctx context.Context, ownerID int64) (int, error) {
	return f.counts[ownerID], nil
}
