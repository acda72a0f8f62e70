package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/UsSubDidIt/Whispry/internal/telegram"
)

// fakeAPI scripts the platform side of a session.
type fakeAPI struct {
	mu sync.Mutex

	me      telegram.User
	meErr   error
	updates chan []telegram.Update

	nextForwardID int64
	forwardErr    error
	sendErr       error

	sent     []fakeSent
	forwards []fakeForward
	files    []fakeFile
	webhooks int
}

type fakeSent struct {
	ChatID  int64
	Text    string
	ReplyTo int64
}

type fakeForward struct {
	ChatID     int64
	FromChatID int64
	MessageID  int64
}

type fakeFile struct {
	Method  string
	ChatID  int64
	FileID  string
	Caption string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		me:            telegram.User{ID: 1000, IsBot: true, Username: "tenant_bot"},
		updates:       make(chan []telegram.Update, 8),
		nextForwardID: 500,
	}
}

func (f *fakeAPI) GetMe(ctx context.Context) (*telegram.User, error) {
	if f.meErr != nil {
		return nil, f.meErr
	}
	me := f.me
	return &me, nil
}

func (f *fakeAPI) DeleteWebhook(ctx context.Context) error {
	f.mu.Lock()
	f.webhooks++
	f.mu.Unlock()
	return nil
}

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
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	sent := fakeSent{ChatID: chatID, Text: text}
	if opts != nil {
		sent.ReplyTo = opts.ReplyToMessageID
	}
	f.mu.Lock()
	f.sent = append(f.sent, sent)
	id := int64(9000 + len(f.sent))
	f.mu.Unlock()
	return &telegram.Message{MessageID: id, Chat: &telegram.Chat{ID: chatID, Type: "private"}}, nil
}

func (f *fakeAPI) ForwardMessage(ctx context.Context, chatID, fromChatID, messageID int64) (*telegram.Message, error) {
	if f.forwardErr != nil {
		return nil, f.forwardErr
	}
	f.mu.Lock()
	f.forwards = append(f.forwards, fakeForward{ChatID: chatID, FromChatID: fromChatID, MessageID: messageID})
	id := f.nextForwardID
	f.nextForwardID++
	f.mu.Unlock()
	return &telegram.Message{MessageID: id, Chat: &telegram.Chat{ID: chatID, Type: "private"}}, nil
}

func (f *fakeAPI) sendFile(method string, chatID int64, fileID, caption string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.files = append(f.files, fakeFile{Method: method, ChatID: chatID, FileID: fileID, Caption: caption})
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) SendPhoto(ctx context.Context, chatID int64, fileID, caption string) error {
	return f.sendFile("sendPhoto", chatID, fileID, caption)
}

func (f *fakeAPI) SendVideo(ctx context.Context, chatID int64, fileID, caption string) error {
	return f.sendFile("sendVideo", chatID, fileID, caption)
}

func (f *fakeAPI) SendDocument(ctx context.Context, chatID int64, fileID, caption string) error {
	return f.sendFile("sendDocument", chatID, fileID, caption)
}

func (f *fakeAPI) SendAudio(ctx context.Context, chatID int64, fileID, caption string) error {
	return f.sendFile("sendAudio", chatID, fileID, caption)
}

func (f *fakeAPI) SendVoice(ctx context.Context, chatID int64, fileID string) error {
	return f.sendFile("sendVoice", chatID, fileID, "")
}

func (f *fakeAPI) SendSticker(ctx context.Context, chatID int64, fileID string) error {
	return f.sendFile("sendSticker", chatID, fileID, "")
}

func (f *fakeAPI) sentMessages() []fakeSent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeSent(nil), f.sent...)
}

func (f *fakeAPI) forwardedMessages() []fakeForward {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeForward(nil), f.forwards...)
}

func (f *fakeAPI) sentFiles() []fakeFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeFile(nil), f.files...)
}

// fakeMappingStore is an in-memory MappingStore with optional injected
// failures.
type fakeMappingStore struct {
	mu       sync.Mutex
	rows     map[mappingKey]int64
	inserts  int
	lookups  int
	failNext error
}

func newFakeMappingStore() *fakeMappingStore {
	return &fakeMappingStore{rows: make(map[mappingKey]int64)}
}

func (f *fakeMappingStore) InsertMapping(ctx context.Context, ownerID, replyHandle, senderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.inserts++
	key := mappingKey{ownerID: ownerID, replyHandle: replyHandle}
	if _, ok := f.rows[key]; !ok {
		f.rows[key] = senderID
	}
	return nil
}

func (f *fakeMappingStore) Mapping(ctx context.Context, ownerID, replyHandle int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return 0, false, err
	}
	f.lookups++
	senderID, ok := f.rows[mappingKey{ownerID: ownerID, replyHandle: replyHandle}]
	return senderID, ok, nil
}

// fakeCounterStore is an in-memory CounterStore.
type fakeCounterStore struct {
	mu       sync.Mutex
	counts   map[string]int64
	failNext error
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{counts: make(map[string]int64)}
}

func (f *fakeCounterStore) IncrementCounter(ctx context.Context, token string, ownerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.counts[token]++
	return nil
}

func (f *fakeCounterStore) Counter(ctx context.Context, token string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[token], nil
}

// notifyRecorder captures owner notifications.
type notifyRecorder struct {
	mu    sync.Mutex
	notes []string
}

func (n *notifyRecorder) notify(ctx context.Context, ownerID int64, text string) error {
	n.mu.Lock()
	n.notes = append(n.notes, fmt.Sprintf("%d:%s", ownerID, text))
	n.mu.Unlock()
	return nil
}

func (n *notifyRecorder) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notes...)
}
