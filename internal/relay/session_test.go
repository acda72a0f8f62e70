package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/UsSubDidIt/Whispry/internal/telegram"
)

type sessionFixture struct {
	api      *fakeAPI
	counters *fakeCounterStore
	router   *Router
	mappings *fakeMappingStore
	notes    *notifyRecorder
	session  *Session
}

func newSessionFixture(t *testing.T, cfg SessionConfig) *sessionFixture {
	t.Helper()
	if cfg.OwnerID == 0 {
		cfg.OwnerID = 777
	}
	if cfg.Token == "" {
		cfg.Token = "123456:abcXYZ"
	}
	api := newFakeAPI()
	counters := newFakeCounterStore()
	mappings := newFakeMappingStore()
	notes := &notifyRecorder{}
	sess, err := NewSession(cfg, SessionDeps{
		API:         api,
		Router:      NewRouter(mappings),
		Counters:    counters,
		NotifyOwner: notes.notify,
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return &sessionFixture{
		api:      api,
		counters: counters,
		router:   sess.router,
		mappings: mappings,
		notes:    notes,
		session:  sess,
	}
}

func privateMessage(chatID, messageID int64, text string) telegram.Update {
	return telegram.Update{
		UpdateID: messageID,
		Message: &telegram.Message{
			MessageID: messageID,
			Chat:      &telegram.Chat{ID: chatID, Type: "private"},
			From:      &telegram.User{ID: chatID},
			Text:      text,
		},
	}
}

func TestInboundForwardRecordsMappingAndCounter(t *testing.T) {
	t.Parallel()
	fx := newSessionFixture(t, SessionConfig{})
	ctx := context.Background()

	fx.session.handleUpdate(ctx, privateMessage(42, 7, "hello"))

	forwards := fx.api.forwardedMessages()
	if len(forwards) != 1 {
		t.Fatalf("forwards = %d, want 1", len(forwards))
	}
	if forwards[0].ChatID != 777 || forwards[0].FromChatID != 42 || forwards[0].MessageID != 7 {
		t.Fatalf("forward = %+v", forwards[0])
	}
	// The forwarded copy's id (500, first fake forward) maps back to chat 42.
	sender, ok, _ := fx.router.Resolve(ctx, 777, 500)
	if !ok || sender != 42 {
		t.Fatalf("Resolve(500) = %d, %v, want 42, true", sender, ok)
	}
	if n, _ := fx.counters.Counter(ctx, "123456:abcXYZ"); n != 1 {
		t.Fatalf("counter = %d, want 1", n)
	}
}

func TestFirstInboundSendsConfiguredFirstReply(t *testing.T) {
	t.Parallel()
	fx := newSessionFixture(t, SessionConfig{FirstReplyText: "thanks, we got it"})
	ctx := context.Background()

	fx.session.handleUpdate(ctx, privateMessage(42, 7, "hello"))

	sent := fx.api.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d messages, want 1", len(sent))
	}
	if sent[0].ChatID != 777 || sent[0].Text != "thanks, we got it" {
		t.Fatalf("first reply = %+v", sent[0])
	}
	if sent[0].ReplyTo != 500 {
		t.Fatalf("first reply anchored to %d, want forwarded copy 500", sent[0].ReplyTo)
	}

	// The second inbound message gets no template.
	fx.session.handleUpdate(ctx, privateMessage(43, 8, "again"))
	if len(fx.api.sentMessages()) != 1 {
		t.Fatal("first-reply template sent more than once")
	}
}

func TestFirstReplySkippedWhenCounterNonZero(t *testing.T) {
	t.Parallel()
	fx := newSessionFixture(t, SessionConfig{FirstReplyText: "hi"})
	fx.session.counter = 3

	fx.session.handleUpdate(context.Background(), privateMessage(42, 7, "hello"))
	if len(fx.api.sentMessages()) != 0 {
		t.Fatal("first-reply template sent despite non-zero counter")
	}
	if len(fx.api.forwardedMessages()) != 1 {
		t.Fatal("inbound message not forwarded")
	}
}

func ownerReply(ownerID, replyHandle int64, text string) telegram.Update {
	return telegram.Update{
		UpdateID: 99,
		Message: &telegram.Message{
			MessageID: 900,
			Chat:      &telegram.Chat{ID: ownerID, Type: "private"},
			From:      &telegram.User{ID: ownerID},
			ReplyTo:   &telegram.Message{MessageID: replyHandle},
			Text:      text,
		},
	}
}

func TestOwnerReplyRelayedToOriginalSender(t *testing.T) {
	t.Parallel()
	fx := newSessionFixture(t, SessionConfig{})
	ctx := context.Background()

	// Sender 42's message was forwarded as handle 500.
	fx.session.handleUpdate(ctx, privateMessage(42, 7, "hello"))
	fx.session.handleUpdate(ctx, ownerReply(777, 500, "hi back"))

	sent := fx.api.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d messages, want 1", len(sent))
	}
	if sent[0].ChatID != 42 || sent[0].Text != "hi back" {
		t.Fatalf("relayed reply = %+v", sent[0])
	}
	if n, _ := fx.counters.Counter(ctx, "123456:abcXYZ"); n != 2 {
		t.Fatalf("counter = %d, want 2", n)
	}
}

func TestOwnerReplyMediaVariants(t *testing.T) {
	t.Parallel()
	fx := newSessionFixture(t, SessionConfig{})
	ctx := context.Background()
	fx.session.handleUpdate(ctx, privateMessage(42, 7, "hello"))

	reply := ownerReply(777, 500, "")
	reply.Message.Photo = []telegram.PhotoSize{{FileID: "small"}, {FileID: "large"}}
	reply.Message.Caption = "look"
	fx.session.handleUpdate(ctx, reply)

	files := fx.api.sentFiles()
	if len(files) != 1 {
		t.Fatalf("files = %d, want 1", len(files))
	}
	if files[0].Method != "sendPhoto" || files[0].FileID != "large" || files[0].Caption != "look" {
		t.Fatalf("photo relay = %+v", files[0])
	}

	sticker := ownerReply(777, 500, "")
	sticker.Message.Sticker = &telegram.Sticker{FileID: "stick1"}
	fx.session.handleUpdate(ctx, sticker)

	files = fx.api.sentFiles()
	if len(files) != 2 || files[1].Method != "sendSticker" || files[1].FileID != "stick1" {
		t.Fatalf("sticker relay = %+v", files)
	}
}

func TestOwnerReplyUnroutableNotifiesOwner(t *testing.T) {
	t.Parallel()
	fx := newSessionFixture(t, SessionConfig{})

	fx.session.handleUpdate(context.Background(), ownerReply(777, 12345, "hi"))

	notes := fx.notes.all()
	if len(notes) != 1 || !strings.Contains(notes[0], noticeUnroutable) {
		t.Fatalf("notifications = %v", notes)
	}
	if len(fx.api.sentMessages()) != 0 {
		t.Fatal("unroutable reply still relayed")
	}
}

func TestDeliveryErrorClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"blocked", &telegram.RequestError{StatusCode: 403, Description: "Forbidden: bot was blocked by the user"}, noticeBlocked},
		{"cannot_initiate", &telegram.RequestError{StatusCode: 403, Description: "Forbidden: bot can't initiate conversation with a user"}, noticeCannotInitiate},
		{"generic", &telegram.RequestError{StatusCode: 400, Description: "Bad Request: chat not found"}, noticeGenericFailure},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fx := newSessionFixture(t, SessionConfig{})
			fx.api.forwardErr = tc.err

			fx.session.handleUpdate(context.Background(), privateMessage(42, 7, "hello"))

			notes := fx.notes.all()
			if len(notes) != 1 || !strings.Contains(notes[0], tc.want) {
				t.Fatalf("notifications = %v, want %q", notes, tc.want)
			}
			// Failed delivery means no mapping and no counter bump.
			if n, _ := fx.counters.Counter(context.Background(), "123456:abcXYZ"); n != 0 {
				t.Fatalf("counter = %d, want 0", n)
			}
		})
	}
}

func TestNonPrivateAndForeignUpdatesIgnored(t *testing.T) {
	t.Parallel()
	fx := newSessionFixture(t, SessionConfig{})
	ctx := context.Background()

	group := privateMessage(42, 7, "hello")
	group.Message.Chat.Type = "group"
	fx.session.handleUpdate(ctx, group)

	// Reply from someone who is not the owner.
	foreign := ownerReply(555, 500, "hi")
	fx.session.handleUpdate(ctx, foreign)

	fx.session.handleUpdate(ctx, telegram.Update{UpdateID: 3})

	if len(fx.api.forwardedMessages()) != 0 || len(fx.api.sentMessages()) != 0 {
		t.Fatal("ignored update produced side effects")
	}
	if n, _ := fx.counters.Counter(ctx, "123456:abcXYZ"); n != 0 {
		t.Fatalf("counter = %d, want 0", n)
	}
}

func TestTenantCommands(t *testing.T) {
	t.Parallel()
	fx := newSessionFixture(t, SessionConfig{StartText: "custom welcome"})
	ctx := context.Background()

	fx.session.handleUpdate(ctx, privateMessage(42, 1, "/start"))
	fx.session.handleUpdate(ctx, privateMessage(42, 2, "/help"))
	fx.session.handleUpdate(ctx, privateMessage(42, 3, "/about"))
	fx.session.handleUpdate(ctx, privateMessage(42, 4, "/unknown"))

	sent := fx.api.sentMessages()
	if len(sent) != 3 {
		t.Fatalf("sent = %d messages, want 3", len(sent))
	}
	if !strings.HasPrefix(sent[0].Text, "custom welcome") || !strings.Contains(sent[0].Text, "Powered by") {
		t.Fatalf("/start reply = %q", sent[0].Text)
	}
	if sent[1].Text != tenantHelpText {
		t.Fatalf("/help reply = %q", sent[1].Text)
	}
	if sent[2].Text != tenantAboutText {
		t.Fatalf("/about reply = %q", sent[2].Text)
	}
	// Commands never touch mappings or counters.
	if len(fx.api.forwardedMessages()) != 0 {
		t.Fatal("command was forwarded")
	}
}

func TestCommandsNotForwardedEvenAsReplies(t *testing.T) {
	t.Parallel()
	fx := newSessionFixture(t, SessionConfig{})

	u := privateMessage(42, 1, "/start")
	fx.session.handleUpdate(context.Background(), u)
	if len(fx.api.forwardedMessages()) != 0 {
		t.Fatal("command message was forwarded to owner")
	}
}

func TestSessionStartStop(t *testing.T) {
	t.Parallel()
	fx := newSessionFixture(t, SessionConfig{DeleteWebhookOnStart: true})
	fx.counters.counts["123456:abcXYZ"] = 5

	if err := fx.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := fx.session.State(); got != StatePolling {
		t.Fatalf("State() = %v, want polling", got)
	}
	if fx.session.Username() != "tenant_bot" {
		t.Fatalf("Username() = %q", fx.session.Username())
	}
	if fx.session.counterValue() != 5 {
		t.Fatalf("counter loaded = %d, want 5", fx.session.counterValue())
	}
	if fx.api.webhooks != 1 {
		t.Fatalf("webhook deletions = %d, want 1", fx.api.webhooks)
	}

	// Feed one update through the live loop.
	fx.api.updates <- []telegram.Update{privateMessage(42, 7, "hello")}
	waitFor(t, func() bool { return len(fx.api.forwardedMessages()) == 1 })

	done := make(chan struct{})
	go func() {
		fx.session.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not join the loop")
	}
	if got := fx.session.State(); got != StateStopped {
		t.Fatalf("State() after Stop = %v, want stopped", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestConfigUpdatesVisibleOnHotPath(t *testing.T) {
	t.Parallel()
	fx := newSessionFixture(t, SessionConfig{})
	ctx := context.Background()

	fx.session.SetStartText("updated")
	fx.session.handleUpdate(ctx, privateMessage(42, 1, "/start"))
	sent := fx.api.sentMessages()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Text, "updated") {
		t.Fatalf("/start after SetStartText = %+v", sent)
	}

	fx.session.SetFirstReplyText("fresh template")
	fx.session.handleUpdate(ctx, privateMessage(42, 2, "hello"))
	sent = fx.api.sentMessages()
	if len(sent) != 2 || sent[1].Text != "fresh template" {
		t.Fatalf("first reply after SetFirstReplyText = %+v", sent)
	}
}
