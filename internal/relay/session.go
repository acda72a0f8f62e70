package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/UsSubDidIt/Whispry/internal/telegram"
)

// BotAPI is the slice of the platform client a worker session needs. It is
// satisfied by *telegram.Client; tests substitute fakes.
type BotAPI interface {
	GetMe(ctx context.Context) (*telegram.User, error)
	DeleteWebhook(ctx context.Context) error
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, int64, error)
	SendMessage(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) (*telegram.Message, error)
	ForwardMessage(ctx context.Context, chatID, fromChatID, messageID int64) (*telegram.Message, error)
	SendPhoto(ctx context.Context, chatID int64, fileID, caption string) error
	SendVideo(ctx context.Context, chatID int64, fileID, caption string) error
	SendDocument(ctx context.Context, chatID int64, fileID, caption string) error
	SendAudio(ctx context.Context, chatID int64, fileID, caption string) error
	SendVoice(ctx context.Context, chatID int64, fileID string) error
	SendSticker(ctx context.Context, chatID int64, fileID string) error
}

// CounterStore persists the per-credential message counter.
type CounterStore interface {
	IncrementCounter(ctx context.Context, token string, ownerID int64) error
	Counter(ctx context.Context, token string) (int64, error)
}

// NotifyOwnerFunc delivers a failure notice to the owner through the
// controller bot (the tenant bot may be the thing that is failing).
type NotifyOwnerFunc func(ctx context.Context, ownerID int64, text string) error

// SessionState tracks the worker lifecycle.
type SessionState int32

const (
	StateStarting SessionState = iota
	StatePolling
	StateStopping
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	aboutFooter      = "\n\nPowered by @WhispryBot"
	tenantAboutText  = "This bot is made with @WhispryBot, an ads-free feedback bot."
	tenantHelpText   = "This is a feedback bot. Send messages to contact the owner."
	defaultStartText = "Welcome!"

	noticeBlocked        = "The user has blocked your bot."
	noticeCannotInitiate = "The user has not started a conversation with your bot."
	noticeGenericFailure = "An error occurred while sending a message."
	noticeUnroutable     = "Could not find the original sender for this reply."
)

// SessionConfig is the immutable identity plus the tunables of one worker.
type SessionConfig struct {
	OwnerID        int64
	Token          string
	StartText      string
	FirstReplyText string

	PollTimeout          time.Duration // long-poll window, default 30s
	RetryPause           time.Duration // pause after a transport error, default 15s
	DeleteWebhookOnStart bool
}

// SessionDeps are the collaborators a worker session talks to.
type SessionDeps struct {
	API         BotAPI
	Router      *Router
	Counters    CounterStore
	NotifyOwner NotifyOwnerFunc
	Logger      *slog.Logger
}

// Session is one worker: a long-poll receive loop for a single registered
// credential, forwarding inbound private messages to the owner and routing
// the owner's replies back.
type Session struct {
	ownerID int64
	token   string
	runID   string

	api      BotAPI
	router   *Router
	counters CounterStore
	notify   NotifyOwnerFunc
	logger   *slog.Logger

	pollTimeout   time.Duration
	retryPause    time.Duration
	deleteWebhook bool

	mu             sync.RWMutex
	startText      string
	firstReplyText string
	username       string
	state          SessionState

	// counter mirrors the store row; only the receive loop mutates it, so
	// it never diverges from storage by more than the in-flight increment.
	counter int64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSession(cfg SessionConfig, deps SessionDeps) (*Session, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("relay: session token is required")
	}
	if cfg.OwnerID == 0 {
		return nil, fmt.Errorf("relay: session owner is required")
	}
	if deps.API == nil || deps.Router == nil || deps.Counters == nil {
		return nil, fmt.Errorf("relay: session dependencies are incomplete")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = 15 * time.Second
	}
	return &Session{
		ownerID:        cfg.OwnerID,
		token:          cfg.Token,
		runID:          "run_" + uuid.NewString(),
		api:            deps.API,
		router:         deps.Router,
		counters:       deps.Counters,
		notify:         deps.NotifyOwner,
		logger:         deps.Logger.With("owner_id", cfg.OwnerID, "bot", tokenTail(cfg.Token)),
		pollTimeout:    cfg.PollTimeout,
		retryPause:     cfg.RetryPause,
		deleteWebhook:  cfg.DeleteWebhookOnStart,
		startText:      cfg.StartText,
		firstReplyText: cfg.FirstReplyText,
		state:          StateStarting,
		done:           make(chan struct{}),
	}, nil
}

// tokenTail keeps log lines from leaking the credential.
func tokenTail(token string) string {
	if len(token) <= 6 {
		return token
	}
	return "…" + token[len(token)-6:]
}

func (s *Session) OwnerID() int64 { return s.ownerID }
func (s *Session) Token() string  { return s.token }

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Username returns the bot's display name, cached at Start so list renders
// never hit the network.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) StartText() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startText
}

func (s *Session) SetStartText(text string) {
	s.mu.Lock()
	s.startText = text
	s.mu.Unlock()
}

func (s *Session) FirstReplyText() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstReplyText
}

func (s *Session) SetFirstReplyText(text string) {
	s.mu.Lock()
	s.firstReplyText = text
	s.mu.Unlock()
}

// Start validates the credential against the platform, caches the bot
// username, loads the persisted counter, and spawns the receive loop.
func (s *Session) Start(ctx context.Context) error {
	me, err := s.api.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("relay: validate credential: %w", err)
	}
	if s.deleteWebhook {
		if err := s.api.DeleteWebhook(ctx); err != nil {
			s.logger.Warn("worker_delete_webhook_error", "error", err.Error())
		}
	}
	counter, err := s.counters.Counter(ctx, s.token)
	if err != nil {
		return fmt.Errorf("relay: load counter: %w", err)
	}

	s.mu.Lock()
	s.username = me.Username
	s.counter = counter
	s.state = StatePolling
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(loopCtx)

	s.logger.Info("worker_start", "run_id", s.runID, "username", me.Username, "counter", counter)
	return nil
}

// Stop flips the session to stopping, aborts the in-flight long poll, and
// blocks until the loop goroutine has fully exited. No storage writes
// happen after Stop returns.
func (s *Session) Stop() {
	s.setState(StateStopping)
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	s.setState(StateStopped)
	s.logger.Info("worker_stop", "run_id", s.runID)
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	var offset int64
	for {
		updates, nextOffset, err := s.api.GetUpdates(ctx, offset, s.pollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if telegram.IsPollTimeout(err) {
				s.logger.Debug("worker_poll_timeout", "error", err.Error())
				continue
			}
			s.logger.Warn("worker_poll_error", "error", err.Error())
			if !sleepCtx(ctx, s.retryPause) {
				return
			}
			continue
		}
		offset = nextOffset

		// Strictly sequential: one update fully handled, mapping write and
		// counter increment included, before the next is looked at.
		for _, u := range updates {
			if ctx.Err() != nil {
				return
			}
			s.handleUpdate(ctx, u)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Session) handleUpdate(ctx context.Context, u telegram.Update) {
	msg := u.Message
	if msg == nil || !msg.IsPrivate() {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		s.handleCommand(ctx, msg, text)
		return
	}

	if msg.ReplyTo == nil {
		s.handleInbound(ctx, msg)
		return
	}
	if msg.From != nil && msg.From.ID == s.ownerID {
		s.handleOwnerReply(ctx, msg)
		return
	}
	// A reply from anyone else has no routing meaning; drop it.
}

func (s *Session) handleCommand(ctx context.Context, msg *telegram.Message, text string) {
	cmd := text
	if i := strings.IndexAny(cmd, " \t"); i >= 0 {
		cmd = cmd[:i]
	}
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	switch cmd {
	case "/start":
		start := s.StartText()
		if strings.TrimSpace(start) == "" {
			start = defaultStartText
		}
		s.send(ctx, msg.Chat.ID, start+aboutFooter)
	case "/about":
		s.send(ctx, msg.Chat.ID, tenantAboutText)
	case "/help":
		s.send(ctx, msg.Chat.ID, tenantHelpText)
	}
	// Other commands carry no relay meaning and are ignored.
}

func (s *Session) send(ctx context.Context, chatID int64, text string) {
	if _, err := s.api.SendMessage(ctx, chatID, text, nil); err != nil {
		s.logger.Warn("worker_send_error", "error", err.Error())
	}
}

// handleInbound forwards fresh content to the owner, optionally sends the
// configured first-reply anchored to the forwarded copy, then records the
// reply mapping and bumps the counter.
func (s *Session) handleInbound(ctx context.Context, msg *telegram.Message) {
	forwarded, err := s.api.ForwardMessage(ctx, s.ownerID, msg.Chat.ID, msg.MessageID)
	if err != nil {
		s.reportDeliveryError(ctx, err)
		return
	}

	if s.counterValue() == 0 {
		if firstReply := s.FirstReplyText(); strings.TrimSpace(firstReply) != "" {
			_, err := s.api.SendMessage(ctx, s.ownerID, firstReply, &telegram.SendOptions{
				ReplyToMessageID: forwarded.MessageID,
			})
			if err != nil {
				s.reportDeliveryError(ctx, err)
				return
			}
		}
	}

	if err := s.router.Record(ctx, s.ownerID, forwarded.MessageID, msg.Chat.ID); err != nil {
		s.logger.Error("worker_record_mapping_error", "error", err.Error())
		return
	}
	s.incrementCounter(ctx)
}

// handleOwnerReply resolves the reply target and relays the payload back to
// the original sender.
func (s *Session) handleOwnerReply(ctx context.Context, msg *telegram.Message) {
	senderID, ok, err := s.router.Resolve(ctx, s.ownerID, msg.ReplyTo.MessageID)
	if err != nil {
		s.logger.Error("worker_resolve_error", "error", err.Error())
		s.notifyOwner(ctx, noticeGenericFailure)
		return
	}
	if !ok {
		s.logger.Warn("worker_reply_unroutable", "reply_handle", msg.ReplyTo.MessageID)
		s.notifyOwner(ctx, noticeUnroutable)
		return
	}

	if err := s.relayContent(ctx, senderID, contentFromMessage(msg)); err != nil {
		s.reportDeliveryError(ctx, err)
		return
	}
	s.incrementCounter(ctx)
}

func (s *Session) relayContent(ctx context.Context, chatID int64, content Content) error {
	switch content.Kind {
	case KindText:
		_, err := s.api.SendMessage(ctx, chatID, content.Text, nil)
		return err
	case KindPhoto:
		return s.api.SendPhoto(ctx, chatID, content.FileID, content.Caption)
	case KindVideo:
		return s.api.SendVideo(ctx, chatID, content.FileID, content.Caption)
	case KindDocument:
		return s.api.SendDocument(ctx, chatID, content.FileID, content.Caption)
	case KindAudio:
		return s.api.SendAudio(ctx, chatID, content.FileID, content.Caption)
	case KindVoice:
		return s.api.SendVoice(ctx, chatID, content.FileID)
	case KindSticker:
		return s.api.SendSticker(ctx, chatID, content.FileID)
	case KindUnsupported:
		s.logger.Debug("worker_relay_unsupported_content")
		return nil
	default:
		return fmt.Errorf("relay: unknown content kind %d", content.Kind)
	}
}

func (s *Session) counterValue() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counter
}

// incrementCounter writes the store first and mirrors the in-memory value
// only on success, so memory never runs ahead of storage.
func (s *Session) incrementCounter(ctx context.Context) {
	if err := s.counters.IncrementCounter(ctx, s.token, s.ownerID); err != nil {
		s.logger.Error("worker_counter_error", "error", err.Error())
		return
	}
	s.mu.Lock()
	s.counter++
	s.mu.Unlock()
}

// reportDeliveryError classifies an outbound failure and notifies the
// owner. API rejections are never retried; transport errors were already
// the poll loop's concern and only get logged here.
func (s *Session) reportDeliveryError(ctx context.Context, err error) {
	switch {
	case telegram.IsBlocked(err):
		s.logger.Info("worker_recipient_blocked")
		s.notifyOwner(ctx, noticeBlocked)
	case telegram.IsCannotInitiate(err):
		s.logger.Info("worker_recipient_unreachable")
		s.notifyOwner(ctx, noticeCannotInitiate)
	case telegram.IsAPIError(err):
		s.logger.Warn("worker_delivery_rejected", "error", err.Error())
		s.notifyOwner(ctx, noticeGenericFailure)
	default:
		s.logger.Warn("worker_delivery_transport_error", "error", err.Error())
	}
}

func (s *Session) notifyOwner(ctx context.Context, text string) {
	if s.notify == nil {
		return
	}
	if err := s.notify(ctx, s.ownerID, text); err != nil {
		s.logger.Warn("worker_notify_owner_error", "error", err.Error())
	}
}
