package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/UsSubDidIt/Whispry/internal/relay"
	"github.com/UsSubDidIt/Whispry/internal/store"
	"github.com/UsSubDidIt/Whispry/internal/telegram"
)

// API is the slice of the platform client the controller bot needs. It is
// satisfied by *telegram.Client; tests substitute fakes.
type API interface {
	GetMe(ctx context.Context) (*telegram.User, error)
	DeleteWebhook(ctx context.Context) error
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, int64, error)
	SendMessage(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) (*telegram.Message, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error
}

// Manager registers and tears down tenant bots. Satisfied by
// *relay.Supervisor.
type Manager interface {
	Create(ctx context.Context, ownerID int64, token string) (string, error)
	Destroy(ctx context.Context, ownerID int64, token string) error
	SetConfigField(ctx context.Context, ownerID int64, token, field, value string) error
	Sessions(ctx context.Context, ownerID int64) ([]relay.SessionInfo, error)
}

// StatsStore supplies the aggregate numbers for the welcome line and the
// /newbot quota pre-check.
type StatsStore interface {
	Totals(ctx context.Context) (bots, messages int64, err error)
	CountCredentials(ctx context.Context, ownerID int64) (int, error)
}

const (
	welcomeTemplate = "Hi, I'm Whispry.\nA privacy-first feedback bot.\nManaging %d bots and %d messages.\nSend /help for commands."
	helpText        = "Commands:\n" +
		"/newbot - Create a new bot.\n" +
		"/mybots - Manage your bots.\n" +
		"/start - Display welcome message.\n" +
		"/about - Information about Whispry.\n" +
		"/help - Show this help."
	aboutText = "Hi, I'm Whispry.\nAn ads-free feedback bot.\n\nContact us:\nChannel | https://t.me/IsWhispry\nGroup | https://t.me/WhispryComm"

	promptToken      = "Please send me the bot token."
	promptStartText  = "Enter the new /start message:"
	promptFirstReply = "Enter the auto-reply for the first message:"

	replyNoBots         = "You don't have any bots yet. Use /newbot."
	replySelectBot      = "Select a bot to manage:"
	replyChooseAction   = "Choose an action:"
	replyDeleted        = "Bot deleted."
	replyStartSet       = "Start message set."
	replyFirstReplySet  = "First reply message set."
	replyInvalidToken   = "Invalid token format."
	replyAlreadyManaged = "This bot is already managed."
	replyUnexpected     = "An unexpected error occurred."
)

// Config tunes the controller loop.
type Config struct {
	PollTimeout     time.Duration // long-poll window, default 30s
	RetryPause      time.Duration // pause after a transport error, default 15s
	MaxBotsPerOwner int           // quota announced on /newbot, default 50
}

// Deps are the controller's collaborators.
type Deps struct {
	API     API
	Manager Manager
	Store   StatsStore
	Logger  *slog.Logger
}

// Controller runs the front bot: the registration commands, the inline
// management menus, and the pending-step prompts.
type Controller struct {
	api     API
	manager Manager
	store   StatsStore
	logger  *slog.Logger

	pollTimeout time.Duration
	retryPause  time.Duration
	maxBots     int

	steps *stepTable
}

func New(deps Deps, cfg Config) (*Controller, error) {
	if deps.API == nil || deps.Manager == nil || deps.Store == nil {
		return nil, fmt.Errorf("controller: dependencies are incomplete")
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
	if cfg.MaxBotsPerOwner <= 0 {
		cfg.MaxBotsPerOwner = 50
	}
	return &Controller{
		api:         deps.API,
		manager:     deps.Manager,
		store:       deps.Store,
		logger:      deps.Logger,
		pollTimeout: cfg.PollTimeout,
		retryPause:  cfg.RetryPause,
		maxBots:     cfg.MaxBotsPerOwner,
		steps:       newStepTable(),
	}, nil
}

// NotifyOwner delivers a notice to an owner through the controller bot. The
// worker sessions use this for delivery-failure reports, so a broken tenant
// credential does not have to announce its own failure.
func (c *Controller) NotifyOwner(ctx context.Context, ownerID int64, text string) error {
	_, err := c.api.SendMessage(ctx, ownerID, text, nil)
	return err
}

// Run validates the controller credential, then polls for updates until ctx
// is cancelled. Validation failure is returned so startup can abort.
func (c *Controller) Run(ctx context.Context) error {
	me, err := c.api.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("controller: validate credential: %w", err)
	}
	if err := c.api.DeleteWebhook(ctx); err != nil {
		c.logger.Warn("controller_delete_webhook_error", "error", err.Error())
	}
	c.logger.Info("controller_start", "username", me.Username)

	var offset int64
	for {
		updates, nextOffset, err := c.api.GetUpdates(ctx, offset, c.pollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				c.logger.Info("controller_stop")
				return nil
			}
			if telegram.IsPollTimeout(err) {
				c.logger.Debug("controller_poll_timeout", "error", err.Error())
				continue
			}
			c.logger.Warn("controller_poll_error", "error", err.Error())
			if !sleepCtx(ctx, c.retryPause) {
				c.logger.Info("controller_stop")
				return nil
			}
			continue
		}
		offset = nextOffset

		for _, u := range updates {
			if ctx.Err() != nil {
				c.logger.Info("controller_stop")
				return nil
			}
			c.handleUpdate(ctx, u)
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

func (c *Controller) handleUpdate(ctx context.Context, u telegram.Update) {
	if u.CallbackQuery != nil {
		c.handleCallback(ctx, u.CallbackQuery)
		return
	}
	msg := u.Message
	if msg == nil || !msg.IsPrivate() || msg.From == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		// A pending step survives commands; only freeform text consumes it.
		c.handleCommand(ctx, msg, text)
		return
	}
	if s, ok := c.steps.Take(msg.From.ID); ok {
		c.handleStep(ctx, msg, s, text)
	}
	// Freeform text with no pending step carries no meaning here.
}

func (c *Controller) handleCommand(ctx context.Context, msg *telegram.Message, text string) {
	cmd := text
	if i := strings.IndexAny(cmd, " \t"); i >= 0 {
		cmd = cmd[:i]
	}
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	switch cmd {
	case "/start":
		bots, messages, err := c.store.Totals(ctx)
		if err != nil {
			c.logger.Warn("controller_totals_error", "error", err.Error())
		}
		c.send(ctx, msg.Chat.ID, fmt.Sprintf(welcomeTemplate, bots, messages))
	case "/help":
		c.send(ctx, msg.Chat.ID, helpText)
	case "/about":
		c.send(ctx, msg.Chat.ID, aboutText)
	case "/newbot":
		c.handleNewBot(ctx, msg)
	case "/mybots":
		c.handleMyBots(ctx, msg)
	}
}

func (c *Controller) handleNewBot(ctx context.Context, msg *telegram.Message) {
	n, err := c.store.CountCredentials(ctx, msg.From.ID)
	if err != nil {
		c.logger.Warn("controller_quota_check_error", "error", err.Error())
		c.send(ctx, msg.Chat.ID, replyUnexpected)
		return
	}
	if n >= c.maxBots {
		c.send(ctx, msg.Chat.ID, fmt.Sprintf("You have reached the maximum number of bots (%d).", c.maxBots))
		return
	}
	c.steps.Set(msg.From.ID, step{kind: stepAwaitToken})
	c.send(ctx, msg.Chat.ID, promptToken)
}

func (c *Controller) handleMyBots(ctx context.Context, msg *telegram.Message) {
	sessions, err := c.manager.Sessions(ctx, msg.From.ID)
	if err != nil {
		c.logger.Warn("controller_list_error", "error", err.Error())
		c.send(ctx, msg.Chat.ID, replyUnexpected)
		return
	}
	if len(sessions) == 0 {
		c.send(ctx, msg.Chat.ID, replyNoBots)
		return
	}
	c.sendList(ctx, msg.Chat.ID, sessions, 1)
}

func (c *Controller) sendList(ctx context.Context, chatID int64, sessions []relay.SessionInfo, page int) {
	opts := &telegram.SendOptions{ReplyMarkup: botListKeyboard(sessions, page)}
	if _, err := c.api.SendMessage(ctx, chatID, replySelectBot, opts); err != nil {
		c.logger.Warn("controller_send_error", "error", err.Error())
	}
}

// handleStep consumes the pending prompt with the user's freeform answer.
func (c *Controller) handleStep(ctx context.Context, msg *telegram.Message, s step, text string) {
	switch s.kind {
	case stepAwaitToken:
		c.registerToken(ctx, msg, text)
	case stepAwaitStartText:
		if err := c.manager.SetConfigField(ctx, msg.From.ID, s.token, store.FieldStartText, msg.Text); err != nil {
			c.send(ctx, msg.Chat.ID, fmt.Sprintf("Error: %v", err))
			return
		}
		c.send(ctx, msg.Chat.ID, replyStartSet)
	case stepAwaitFirstReply:
		if err := c.manager.SetConfigField(ctx, msg.From.ID, s.token, store.FieldFirstReplyText, msg.Text); err != nil {
			c.send(ctx, msg.Chat.ID, fmt.Sprintf("Error: %v", err))
			return
		}
		c.send(ctx, msg.Chat.ID, replyFirstReplySet)
	}
}

func (c *Controller) registerToken(ctx context.Context, msg *telegram.Message, text string) {
	username, err := c.manager.Create(ctx, msg.From.ID, strings.TrimSpace(text))
	switch {
	case err == nil:
		c.send(ctx, msg.Chat.ID, fmt.Sprintf("Bot @%s added!", username))
	case errors.Is(err, relay.ErrInvalidToken):
		c.send(ctx, msg.Chat.ID, replyInvalidToken)
	case errors.Is(err, relay.ErrAlreadyManaged):
		c.send(ctx, msg.Chat.ID, replyAlreadyManaged)
	case errors.Is(err, relay.ErrQuotaExceeded):
		c.send(ctx, msg.Chat.ID, fmt.Sprintf("You have reached the maximum number of bots (%d).", c.maxBots))
	case telegram.IsAPIError(err):
		c.send(ctx, msg.Chat.ID, fmt.Sprintf("Invalid token or API error: %v.", err))
	default:
		c.logger.Warn("controller_create_error", "error", err.Error())
		c.send(ctx, msg.Chat.ID, replyUnexpected)
	}
}

// handleCallback acts on the inline menus. The acting owner is always the
// callback sender; tokens in the payload are only ever acted on through
// ownership-checked manager calls.
func (c *Controller) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	if err := c.api.AnswerCallbackQuery(ctx, cb.ID, ""); err != nil {
		c.logger.Debug("controller_answer_callback_error", "error", err.Error())
	}
	if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	ownerID := cb.From.ID
	chatID := cb.Message.Chat.ID

	action, arg, _ := strings.Cut(cb.Data, ":")
	switch action {
	case "manage":
		opts := &telegram.SendOptions{ReplyMarkup: manageKeyboard(arg)}
		if _, err := c.api.SendMessage(ctx, chatID, replyChooseAction, opts); err != nil {
			c.logger.Warn("controller_send_error", "error", err.Error())
		}
	case "page":
		page, err := strconv.Atoi(arg)
		if err != nil {
			return
		}
		sessions, err := c.manager.Sessions(ctx, ownerID)
		if err != nil {
			c.logger.Warn("controller_list_error", "error", err.Error())
			c.send(ctx, chatID, replyUnexpected)
			return
		}
		c.sendList(ctx, chatID, sessions, page)
	case "delete":
		if err := c.manager.Destroy(ctx, ownerID, arg); err != nil {
			c.edit(ctx, chatID, cb.Message.MessageID, fmt.Sprintf("Error: %v", err))
			return
		}
		c.edit(ctx, chatID, cb.Message.MessageID, replyDeleted)
	case "set_start":
		c.steps.Set(ownerID, step{kind: stepAwaitStartText, token: arg})
		c.send(ctx, chatID, promptStartText)
	case "set_first_reply":
		c.steps.Set(ownerID, step{kind: stepAwaitFirstReply, token: arg})
		c.send(ctx, chatID, promptFirstReply)
	}
}

func (c *Controller) send(ctx context.Context, chatID int64, text string) {
	if _, err := c.api.SendMessage(ctx, chatID, text, nil); err != nil {
		c.logger.Warn("controller_send_error", "error", err.Error())
	}
}

func (c *Controller) edit(ctx context.Context, chatID, messageID int64, text string) {
	if err := c.api.EditMessageText(ctx, chatID, messageID, text, nil); err != nil {
		c.logger.Warn("controller_edit_error", "error", err.Error())
	}
}
