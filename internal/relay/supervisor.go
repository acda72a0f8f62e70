package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/UsSubDidIt/Whispry/internal/store"
)

// Bot tokens look like "<numeric id>:<opaque secret>".
var tokenPattern = regexp.MustCompile(`^[0-9]+:[a-zA-Z0-9_-]+$`)

// Validation failures surfaced to the requesting user. None of them leave
// side effects behind.
var (
	ErrInvalidToken   = errors.New("invalid token format")
	ErrAlreadyManaged = errors.New("bot is already managed")
	ErrQuotaExceeded  = errors.New("bot quota exceeded")
	ErrNotManaged     = errors.New("bot is not managed")
)

// CredentialStore is the durable registry of managed credentials.
type CredentialStore interface {
	CounterStore
	AllCredentials(ctx context.Context) ([]store.Credential, error)
	ListCredentials(ctx context.Context, ownerID int64) ([]store.Credential, error)
	InsertCredential(ctx context.Context, cred store.Credential) error
	UpdateCredentialField(ctx context.Context, ownerID int64, token, field, value string) error
	DeleteCredential(ctx context.Context, ownerID int64, token string) error
	CountCredentials(ctx context.Context, ownerID int64) (int, error)
}

// SupervisorOptions tune session creation.
type SupervisorOptions struct {
	MaxBotsPerOwner      int           // default 50
	PollTimeout          time.Duration // passed through to sessions
	RetryPause           time.Duration
	DeleteWebhookOnStart bool
}

// SupervisorDeps wires the supervisor to its collaborators. NewAPI builds a
// platform client for a credential; tests hand back fakes.
type SupervisorDeps struct {
	Store       CredentialStore
	Router      *Router
	NewAPI      func(token string) BotAPI
	NotifyOwner NotifyOwnerFunc
	Logger      *slog.Logger
}

// Supervisor owns every live worker session: creation (validation + start),
// teardown (synchronous stop + storage cascade), and the startup load.
type Supervisor struct {
	store  CredentialStore
	router *Router
	newAPI func(token string) BotAPI
	notify NotifyOwnerFunc
	logger *slog.Logger
	opts   SupervisorOptions

	mu       sync.Mutex
	sessions map[string]*Session
	// pending reserves a token during create/destroy so a concurrent call
	// on the same credential fails fast instead of racing.
	pending map[string]bool
}

func NewSupervisor(deps SupervisorDeps, opts SupervisorOptions) (*Supervisor, error) {
	if deps.Store == nil || deps.Router == nil || deps.NewAPI == nil {
		return nil, fmt.Errorf("relay: supervisor dependencies are incomplete")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.MaxBotsPerOwner <= 0 {
		opts.MaxBotsPerOwner = 50
	}
	return &Supervisor{
		store:    deps.Store,
		router:   deps.Router,
		newAPI:   deps.NewAPI,
		notify:   deps.NotifyOwner,
		logger:   deps.Logger,
		opts:     opts,
		sessions: make(map[string]*Session),
		pending:  make(map[string]bool),
	}, nil
}

func (s *Supervisor) newSession(cred store.Credential) (*Session, error) {
	return NewSession(SessionConfig{
		OwnerID:              cred.OwnerID,
		Token:                cred.Token,
		StartText:            cred.StartText,
		FirstReplyText:       cred.FirstReplyText,
		PollTimeout:          s.opts.PollTimeout,
		RetryPause:           s.opts.RetryPause,
		DeleteWebhookOnStart: s.opts.DeleteWebhookOnStart,
	}, SessionDeps{
		API:         s.newAPI(cred.Token),
		Router:      s.router,
		Counters:    s.store,
		NotifyOwner: s.notify,
		Logger:      s.logger,
	})
}

// StartAll loads every persisted credential and starts a session for each.
// A single failure is logged and skipped; it never takes the others down.
func (s *Supervisor) StartAll(ctx context.Context) error {
	creds, err := s.store.AllCredentials(ctx)
	if err != nil {
		return fmt.Errorf("relay: load credentials: %w", err)
	}
	started := 0
	for _, cred := range creds {
		sess, err := s.newSession(cred)
		if err == nil {
			err = sess.Start(ctx)
		}
		if err != nil {
			s.logger.Warn("supervisor_session_start_error",
				"owner_id", cred.OwnerID, "bot", tokenTail(cred.Token), "error", err.Error())
			continue
		}
		s.mu.Lock()
		s.sessions[cred.Token] = sess
		s.mu.Unlock()
		started++
	}
	s.logger.Info("supervisor_start_all", "loaded", len(creds), "started", started)
	return nil
}

// reserve marks a token as being worked on. Returns false when the token is
// already live or reserved.
func (s *Supervisor) reserve(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.sessions[token]; live {
		return false
	}
	if s.pending[token] {
		return false
	}
	s.pending[token] = true
	return true
}

func (s *Supervisor) release(token string) {
	s.mu.Lock()
	delete(s.pending, token)
	s.mu.Unlock()
}

// Create validates and registers a new credential for ownerID and starts
// its worker. The returned name is the bot's username as reported by the
// platform. Validation failures leave no side effects.
func (s *Supervisor) Create(ctx context.Context, ownerID int64, token string) (string, error) {
	if !tokenPattern.MatchString(token) {
		return "", ErrInvalidToken
	}
	if !s.reserve(token) {
		return "", ErrAlreadyManaged
	}
	defer s.release(token)

	n, err := s.store.CountCredentials(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if n >= s.opts.MaxBotsPerOwner {
		return "", ErrQuotaExceeded
	}

	cred := store.Credential{OwnerID: ownerID, Token: token}
	sess, err := s.newSession(cred)
	if err != nil {
		return "", err
	}
	// Start performs the live getMe check; nothing is persisted until the
	// credential has proven valid.
	if err := sess.Start(ctx); err != nil {
		return "", err
	}
	if err := s.store.InsertCredential(ctx, cred); err != nil {
		sess.Stop()
		return "", err
	}
	// Two creates racing at the quota edge can both pass the pre-check;
	// recounting after the insert catches the overshoot and rolls it back.
	n, err = s.store.CountCredentials(ctx, ownerID)
	if err == nil && n > s.opts.MaxBotsPerOwner {
		err = ErrQuotaExceeded
	}
	if err != nil {
		sess.Stop()
		if derr := s.store.DeleteCredential(ctx, ownerID, token); derr != nil {
			s.logger.Warn("supervisor_create_rollback_error",
				"owner_id", ownerID, "bot", tokenTail(token), "error", derr.Error())
		}
		return "", err
	}

	s.mu.Lock()
	s.sessions[token] = sess
	s.mu.Unlock()
	s.logger.Info("supervisor_session_created", "owner_id", ownerID, "bot", tokenTail(token))
	return sess.Username(), nil
}

// Destroy stops the worker (blocking until its loop has exited), removes it
// from the registry, and deletes the credential and counter rows. A
// credential whose worker never started still has its row removed; the
// storage delete is the authority, not the live registry. A storage failure
// is surfaced to the caller, not swallowed.
func (s *Supervisor) Destroy(ctx context.Context, ownerID int64, token string) error {
	s.mu.Lock()
	sess, live := s.sessions[token]
	if live && sess.OwnerID() != ownerID {
		s.mu.Unlock()
		return ErrNotManaged
	}
	if !live && s.pending[token] {
		s.mu.Unlock()
		return ErrNotManaged
	}
	delete(s.sessions, token)
	s.pending[token] = true
	s.mu.Unlock()
	defer s.release(token)

	if live {
		sess.Stop()
	}
	if err := s.store.DeleteCredential(ctx, ownerID, token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotManaged
		}
		return err
	}
	s.logger.Info("supervisor_session_destroyed", "owner_id", ownerID, "bot", tokenTail(token))
	return nil
}

// SetConfigField updates one of the mutable credential texts: storage
// first, then the live session's cache, and only a successful storage write
// is acknowledged.
func (s *Supervisor) SetConfigField(ctx context.Context, ownerID int64, token, field, value string) error {
	if err := s.store.UpdateCredentialField(ctx, ownerID, token, field, value); err != nil {
		return err
	}
	s.mu.Lock()
	sess, ok := s.sessions[token]
	s.mu.Unlock()
	if ok && sess.OwnerID() == ownerID {
		switch field {
		case store.FieldStartText:
			sess.SetStartText(value)
		case store.FieldFirstReplyText:
			sess.SetFirstReplyText(value)
		}
	}
	return nil
}

// Username returns the cached display name for a managed bot, empty when
// the token is not live.
func (s *Supervisor) Username(token string) string {
	s.mu.Lock()
	sess, ok := s.sessions[token]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	return sess.Username()
}

// SessionInfo is a point-in-time view of one managed credential. Username
// is empty when the credential has no running worker.
type SessionInfo struct {
	Token    string
	Username string
}

// Sessions lists the owner's credentials from storage, decorated with the
// cached username where a worker is live. Storage order is stable across
// pagination renders and includes credentials whose worker failed to start.
func (s *Supervisor) Sessions(ctx context.Context, ownerID int64) ([]SessionInfo, error) {
	creds, err := s.store.ListCredentials(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(creds))
	for _, cred := range creds {
		info := SessionInfo{Token: cred.Token}
		if sess, ok := s.sessions[cred.Token]; ok {
			info.Username = sess.Username()
		}
		out = append(out, info)
	}
	return out, nil
}

// SessionCount reports the number of live sessions, across all owners.
func (s *Supervisor) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops every live session concurrently and waits for all of them.
func (s *Supervisor) Close() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for token, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, token)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			sess.Stop()
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Info("supervisor_closed", "stopped", len(sessions))
}
