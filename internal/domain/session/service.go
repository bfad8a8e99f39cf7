package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yanqian/cropsense/internal/domain/assistant"
	"github.com/yanqian/cropsense/internal/domain/crop"
	"github.com/yanqian/cropsense/internal/domain/endpoint"
	apperrors "github.com/yanqian/cropsense/pkg/errors"
	"github.com/yanqian/cropsense/pkg/util"
)

// ErrConflict is returned by Store.Save when another writer saved the
// session after it was loaded.
var ErrConflict = errors.New("session: concurrent update")

// Store keeps sessions for at most ttl since their last save.
//
// Save is a compare-and-set on Revision: it writes sess only when the stored
// revision equals sess.Revision (an absent session counts as revision zero)
// and stores it as sess.Revision+1. Otherwise it returns ErrConflict.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (Session, bool, error)
	Save(ctx context.Context, sess Session, ttl time.Duration) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Resolver derives the recommendation service base for a page.
type Resolver interface {
	Resolve(page endpoint.Page) string
}

// LocationAcquirer resolves the location of a live session.
type LocationAcquirer interface {
	Acquire(ctx context.Context, baseURL string, wantAutoDetect bool) crop.LocationInfo
}

// Submitter performs one recommendation round trip.
type Submitter interface {
	Submit(ctx context.Context, baseURL string, req crop.RecommendationRequest) (crop.RecommendationResult, error)
}

// Assistant answers free-form questions.
type Assistant interface {
	Answer(ctx context.Context, baseURL, query string) string
}

// Config tunes session lifetime and outbound calls.
type Config struct {
	TTL         time.Duration
	CallTimeout time.Duration
}

const (
	// saveAttempts bounds how often update reloads after a conflicting write.
	saveAttempts = 5
	// staleGrace is added to the call timeout before a busy flag expires.
	staleGrace = 5 * time.Second
)

// ChatExchange is the outcome of one chat send.
type ChatExchange struct {
	User    assistant.Message `json:"user"`
	Reply   assistant.Message `json:"reply"`
	Session Session           `json:"session"`
}

// Service sequences user actions through the session state machine.
type Service interface {
	Start(ctx context.Context, page endpoint.Page) (Session, error)
	Get(ctx context.Context, id uuid.UUID) (Session, error)
	Discard(ctx context.Context, id uuid.UUID) error
	Begin(ctx context.Context, id uuid.UUID) (Session, error)
	SelectMode(ctx context.Context, id uuid.UUID, mode crop.Mode) (Session, error)
	ChooseLocation(ctx context.Context, id uuid.UUID, autoDetect bool) (Session, error)
	SetFields(ctx context.Context, id uuid.UUID, values map[string]string) (Session, error)
	Submit(ctx context.Context, id uuid.UUID) (Session, error)
	TryAgain(ctx context.Context, id uuid.UUID) (Session, error)
	Back(ctx context.Context, id uuid.UUID) (Session, error)
	SendChat(ctx context.Context, id uuid.UUID, text string) (ChatExchange, error)
	ToggleChat(ctx context.Context, id uuid.UUID) (Session, error)
}

type service struct {
	cfg       Config
	store     Store
	resolver  Resolver
	locator   LocationAcquirer
	submitter Submitter
	assistant Assistant
	logger    *slog.Logger
	now       func() time.Time
	newID     func() uuid.UUID
	locks     [64]sync.Mutex
}

// NewService wires the session controller.
func NewService(cfg Config, store Store, resolver Resolver, locator LocationAcquirer, submitter Submitter, chat Assistant, logger *slog.Logger) Service {
	return &service{
		cfg:       cfg,
		store:     store,
		resolver:  resolver,
		locator:   locator,
		submitter: submitter,
		assistant: chat,
		logger:    logger.With("component", "session.service"),
		now:       util.NowUTC,
		newID:     uuid.New,
	}
}

func (s *service) Start(ctx context.Context, page endpoint.Page) (Session, error) {
	sess := New(s.newID(), s.resolver.Resolve(page), s.now())
	if err := s.save(ctx, &sess); err != nil {
		return Session{}, apperrors.Wrap(apperrors.CodeStoreError, "failed to save session", err)
	}
	s.logger.Info("session started", "session_id", sess.ID, "api_base", sess.APIBase)
	return sess, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	return s.load(ctx, id)
}

func (s *service) Discard(ctx context.Context, id uuid.UUID) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	if err := s.store.Delete(ctx, id); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreError, "failed to delete session", err)
	}
	s.logger.Info("session discarded", "session_id", id)
	return nil
}

func (s *service) Begin(ctx context.Context, id uuid.UUID) (Session, error) {
	return s.update(ctx, id, func(sess *Session) error { return sess.Begin() })
}

func (s *service) SelectMode(ctx context.Context, id uuid.UUID, mode crop.Mode) (Session, error) {
	return s.update(ctx, id, func(sess *Session) error { return sess.SelectMode(mode) })
}

func (s *service) ChooseLocation(ctx context.Context, id uuid.UUID, autoDetect bool) (Session, error) {
	if !autoDetect {
		return s.update(ctx, id, func(sess *Session) error {
			generation, err := sess.beginLocate(s.now())
			if err != nil {
				return err
			}
			sess.completeLocate(generation, s.locator.Acquire(ctx, sess.APIBase, false))
			return nil
		})
	}

	var generation int64
	sess, err := s.update(ctx, id, func(sess *Session) error {
		var err error
		generation, err = sess.beginLocate(s.now())
		return err
	})
	if err != nil {
		return sess, err
	}

	bg := context.WithoutCancel(ctx)
	callCtx, cancel := s.callContext(bg)
	loc := s.locator.Acquire(callCtx, sess.APIBase, true)
	cancel()

	sess, err = s.update(bg, id, func(sess *Session) error {
		if !sess.completeLocate(generation, loc) {
			s.logger.Info("discarding stale location outcome", "session_id", id)
		}
		return nil
	})
	if err != nil {
		s.release(bg, id, "locate", func(sess *Session) {
			if sess.Generation == generation {
				sess.Busy.setLocating(false, time.Time{})
			}
		})
	}
	return sess, err
}

func (s *service) SetFields(ctx context.Context, id uuid.UUID, values map[string]string) (Session, error) {
	return s.update(ctx, id, func(sess *Session) error { return sess.SetFields(values) })
}

func (s *service) Submit(ctx context.Context, id uuid.UUID) (Session, error) {
	var sub submission
	sess, err := s.update(ctx, id, func(sess *Session) error {
		var err error
		sub, err = sess.beginSubmit(s.now())
		return err
	})
	if err != nil || !sub.valid {
		return sess, err
	}

	bg := context.WithoutCancel(ctx)
	callCtx, cancel := s.callContext(bg)
	result, callErr := s.submitter.Submit(callCtx, sess.APIBase, sub.request)
	cancel()

	sess, err = s.update(bg, id, func(sess *Session) error {
		if !sess.completeSubmit(sub.generation, result, callErr) {
			s.logger.Info("discarding stale recommendation outcome", "session_id", id)
		}
		return nil
	})
	if err != nil {
		s.release(bg, id, "submit", func(sess *Session) {
			if sess.Generation == sub.generation {
				sess.Busy.setSubmitting(false, time.Time{})
			}
		})
	}
	return sess, err
}

func (s *service) TryAgain(ctx context.Context, id uuid.UUID) (Session, error) {
	return s.update(ctx, id, func(sess *Session) error { return sess.TryAgain() })
}

func (s *service) Back(ctx context.Context, id uuid.UUID) (Session, error) {
	return s.update(ctx, id, func(sess *Session) error { return sess.Back() })
}

// SendChat saves the user message before the call starts so it is visible
// ahead of the reply.
func (s *service) SendChat(ctx context.Context, id uuid.UUID, text string) (ChatExchange, error) {
	var userMsg assistant.Message
	sess, err := s.update(ctx, id, func(sess *Session) error {
		var err error
		userMsg, err = sess.beginChat(text, s.now())
		return err
	})
	if err != nil {
		return ChatExchange{}, err
	}

	bg := context.WithoutCancel(ctx)
	callCtx, cancel := s.callContext(bg)
	answer := s.assistant.Answer(callCtx, sess.APIBase, text)
	cancel()

	var reply assistant.Message
	sess, err = s.update(bg, id, func(sess *Session) error {
		reply = sess.completeChat(answer, s.now())
		return nil
	})
	if err != nil {
		s.release(bg, id, "chat", func(sess *Session) { sess.Busy.setChatting(false, time.Time{}) })
		return ChatExchange{}, err
	}
	return ChatExchange{User: userMsg, Reply: reply, Session: sess}, nil
}

func (s *service) ToggleChat(ctx context.Context, id uuid.UUID) (Session, error) {
	return s.update(ctx, id, func(sess *Session) error {
		sess.Chat.Toggle()
		return nil
	})
}

func (s *service) load(ctx context.Context, id uuid.UUID) (Session, error) {
	sess, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return Session{}, apperrors.Wrap(apperrors.CodeStoreError, "failed to load session", err)
	}
	if !ok {
		return Session{}, apperrors.Wrap(apperrors.CodeNotFound, "session not found", nil)
	}
	return sess, nil
}

// update applies fn under the session lock and saves the result. Nothing is
// saved when fn fails. The process lock only orders local callers, so a save
// that loses to another replica reloads and applies fn again.
func (s *service) update(ctx context.Context, id uuid.UUID, fn func(*Session) error) (Session, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 1; ; attempt++ {
		sess, err := s.load(ctx, id)
		if err != nil {
			return Session{}, err
		}
		s.expireBusy(&sess)
		before := sess.State
		if err := fn(&sess); err != nil {
			return Session{}, err
		}
		sess.UpdatedAt = s.now()
		err = s.save(ctx, &sess)
		if errors.Is(err, ErrConflict) && attempt < saveAttempts {
			s.logger.Debug("session changed concurrently, retrying", "session_id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return Session{}, apperrors.Wrap(apperrors.CodeStoreError, "failed to save session", err)
		}
		if before != sess.State {
			s.logger.Info("session transition", "session_id", id, "from", before.String(), "to", sess.State.String())
		}
		return sess, nil
	}
}

// save writes sess and advances its revision to match the stored copy.
func (s *service) save(ctx context.Context, sess *Session) error {
	if err := s.store.Save(ctx, *sess, s.cfg.TTL); err != nil {
		return err
	}
	sess.Revision++
	return nil
}

// release clears a busy flag after its completion could not be saved.
func (s *service) release(ctx context.Context, id uuid.UUID, action string, reset func(*Session)) {
	_, err := s.update(ctx, id, func(sess *Session) error {
		reset(sess)
		return nil
	})
	if err != nil && !apperrors.IsCode(err, apperrors.CodeNotFound) {
		s.logger.Warn("failed to release busy flag", "session_id", id, "action", action, "error", err)
	}
}

func (s *service) expireBusy(sess *Session) {
	if s.cfg.CallTimeout <= 0 {
		return
	}
	for _, action := range sess.Busy.releaseStale(s.now(), s.cfg.CallTimeout+staleGrace) {
		s.logger.Warn("expired busy flag", "session_id", sess.ID, "action", action)
	}
}

func (s *service) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}

func (s *service) lockFor(id uuid.UUID) *sync.Mutex {
	return &s.locks[int(id[len(id)-1])%len(s.locks)]
}
