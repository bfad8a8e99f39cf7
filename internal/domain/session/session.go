package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yanqian/cropsense/internal/domain/assistant"
	"github.com/yanqian/cropsense/internal/domain/crop"
	apperrors "github.com/yanqian/cropsense/pkg/errors"
)

// Screen is the user visible step of a session.
type Screen string

const (
	ScreenHome               Screen = "home"
	ScreenSelector           Screen = "selector"
	ScreenLocationPermission Screen = "location_permission"
	ScreenDataEntry          Screen = "data_entry"
	ScreenResult             Screen = "result"
)

// State is the tagged union of session states. Mode is set for every
// screen past the selector.
type State struct {
	Screen Screen    `json:"screen"`
	Mode   crop.Mode `json:"mode,omitempty"`
}

func (s State) String() string {
	if s.Mode == "" {
		return string(s.Screen)
	}
	return fmt.Sprintf("%s(%s)", s.Screen, s.Mode)
}

// Busy marks the network actions currently outstanding. Each flag carries the
// time it was raised so a flag whose completion was never saved can expire.
type Busy struct {
	Locating        bool      `json:"locating"`
	Submitting      bool      `json:"submitting"`
	Chatting        bool      `json:"chatting"`
	LocatingSince   time.Time `json:"locatingSince,omitzero"`
	SubmittingSince time.Time `json:"submittingSince,omitzero"`
	ChattingSince   time.Time `json:"chattingSince,omitzero"`
}

func (b *Busy) setLocating(on bool, now time.Time) {
	b.Locating, b.LocatingSince = on, sinceIf(on, now)
}

func (b *Busy) setSubmitting(on bool, now time.Time) {
	b.Submitting, b.SubmittingSince = on, sinceIf(on, now)
}

func (b *Busy) setChatting(on bool, now time.Time) {
	b.Chatting, b.ChattingSince = on, sinceIf(on, now)
}

// releaseStale drops flags raised more than maxAge before now and returns
// the names of the released actions.
func (b *Busy) releaseStale(now time.Time, maxAge time.Duration) []string {
	var released []string
	stale := func(on bool, since time.Time) bool {
		return on && !since.IsZero() && now.Sub(since) > maxAge
	}
	if stale(b.Locating, b.LocatingSince) {
		b.setLocating(false, now)
		released = append(released, "locate")
	}
	if stale(b.Submitting, b.SubmittingSince) {
		b.setSubmitting(false, now)
		released = append(released, "submit")
	}
	if stale(b.Chatting, b.ChattingSince) {
		b.setChatting(false, now)
		released = append(released, "chat")
	}
	return released
}

func sinceIf(on bool, now time.Time) time.Time {
	if !on {
		return time.Time{}
	}
	return now
}

// Session is the whole ephemeral state of one client tab.
type Session struct {
	ID          uuid.UUID                  `json:"id"`
	Revision    int64                      `json:"revision"`
	APIBase     string                     `json:"apiBase"`
	State       State                      `json:"state"`
	Generation  int64                      `json:"generation"`
	Location    *crop.LocationInfo         `json:"location,omitempty"`
	Form        *crop.Form                 `json:"form,omitempty"`
	FieldErrors crop.FieldErrors           `json:"fieldErrors,omitempty"`
	Error       string                     `json:"error,omitempty"`
	Result      *crop.RecommendationResult `json:"result,omitempty"`
	Busy        Busy                       `json:"busy"`
	Chat        assistant.Log              `json:"chat"`
	CreatedAt   time.Time                  `json:"createdAt"`
	UpdatedAt   time.Time                  `json:"updatedAt"`
}

// New returns a session on the home screen.
func New(id uuid.UUID, apiBase string, now time.Time) Session {
	return Session{
		ID:        id,
		APIBase:   apiBase,
		State:     State{Screen: ScreenHome},
		Chat:      assistant.NewLog(now.UnixMilli()),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CanTryAgain reports whether the result screen offers "try again".
func (s *Session) CanTryAgain() bool {
	return s.State.Screen == ScreenResult && s.State.Mode == crop.ModeManual
}

func (s *Session) expect(screen Screen, action string) error {
	if s.State.Screen != screen {
		return invalidTransition(action, s.State)
	}
	return nil
}

// Begin moves from home to the mode selector.
func (s *Session) Begin() error {
	if err := s.expect(ScreenHome, "begin"); err != nil {
		return err
	}
	s.State = State{Screen: ScreenSelector}
	return nil
}

// SelectMode enters a flow from the selector.
func (s *Session) SelectMode(mode crop.Mode) error {
	if !mode.Valid() {
		return apperrors.Wrap(apperrors.CodeInvalidInput, fmt.Sprintf("unknown mode %q", mode), nil)
	}
	if err := s.expect(ScreenSelector, "select mode"); err != nil {
		return err
	}
	s.Generation++
	if mode == crop.ModeLive {
		s.State = State{Screen: ScreenLocationPermission, Mode: crop.ModeLive}
		return nil
	}
	s.enterDataEntry(crop.ModeManual)
	return nil
}

func (s *Session) beginLocate(now time.Time) (int64, error) {
	if err := s.expect(ScreenLocationPermission, "choose location"); err != nil {
		return 0, err
	}
	if s.Busy.Locating {
		return 0, inFlight("location detection")
	}
	s.Busy.setLocating(true, now)
	return s.Generation, nil
}

// completeLocate applies a location outcome; stale generations are ignored.
func (s *Session) completeLocate(generation int64, loc crop.LocationInfo) bool {
	if generation != s.Generation {
		return false
	}
	s.Busy.setLocating(false, time.Time{})
	if s.State.Screen != ScreenLocationPermission {
		return false
	}
	s.Location = &loc
	s.enterDataEntry(crop.ModeLive)
	return true
}

// SetFields stores raw values on the data entry form.
func (s *Session) SetFields(values map[string]string) error {
	if err := s.expect(ScreenDataEntry, "edit fields"); err != nil {
		return err
	}
	for name, raw := range values {
		if err := s.Form.Set(name, raw); err != nil {
			return err
		}
	}
	return nil
}

type submission struct {
	request    crop.RecommendationRequest
	generation int64
	valid      bool
}

func (s *Session) beginSubmit(now time.Time) (submission, error) {
	if err := s.expect(ScreenDataEntry, "submit"); err != nil {
		return submission{}, err
	}
	if s.Busy.Submitting {
		return submission{}, inFlight("recommendation")
	}
	s.Error = ""
	s.FieldErrors = nil
	req, errs := s.Form.Validate()
	if len(errs) > 0 {
		s.FieldErrors = errs
		return submission{}, nil
	}
	s.Busy.setSubmitting(true, now)
	return submission{request: req, generation: s.Generation, valid: true}, nil
}

// completeSubmit keeps the form on failure and moves to the result on success.
func (s *Session) completeSubmit(generation int64, result crop.RecommendationResult, err error) bool {
	if generation != s.Generation {
		return false
	}
	s.Busy.setSubmitting(false, time.Time{})
	if s.State.Screen != ScreenDataEntry {
		return false
	}
	if err != nil {
		s.Error = apperrors.MessageOf(err)
		return true
	}
	s.Result = &result
	s.State = State{Screen: ScreenResult, Mode: s.State.Mode}
	return true
}

// TryAgain returns a manual result to an empty form.
func (s *Session) TryAgain() error {
	if !s.CanTryAgain() {
		return invalidTransition("try again", s.State)
	}
	s.Generation++
	s.enterDataEntry(crop.ModeManual)
	return nil
}

// Back returns to the selector, or home from the selector, discarding flow data.
func (s *Session) Back() error {
	switch s.State.Screen {
	case ScreenHome:
		return invalidTransition("back", s.State)
	case ScreenSelector:
		s.State = State{Screen: ScreenHome}
	default:
		s.State = State{Screen: ScreenSelector}
	}
	s.Generation++
	s.clearFlow()
	return nil
}

func (s *Session) beginChat(text string, now time.Time) (assistant.Message, error) {
	if strings.TrimSpace(text) == "" {
		return assistant.Message{}, apperrors.Wrap(apperrors.CodeInvalidInput, "message cannot be empty", nil)
	}
	if s.Busy.Chatting {
		return assistant.Message{}, inFlight("chat")
	}
	s.Busy.setChatting(true, now)
	return s.Chat.Append(text, assistant.SenderUser, now.UnixMilli()), nil
}

func (s *Session) completeChat(reply string, now time.Time) assistant.Message {
	s.Busy.setChatting(false, now)
	return s.Chat.Append(reply, assistant.SenderBot, now.UnixMilli())
}

func (s *Session) enterDataEntry(mode crop.Mode) {
	form := crop.NewForm(mode)
	s.Form = &form
	s.Result = nil
	s.Error = ""
	s.FieldErrors = nil
	s.State = State{Screen: ScreenDataEntry, Mode: mode}
}

func (s *Session) clearFlow() {
	s.Location = nil
	s.Form = nil
	s.Result = nil
	s.Error = ""
	s.FieldErrors = nil
	s.Busy.setLocating(false, time.Time{})
	s.Busy.setSubmitting(false, time.Time{})
}

func invalidTransition(action string, from State) error {
	return apperrors.Wrap(apperrors.CodeInvalidTransition, fmt.Sprintf("cannot %s from %s", action, from), nil)
}

func inFlight(action string) error {
	return apperrors.Wrap(apperrors.CodeInFlight, action+" request already in progress", nil)
}
