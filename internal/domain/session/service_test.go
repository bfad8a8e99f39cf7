package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yanqian/cropsense/internal/domain/assistant"
	"github.com/yanqian/cropsense/internal/domain/crop"
	"github.com/yanqian/cropsense/internal/domain/endpoint"
	"github.com/yanqian/cropsense/internal/domain/location"
	apperrors "github.com/yanqian/cropsense/pkg/errors"
)

func TestServiceStartResolvesEndpoint(t *testing.T) {
	h := newHarness()
	sess, err := h.svc.Start(context.Background(), endpoint.Page{Protocol: "https", Hostname: "farm.example.com"})
	require.NoError(t, err)
	require.Equal(t, "https://farm.example.com/api", sess.APIBase)
	require.Equal(t, ScreenHome, sess.State.Screen)

	loaded, err := h.svc.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, loaded.ID)
}

func TestServiceGetUnknownSession(t *testing.T) {
	h := newHarness()
	_, err := h.svc.Get(context.Background(), uuid.New())
	require.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestServiceManualFlowSuccess(t *testing.T) {
	h := newHarness()
	h.submitter.fn = func(_ context.Context, base string, req crop.RecommendationRequest) (crop.RecommendationResult, error) {
		require.Equal(t, "http://localhost:5001/api", base)
		require.Equal(t, crop.ModeManual, req.Mode)
		require.Equal(t, 82.0, req.Weather.Humidity)
		return crop.RecommendationResult{RecommendedCrop: "rice", InputData: req.Soil, Mode: "manual"}, nil
	}
	id := h.manualDataEntry(t)

	sess, err := h.svc.Submit(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, State{Screen: ScreenResult, Mode: crop.ModeManual}, sess.State)
	require.Equal(t, "rice", sess.Result.RecommendedCrop)
	require.False(t, sess.Busy.Submitting)
	require.Equal(t, 1, h.submitter.callCount())
}

func TestServiceSubmitFailureKeepsForm(t *testing.T) {
	h := newHarness()
	h.submitter.fn = func(context.Context, string, crop.RecommendationRequest) (crop.RecommendationResult, error) {
		return crop.RecommendationResult{}, apperrors.Wrap(apperrors.CodeServiceError, "Failed to get recommendation", errors.New("status=500"))
	}
	id := h.manualDataEntry(t)
	before, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)

	sess, err := h.svc.Submit(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, ScreenDataEntry, sess.State.Screen)
	require.NotEmpty(t, sess.Error)
	require.Equal(t, before.Form.Values, sess.Form.Values)
	require.False(t, sess.Busy.Submitting)
}

func TestServiceSubmitValidationSkipsNetwork(t *testing.T) {
	h := newHarness()
	id := h.manualDataEntry(t)
	_, err := h.svc.SetFields(context.Background(), id, map[string]string{crop.FieldPH: "15"})
	require.NoError(t, err)

	sess, err := h.svc.Submit(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, sess.FieldErrors, 1)
	require.Equal(t, crop.FieldPH, sess.FieldErrors[0].Field)
	require.Equal(t, ScreenDataEntry, sess.State.Screen)
	require.Zero(t, h.submitter.callCount())
}

func TestServiceLiveDefaultLocationSkipsNetwork(t *testing.T) {
	h := newHarness()
	id := h.selector(t)
	_, err := h.svc.SelectMode(context.Background(), id, crop.ModeLive)
	require.NoError(t, err)

	sess, err := h.svc.ChooseLocation(context.Background(), id, false)
	require.NoError(t, err)
	require.Equal(t, State{Screen: ScreenDataEntry, Mode: crop.ModeLive}, sess.State)
	require.Equal(t, crop.FallbackLocation, *sess.Location)
	require.Zero(t, h.locations.calls)
}

func TestServiceLiveDetectionFailureIsSilent(t *testing.T) {
	h := newHarness()
	h.locations.err = errors.New("connection refused")
	id := h.selector(t)
	_, err := h.svc.SelectMode(context.Background(), id, crop.ModeLive)
	require.NoError(t, err)

	sess, err := h.svc.ChooseLocation(context.Background(), id, true)
	require.NoError(t, err)
	require.Equal(t, State{Screen: ScreenDataEntry, Mode: crop.ModeLive}, sess.State)
	require.Equal(t, crop.FallbackLocation, *sess.Location)
	require.Empty(t, sess.Error)
	require.False(t, sess.Busy.Locating)
	require.Equal(t, 1, h.locations.calls)
}

func TestServiceLiveDetectionSuccess(t *testing.T) {
	h := newHarness()
	h.locations.lookup = location.Lookup{Success: true, Location: crop.LocationInfo{City: "Hisar", Country: "India", Latitude: 29.15, Longitude: 75.72}}
	id := h.selector(t)
	_, err := h.svc.SelectMode(context.Background(), id, crop.ModeLive)
	require.NoError(t, err)

	sess, err := h.svc.ChooseLocation(context.Background(), id, true)
	require.NoError(t, err)
	require.Equal(t, "Hisar", sess.Location.City)
}

func TestServiceRejectsDuplicateSubmitInFlight(t *testing.T) {
	h := newHarness()
	release := make(chan struct{})
	entered := make(chan struct{})
	h.submitter.fn = func(context.Context, string, crop.RecommendationRequest) (crop.RecommendationResult, error) {
		close(entered)
		<-release
		return crop.RecommendationResult{RecommendedCrop: "rice"}, nil
	}
	id := h.manualDataEntry(t)

	done := make(chan submitOutcome, 1)
	go func() {
		sess, err := h.svc.Submit(context.Background(), id)
		done <- submitOutcome{sess: sess, err: err}
	}()
	<-entered

	pending, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, pending.Busy.Submitting)

	_, err = h.svc.Submit(context.Background(), id)
	require.True(t, apperrors.IsCode(err, apperrors.CodeInFlight))

	close(release)
	outcome := <-done
	require.NoError(t, outcome.err)
	sess := outcome.sess
	require.Equal(t, ScreenResult, sess.State.Screen)
	require.Equal(t, 1, h.submitter.callCount())
}

func TestServiceDropsResultAfterBack(t *testing.T) {
	h := newHarness()
	release := make(chan struct{})
	entered := make(chan struct{})
	h.submitter.fn = func(context.Context, string, crop.RecommendationRequest) (crop.RecommendationResult, error) {
		close(entered)
		<-release
		return crop.RecommendationResult{RecommendedCrop: "rice"}, nil
	}
	id := h.manualDataEntry(t)

	done := make(chan submitOutcome, 1)
	go func() {
		sess, err := h.svc.Submit(context.Background(), id)
		done <- submitOutcome{sess: sess, err: err}
	}()
	<-entered

	_, err := h.svc.Back(context.Background(), id)
	require.NoError(t, err)
	close(release)

	outcome := <-done
	require.NoError(t, outcome.err)
	sess := outcome.sess
	require.Equal(t, State{Screen: ScreenSelector}, sess.State)
	require.Nil(t, sess.Result)
	require.Nil(t, sess.Form)
}

func TestServiceTryAgainResetsManualForm(t *testing.T) {
	h := newHarness()
	h.submitter.fn = func(context.Context, string, crop.RecommendationRequest) (crop.RecommendationResult, error) {
		return crop.RecommendationResult{RecommendedCrop: "rice"}, nil
	}
	id := h.manualDataEntry(t)
	_, err := h.svc.Submit(context.Background(), id)
	require.NoError(t, err)

	sess, err := h.svc.TryAgain(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, State{Screen: ScreenDataEntry, Mode: crop.ModeManual}, sess.State)
	require.Empty(t, sess.Form.Values[crop.FieldN])
}

func TestServiceInvalidTransitionIsNotSaved(t *testing.T) {
	h := newHarness()
	sess, err := h.svc.Start(context.Background(), endpoint.Page{Hostname: "localhost"})
	require.NoError(t, err)

	_, err = h.svc.Submit(context.Background(), sess.ID)
	require.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))

	loaded, err := h.svc.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, ScreenHome, loaded.State.Screen)
}

func TestServiceSendChatOrdersMessages(t *testing.T) {
	h := newHarness()
	sess, err := h.svc.Start(context.Background(), endpoint.Page{Hostname: "localhost"})
	require.NoError(t, err)

	h.chat.reply = assistant.Reply{Success: true, Response: "Try wheat in rabi season."}
	h.chat.onCall = func() {
		visible, err := h.svc.Get(context.Background(), sess.ID)
		require.NoError(t, err)
		last := visible.Chat.Messages[len(visible.Chat.Messages)-1]
		require.Equal(t, "hello", last.Text)
		require.Equal(t, assistant.SenderUser, last.Sender)
		require.True(t, visible.Busy.Chatting)
	}

	exchange, err := h.svc.SendChat(context.Background(), sess.ID, "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", exchange.User.Text)
	require.Equal(t, "Try wheat in rabi season.", exchange.Reply.Text)
	require.Greater(t, exchange.Reply.ID, exchange.User.ID)

	msgs := exchange.Session.Chat.Messages
	require.Len(t, msgs, 3)
	require.Equal(t, assistant.SenderBot, msgs[0].Sender)
	require.Equal(t, exchange.User, msgs[1])
	require.Equal(t, exchange.Reply, msgs[2])
	require.False(t, exchange.Session.Busy.Chatting)
}

func TestServiceSendChatFallbackAndBlank(t *testing.T) {
	h := newHarness()
	sess, err := h.svc.Start(context.Background(), endpoint.Page{Hostname: "localhost"})
	require.NoError(t, err)

	_, err = h.svc.SendChat(context.Background(), sess.ID, "   ")
	require.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInput))

	h.chat.err = errors.New("connection refused")
	exchange, err := h.svc.SendChat(context.Background(), sess.ID, "hello")
	require.NoError(t, err)
	require.Equal(t, assistant.ReplyUnreachable, exchange.Reply.Text)
}

func TestServiceToggleChatKeepsHistory(t *testing.T) {
	h := newHarness()
	sess, err := h.svc.Start(context.Background(), endpoint.Page{Hostname: "localhost"})
	require.NoError(t, err)

	toggled, err := h.svc.ToggleChat(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, toggled.Chat.Open)
	require.Equal(t, sess.Chat.Messages, toggled.Chat.Messages)
}

func TestServiceDiscard(t *testing.T) {
	h := newHarness()
	sess, err := h.svc.Start(context.Background(), endpoint.Page{Hostname: "localhost"})
	require.NoError(t, err)

	require.NoError(t, h.svc.Discard(context.Background(), sess.ID))
	_, err = h.svc.Get(context.Background(), sess.ID)
	require.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestServiceChatRecoversAfterCompletionSaveFails(t *testing.T) {
	h := newHarness()
	h.chat.reply = assistant.Reply{Success: true, Response: "Use compost."}
	id := h.selector(t)
	h.chat.onCall = func() { h.store.failNextSaves(1, errors.New("transient store error")) }

	_, err := h.svc.SendChat(context.Background(), id, "hello")
	require.True(t, apperrors.IsCode(err, apperrors.CodeStoreError))

	sess, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.False(t, sess.Busy.Chatting)
	require.Equal(t, "hello", sess.Chat.Messages[len(sess.Chat.Messages)-1].Text)

	h.chat.onCall = nil
	exchange, err := h.svc.SendChat(context.Background(), id, "again")
	require.NoError(t, err)
	require.Equal(t, "Use compost.", exchange.Reply.Text)
}

func TestServiceExpiresStuckBusyFlag(t *testing.T) {
	h := newHarness()
	id := h.selector(t)
	current := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	h.impl.now = func() time.Time { return current }
	h.chat.onCall = func() { h.store.failNextSaves(2, errors.New("store down")) }

	_, err := h.svc.SendChat(context.Background(), id, "hello")
	require.Error(t, err)
	h.chat.onCall = nil

	_, err = h.svc.SendChat(context.Background(), id, "too soon")
	require.True(t, apperrors.IsCode(err, apperrors.CodeInFlight))

	current = current.Add(time.Second + staleGrace + time.Millisecond)
	_, err = h.svc.SendChat(context.Background(), id, "later")
	require.NoError(t, err)
}

func TestServiceSubmitReleasesFlagWhenCompletionFails(t *testing.T) {
	h := newHarness()
	id := h.manualDataEntry(t)
	h.submitter.fn = func(context.Context, string, crop.RecommendationRequest) (crop.RecommendationResult, error) {
		h.store.failNextSaves(1, errors.New("transient store error"))
		return crop.RecommendationResult{RecommendedCrop: "rice"}, nil
	}

	_, err := h.svc.Submit(context.Background(), id)
	require.True(t, apperrors.IsCode(err, apperrors.CodeStoreError))

	sess, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.False(t, sess.Busy.Submitting)
	require.Equal(t, ScreenDataEntry, sess.State.Screen)

	h.submitter.fn = nil
	sess, err = h.svc.Submit(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, ScreenResult, sess.State.Screen)
}

func TestServiceReappliesUpdateAfterConcurrentWrite(t *testing.T) {
	h := newHarness()
	other := h.replica(&stubChatClient{reply: assistant.Reply{Success: true, Response: "Try millet."}})
	id := h.manualDataEntry(t)

	var (
		otherExchange ChatExchange
		otherErr      error
	)
	h.submitter.fn = func(context.Context, string, crop.RecommendationRequest) (crop.RecommendationResult, error) {
		h.store.onNextSave(func() {
			otherExchange, otherErr = other.SendChat(context.Background(), id, "what about millet?")
		})
		return crop.RecommendationResult{RecommendedCrop: "rice"}, nil
	}

	sess, err := h.svc.Submit(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, otherErr)
	require.Equal(t, "rice", sess.Result.RecommendedCrop)

	texts := make([]string, 0, len(sess.Chat.Messages))
	for _, msg := range sess.Chat.Messages {
		texts = append(texts, msg.Text)
	}
	require.Contains(t, texts, otherExchange.User.Text)
	require.Contains(t, texts, "Try millet.")

	stored, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, sess.Revision, stored.Revision)
	require.Len(t, stored.Chat.Messages, 3)
}

type submitOutcome struct {
	sess Session
	err  error
}

type harness struct {
	svc       Service
	impl      *service
	store     *jsonStore
	logger    *slog.Logger
	submitter *stubSubmitter
	locations *stubLocationClient
	chat      *stubChatClient
}

func newHarness() *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store:     newJSONStore(),
		logger:    logger,
		submitter: &stubSubmitter{},
		locations: &stubLocationClient{},
		chat:      &stubChatClient{},
	}
	h.svc = h.replica(h.chat)
	h.impl = h.svc.(*service)
	return h
}

// replica builds another service over the same store, like a second BFF
// process sharing Valkey.
func (h *harness) replica(chat assistant.Client) Service {
	return NewService(
		Config{TTL: time.Minute, CallTimeout: time.Second},
		h.store,
		endpoint.NewResolver("", ""),
		location.NewAcquirer(h.locations, crop.FallbackLocation, h.logger),
		h.submitter,
		assistant.NewChannel(chat, h.logger),
		h.logger,
	)
}

func (h *harness) selector(t *testing.T) uuid.UUID {
	t.Helper()
	sess, err := h.svc.Start(context.Background(), endpoint.Page{Protocol: "http", Hostname: "localhost"})
	require.NoError(t, err)
	_, err = h.svc.Begin(context.Background(), sess.ID)
	require.NoError(t, err)
	return sess.ID
}

func (h *harness) manualDataEntry(t *testing.T) uuid.UUID {
	t.Helper()
	id := h.selector(t)
	_, err := h.svc.SelectMode(context.Background(), id, crop.ModeManual)
	require.NoError(t, err)
	_, err = h.svc.SetFields(context.Background(), id, map[string]string{
		crop.FieldN: "90", crop.FieldP: "42", crop.FieldK: "43", crop.FieldPH: "6.5",
		crop.FieldTemperature: "20.8", crop.FieldHumidity: "82", crop.FieldRainfall: "202.9",
	})
	require.NoError(t, err)
	return id
}

type stubSubmitter struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, base string, req crop.RecommendationRequest) (crop.RecommendationResult, error)
}

func (s *stubSubmitter) Submit(ctx context.Context, base string, req crop.RecommendationRequest) (crop.RecommendationResult, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return crop.RecommendationResult{RecommendedCrop: "rice"}, nil
	}
	return fn(ctx, base, req)
}

func (s *stubSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubLocationClient struct {
	lookup location.Lookup
	err    error
	calls  int
}

func (s *stubLocationClient) Locate(context.Context, string) (location.Lookup, error) {
	s.calls++
	return s.lookup, s.err
}

type stubChatClient struct {
	reply  assistant.Reply
	err    error
	onCall func()
}

func (s *stubChatClient) Chat(context.Context, string, string) (assistant.Reply, error) {
	if s.onCall != nil {
		s.onCall()
	}
	return s.reply, s.err
}

// jsonStore round-trips sessions through JSON and checks revisions like the
// real stores do.
type jsonStore struct {
	mu         sync.Mutex
	items      map[uuid.UUID][]byte
	failSaves  int
	saveErr    error
	beforeSave func()
}

func newJSONStore() *jsonStore {
	return &jsonStore{items: make(map[uuid.UUID][]byte)}
}

func (s *jsonStore) failNextSaves(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSaves, s.saveErr = n, err
}

func (s *jsonStore) onNextSave(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeSave = fn
}

func (s *jsonStore) Get(_ context.Context, id uuid.UUID) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.items[id]
	if !ok {
		return Session{}, false, nil
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

func (s *jsonStore) Save(_ context.Context, sess Session, _ time.Duration) error {
	s.mu.Lock()
	if s.failSaves > 0 {
		s.failSaves--
		err := s.saveErr
		s.mu.Unlock()
		return err
	}
	hook := s.beforeSave
	s.beforeSave = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if payload, ok := s.items[sess.ID]; ok {
		var stored Session
		if err := json.Unmarshal(payload, &stored); err != nil {
			return err
		}
		current = stored.Revision
	}
	if current != sess.Revision {
		return ErrConflict
	}
	sess.Revision++
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	s.items[sess.ID] = payload
	return nil
}

func (s *jsonStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}
