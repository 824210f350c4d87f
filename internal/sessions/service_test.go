package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
)

var testStart = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func newTestService(t *testing.T, store Store, opts Options) (*Service, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testStart)
	return NewService(store, clock, zap.NewNop(), opts), clock
}

func createSession(t *testing.T, svc *Service) *models.Session {
	t.Helper()
	s, err := svc.CreateSession(context.Background(), CreateSessionInput{Title: "Weekly sync", Description: "Q&A"})
	require.NoError(t, err)
	return s
}

// racingStore bumps the stored version before the first N UpdateActions calls,
// as if another writer committed between the service's read and write.
type racingStore struct {
	*MemoryStore
	races int
	calls int
}

func (r *racingStore) UpdateActions(ctx context.Context, code string, expectedVersion int64, actions []models.Action) (*models.Session, error) {
	r.calls++
	if r.races > 0 {
		r.races--
		current, err := r.MemoryStore.Get(ctx, code)
		if err != nil {
			return nil, err
		}
		intruder := append(current.Actions, models.Action{ID: fmt.Sprintf("intruder-%d", r.calls), ActionID: 1000 + r.calls, Type: models.ActionComment, Content: "concurrent"})
		if _, err := r.MemoryStore.UpdateActions(ctx, code, current.Version, intruder); err != nil {
			return nil, err
		}
	}
	return r.MemoryStore.UpdateActions(ctx, code, expectedVersion, actions)
}

// lossyStore acknowledges writes but stores something else.
type lossyStore struct {
	*MemoryStore
}

func (l *lossyStore) UpdateActions(ctx context.Context, code string, expectedVersion int64, _ []models.Action) (*models.Session, error) {
	return l.MemoryStore.UpdateActions(ctx, code, expectedVersion, nil)
}

// staleCheckStore reports every code as free, as if a concurrent creator
// claimed it between the lookup and the insert.
type staleCheckStore struct {
	*MemoryStore
	inserts int
}

func (s *staleCheckStore) CodeExists(context.Context, string) (bool, error) { return false, nil }

func (s *staleCheckStore) Insert(ctx context.Context, session *models.Session) error {
	s.inserts++
	return s.MemoryStore.Insert(ctx, session)
}

type failingStore struct {
	*MemoryStore
	err error
}

func (f *failingStore) Get(context.Context, string) (*models.Session, error) { return nil, f.err }

type recordingArchiver struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (r *recordingArchiver) EnqueueArchive(_ context.Context, code string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	return r.err
}

func TestCreateSession_Defaults(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{})

	s, err := svc.CreateSession(context.Background(), CreateSessionInput{Title: "  Town hall  "})
	require.NoError(t, err)
	assert.Len(t, s.Code, DefaultCodeLength)
	assert.Equal(t, "Town hall", s.Title)
	assert.Equal(t, models.ModeNormal, s.Mode)
	assert.True(t, testStart.Equal(s.HostStartTime))
	assert.Nil(t, s.EndedAt)
	assert.NotNil(t, s.Actions)
	assert.Empty(t, s.Actions)

	stored, err := svc.GetSession(context.Background(), s.Code)
	require.NoError(t, err)
	assert.Equal(t, s.Code, stored.Code)
}

func TestCreateSession_Validation(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{})

	tests := []struct {
		name  string
		in    CreateSessionInput
		field string
	}{
		{"short title", CreateSessionInput{Title: "AB"}, "title"},
		{"blank title", CreateSessionInput{Title: "   "}, "title"},
		{"long description", CreateSessionInput{Title: "Valid", Description: strings.Repeat("x", 201)}, "description"},
		{"unknown mode", CreateSessionInput{Title: "Valid", Mode: "bogus"}, "mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateSession(context.Background(), tt.in)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateSession_AcceptsBoundaryValues(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{})

	s, err := svc.CreateSession(context.Background(), CreateSessionInput{
		Title:       "ABC",
		Description: strings.Repeat("é", 200),
		Mode:        models.ModeColorShift,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ModeColorShift, s.Mode)
}

func TestCreateSession_ExhaustedCodes(t *testing.T) {
	store := NewMemoryStore()
	svc, _ := newTestService(t, store, Options{GenerateCode: sequence("SAMEEE")})
	createSession(t, svc)

	_, err := svc.CreateSession(context.Background(), CreateSessionInput{Title: "Second"})
	assert.ErrorIs(t, err, ErrExhaustedRetries)
}

func TestCreateSession_RetriesWhenInsertLosesRace(t *testing.T) {
	store := &staleCheckStore{MemoryStore: NewMemoryStore()}
	for _, code := range []string{"AAAAAA", "BBBBBB"} {
		require.NoError(t, store.MemoryStore.Insert(context.Background(), &models.Session{Code: code, Title: "Original " + code}))
	}
	svc, _ := newTestService(t, store, Options{GenerateCode: sequence("AAAAAA", "BBBBBB", "CCCCCC")})

	s, err := svc.CreateSession(context.Background(), CreateSessionInput{Title: "Newcomer"})
	require.NoError(t, err)
	assert.Equal(t, "CCCCCC", s.Code)
	assert.Equal(t, 3, store.inserts)

	for _, code := range []string{"AAAAAA", "BBBBBB"} {
		existing, err := svc.GetSession(context.Background(), code)
		require.NoError(t, err)
		assert.Equal(t, "Original "+code, existing.Title)
	}
}

func TestCreateSession_ExhaustedWhenEveryInsertCollides(t *testing.T) {
	store := &staleCheckStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, store.MemoryStore.Insert(context.Background(), &models.Session{Code: "TAKEN2", Title: "Original"}))
	svc, _ := newTestService(t, store, Options{CodeAttempts: 4, GenerateCode: sequence("TAKEN2")})

	_, err := svc.CreateSession(context.Background(), CreateSessionInput{Title: "Newcomer"})
	require.ErrorIs(t, err, ErrExhaustedRetries)
	assert.Equal(t, 4, store.inserts)

	existing, err := svc.GetSession(context.Background(), "TAKEN2")
	require.NoError(t, err)
	assert.Equal(t, "Original", existing.Title)
}

func TestCreateSession_DistinctCodes(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{GenerateCode: sequence("AAAAAA", "AAAAAA", "BBBBBB")})

	first := createSession(t, svc)
	second := createSession(t, svc)
	assert.Equal(t, "AAAAAA", first.Code)
	assert.Equal(t, "BBBBBB", second.Code)
}

func TestGetSession_NormalizesCode(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{GenerateCode: sequence("XYZ234")})
	createSession(t, svc)

	s, err := svc.GetSession(context.Background(), "  xyz234 ")
	require.NoError(t, err)
	assert.Equal(t, "XYZ234", s.Code)
}

func TestGetSession_NotFound(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{})
	_, err := svc.GetSession(context.Background(), "NOPE22")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetSession_StoreFailure(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), err: errors.New("boom")}
	svc, _ := newTestService(t, store, Options{})

	_, err := svc.GetSession(context.Background(), "ABCDEF")
	assert.ErrorIs(t, err, ErrStore)
}

func TestAppendAction_RoundTrip(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{})
	s := createSession(t, svc)
	ctx := context.Background()

	a, err := svc.AppendAction(ctx, s.Code, AppendActionInput{Type: models.ActionQuestion, Content: "  What is next?  ", ActionID: 7})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "What is next?", a.Content)
	assert.Equal(t, models.DefaultActionSize, a.Size)
	assert.Equal(t, models.DefaultActionColor, a.Color)
	require.NotNil(t, a.StartTime)
	assert.True(t, testStart.Equal(*a.StartTime))
	require.NotNil(t, a.TimeMargin)
	assert.Equal(t, 0.0, *a.TimeMargin)

	content, err := svc.GetActionContent(ctx, s.Code, 7)
	require.NoError(t, err)
	assert.Equal(t, "What is next?", content)

	_, err = svc.GetActionContent(ctx, s.Code, 8)
	assert.ErrorIs(t, err, ErrActionNotFound)
	_, err = svc.GetActionContent(ctx, "NOPE22", 7)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetActionContent_NeverBlank(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{})
	s := createSession(t, svc)
	ctx := context.Background()

	_, err := svc.AppendAction(ctx, s.Code, AppendActionInput{Type: models.ActionComment, Content: "   ", ActionID: 1})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.GetActionContent(ctx, s.Code, 1)
	assert.ErrorIs(t, err, ErrActionNotFound)

	_, err = svc.ReplaceActions(ctx, s.Code, []models.Action{{ID: "a1", ActionID: 1, Type: models.ActionComment, Content: "\t\n"}})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.GetActionContent(ctx, s.Code, 1)
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestAppendAction_PreservesOrder(t *testing.T) {
	svc, clock := newTestService(t, NewMemoryStore(), Options{})
	s := createSession(t, svc)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := svc.AppendAction(ctx, s.Code, AppendActionInput{Type: models.ActionComment, Content: fmt.Sprintf("c%d", i), ActionID: i})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	actions, err := svc.GetActionsWithMargins(ctx, s.Code)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	for i, a := range actions {
		assert.Equal(t, i+1, a.ActionID)
		assert.Equal(t, fmt.Sprintf("c%d", i+1), a.Content)
	}
}

func TestAppendAction_Validation(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{})
	s := createSession(t, svc)

	tests := []struct {
		name  string
		in    AppendActionInput
		field string
	}{
		{"zero action id", AppendActionInput{Type: models.ActionQuestion, Content: "x"}, "action_id"},
		{"unknown type", AppendActionInput{Type: "poll", Content: "x", ActionID: 1}, "type"},
		{"blank content", AppendActionInput{Type: models.ActionQuestion, Content: "  ", ActionID: 1}, "content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AppendAction(context.Background(), s.Code, tt.in)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestAppendAction_DuplicateActionID(t *testing.T) {
	ctx := context.Background()
	in := AppendActionInput{Type: models.ActionQuestion, Content: "first", ActionID: 3}

	t.Run("rejected by default", func(t *testing.T) {
		svc, _ := newTestService(t, NewMemoryStore(), Options{})
		s := createSession(t, svc)
		_, err := svc.AppendAction(ctx, s.Code, in)
		require.NoError(t, err)
		_, err = svc.AppendAction(ctx, s.Code, in)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("allowed when configured", func(t *testing.T) {
		svc, _ := newTestService(t, NewMemoryStore(), Options{AllowDuplicateActionIDs: true})
		s := createSession(t, svc)
		_, err := svc.AppendAction(ctx, s.Code, in)
		require.NoError(t, err)
		_, err = svc.AppendAction(ctx, s.Code, AppendActionInput{Type: models.ActionComment, Content: "second", ActionID: 3})
		require.NoError(t, err)

		content, err := svc.GetActionContent(ctx, s.Code, 3)
		require.NoError(t, err)
		assert.Equal(t, "first", content)
	})
}

func TestAppendAction_UnknownSession(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{})
	_, err := svc.AppendAction(context.Background(), "NOPE22", AppendActionInput{Type: models.ActionQuestion, Content: "x", ActionID: 1})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendAction_RetriesOnVersionConflict(t *testing.T) {
	store := &racingStore{MemoryStore: NewMemoryStore(), races: 2}
	svc, _ := newTestService(t, store, Options{})
	s := createSession(t, svc)

	a, err := svc.AppendAction(context.Background(), s.Code, AppendActionInput{Type: models.ActionQuestion, Content: "mine", ActionID: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)

	stored, err := svc.GetSession(context.Background(), s.Code)
	require.NoError(t, err)
	require.Len(t, stored.Actions, 3)
	assert.Equal(t, a.ID, stored.Actions[2].ID)
}

func TestAppendAction_GivesUpAfterRetries(t *testing.T) {
	store := &racingStore{MemoryStore: NewMemoryStore(), races: 100}
	svc, _ := newTestService(t, store, Options{MutationRetries: 2})
	s := createSession(t, svc)

	_, err := svc.AppendAction(context.Background(), s.Code, AppendActionInput{Type: models.ActionQuestion, Content: "mine", ActionID: 1})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 3, store.calls)
}

func TestAppendAction_ConcurrentWritersKeepEveryAction(t *testing.T) {
	const writers = 20
	svc, _ := newTestService(t, NewMemoryStore(), Options{MutationRetries: writers + 5})
	s := createSession(t, svc)

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := svc.AppendAction(context.Background(), s.Code, AppendActionInput{Type: models.ActionComment, Content: "hi", ActionID: id})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	actions, err := svc.GetActionsWithMargins(context.Background(), s.Code)
	require.NoError(t, err)
	assert.Len(t, actions, writers)
}

func TestAppendAction_VerificationFailure(t *testing.T) {
	svc, _ := newTestService(t, &lossyStore{MemoryStore: NewMemoryStore()}, Options{})
	s := createSession(t, svc)

	_, err := svc.AppendAction(context.Background(), s.Code, AppendActionInput{Type: models.ActionQuestion, Content: "lost", ActionID: 1})
	assert.ErrorIs(t, err, ErrPersistenceVerification)
}

func TestReplaceActions(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{})
	s := createSession(t, svc)
	ctx := context.Background()

	a1, err := svc.AppendAction(ctx, s.Code, AppendActionInput{Type: models.ActionQuestion, Content: "one", ActionID: 1})
	require.NoError(t, err)
	_, err = svc.AppendAction(ctx, s.Code, AppendActionInput{Type: models.ActionQuestion, Content: "two", ActionID: 2})
	require.NoError(t, err)

	edited := *a1
	edited.Content = "one, edited"
	edited.Size = 0
	edited.Color = ""

	got, err := svc.ReplaceActions(ctx, s.Code, []models.Action{edited})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "one, edited", got[0].Content)
	assert.Equal(t, models.DefaultActionSize, got[0].Size)
	assert.Equal(t, models.DefaultActionColor, got[0].Color)

	got, err = svc.ReplaceActions(ctx, s.Code, []models.Action{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReplaceActions_Validation(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{})
	s := createSession(t, svc)
	valid := models.Action{ID: "a", ActionID: 1, Type: models.ActionQuestion, Content: "x"}

	tests := []struct {
		name    string
		actions []models.Action
		field   string
	}{
		{"missing id", []models.Action{{ActionID: 1, Type: models.ActionQuestion, Content: "x"}}, "actions[0].id"},
		{"bad action id", []models.Action{valid, {ID: "b", Type: models.ActionQuestion, Content: "x"}}, "actions[1].action_id"},
		{"bad type", []models.Action{{ID: "a", ActionID: 1, Type: "poll", Content: "x"}}, "actions[0].type"},
		{"empty content", []models.Action{{ID: "a", ActionID: 1, Type: models.ActionComment}}, "actions[0].content"},
		{"duplicate id", []models.Action{valid, {ID: "a", ActionID: 2, Type: models.ActionQuestion, Content: "y"}}, "actions[1].id"},
		{"duplicate action id", []models.Action{valid, {ID: "b", ActionID: 1, Type: models.ActionQuestion, Content: "y"}}, "actions[1].action_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ReplaceActions(context.Background(), s.Code, tt.actions)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestReplaceActions_VerificationFailure(t *testing.T) {
	svc, _ := newTestService(t, &lossyStore{MemoryStore: NewMemoryStore()}, Options{})
	s := createSession(t, svc)

	_, err := svc.ReplaceActions(context.Background(), s.Code, []models.Action{{ID: "a", ActionID: 1, Type: models.ActionQuestion, Content: "x"}})
	assert.ErrorIs(t, err, ErrPersistenceVerification)
}

func TestEndSession(t *testing.T) {
	archiver := &recordingArchiver{}
	svc, clock := newTestService(t, NewMemoryStore(), Options{})
	svc.SetArchiver(archiver)
	s := createSession(t, svc)
	ctx := context.Background()

	clock.Advance(time.Minute)
	ended, err := svc.EndSession(ctx, strings.ToLower(s.Code))
	require.NoError(t, err)
	require.NotNil(t, ended.EndedAt)
	assert.True(t, testStart.Add(time.Minute).Equal(*ended.EndedAt))
	assert.Equal(t, []string{s.Code}, archiver.codes)

	clock.Advance(time.Minute)
	again, err := svc.EndSession(ctx, s.Code)
	require.NoError(t, err)
	assert.True(t, ended.EndedAt.Equal(*again.EndedAt))
	assert.Len(t, archiver.codes, 1)

	_, err = svc.AppendAction(ctx, s.Code, AppendActionInput{Type: models.ActionQuestion, Content: "late", ActionID: 1})
	assert.ErrorIs(t, err, ErrSessionEnded)
	_, err = svc.ReplaceActions(ctx, s.Code, []models.Action{})
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestEndSession_ArchiveFailureDoesNotFail(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{})
	svc.SetArchiver(&recordingArchiver{err: errors.New("redis down")})
	s := createSession(t, svc)

	ended, err := svc.EndSession(context.Background(), s.Code)
	require.NoError(t, err)
	assert.True(t, ended.Ended())
}

func TestEndSession_NotFound(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), Options{})
	_, err := svc.EndSession(context.Background(), "NOPE22")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
