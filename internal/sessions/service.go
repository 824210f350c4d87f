package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
)

// Archiver receives sessions that have just ended.
type Archiver interface {
	EnqueueArchive(ctx context.Context, code string, endedAt time.Time) error
}

// Options tunes the session service. Zero values pick the defaults.
type Options struct {
	CodeLength              int
	CodeAttempts            int
	MutationRetries         int
	AllowDuplicateActionIDs bool
	// GenerateCode replaces the random code generator (tests).
	GenerateCode func(length int) string
}

const defaultMutationRetries = 5

// Service creates sessions and mutates their action lists.
type Service struct {
	store    Store
	reserver *CodeReserver
	clock    clockwork.Clock
	logger   *zap.Logger
	archiver Archiver
	opts     Options
	newID    func() string
}

// NewService creates a session service backed by store.
func NewService(store Store, clock clockwork.Clock, logger *zap.Logger, opts Options) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = DefaultCodeLength
	}
	if opts.MutationRetries <= 0 {
		opts.MutationRetries = defaultMutationRetries
	}
	return &Service{
		store:    store,
		reserver: NewCodeReserver(store, opts.GenerateCode, opts.CodeAttempts),
		clock:    clock,
		logger:   logger,
		opts:     opts,
		newID:    func() string { return uuid.New().String() },
	}
}

// SetArchiver registers the sink for ended sessions.
func (s *Service) SetArchiver(a Archiver) {
	s.archiver = a
}

// CreateSession validates the input, reserves a unique code and stores an empty session.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (*models.Session, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.reserver.MaxAttempts(); attempt++ {
		code, err := s.reserver.Reserve(ctx, s.opts.CodeLength)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now().UTC()
		session := &models.Session{
			Code:          code,
			Title:         in.Title,
			Description:   in.Description,
			Mode:          in.Mode,
			HostStartTime: now,
			CreatedAt:     now,
			Actions:       []models.Action{},
		}
		err = s.store.Insert(ctx, session)
		if errors.Is(err, ErrCodeTaken) {
			s.logger.Warn("session code claimed concurrently, retrying", zap.String("code", code), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, storeErr("insert session", err)
		}
		s.logger.Info("session created", zap.String("code", code), zap.String("mode", string(in.Mode)))
		return session, nil
	}
	metrics.CodeReservationExhausted.Inc()
	return nil, ErrExhaustedRetries
}

// GetSession returns the session with this code.
func (s *Service) GetSession(ctx context.Context, code string) (*models.Session, error) {
	session, err := s.store.Get(ctx, NormalizeCode(code))
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return session, nil
}

// GetActionContent returns the content of the first action with this action id.
// The content is never empty: AppendAction and ReplaceActions trim it and reject
// blank values. A session without a matching action yields ErrActionNotFound.
func (s *Service) GetActionContent(ctx context.Context, code string, actionID int) (string, error) {
	session, err := s.GetSession(ctx, code)
	if err != nil {
		return "", err
	}
	for _, a := range session.Actions {
		if a.ActionID == actionID {
			return a.Content, nil
		}
	}
	return "", ErrActionNotFound
}

// GetActionsWithMargins returns the session's actions with the margins computed by the last sweep.
func (s *Service) GetActionsWithMargins(ctx context.Context, code string) ([]models.Action, error) {
	session, err := s.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	return session.Actions, nil
}

// AppendAction adds a new action to the end of the session's list.
func (s *Service) AppendAction(ctx context.Context, code string, in AppendActionInput) (*models.Action, error) {
	var created models.Action
	updated, err := s.mutateActions(ctx, "append", NormalizeCode(code), func(session *models.Session) ([]models.Action, error) {
		if err := in.normalize(); err != nil {
			return nil, err
		}
		if !s.opts.AllowDuplicateActionIDs {
			for _, a := range session.Actions {
				if a.ActionID == in.ActionID {
					return nil, invalid("action_id", "action_id %d already used in this session", in.ActionID)
				}
			}
		}
		now := s.clock.Now().UTC()
		margin := 0.0
		created = models.Action{
			ID:         s.newID(),
			ActionID:   in.ActionID,
			Type:       in.Type,
			Content:    in.Content,
			StartTime:  &now,
			TimeMargin: &margin,
			Size:       models.DefaultActionSize,
			Color:      models.DefaultActionColor,
		}
		next := make([]models.Action, 0, len(session.Actions)+1)
		next = append(next, session.Actions...)
		return append(next, created), nil
	})
	if err != nil {
		return nil, err
	}

	for _, a := range updated.Actions {
		if a.ID == created.ID {
			return &a, nil
		}
	}
	metrics.ActionMutationsTotal.WithLabelValues("append", "unverified").Inc()
	s.logger.Error("appended action missing after write", zap.String("code", updated.Code), zap.String("action_id", created.ID))
	return nil, ErrPersistenceVerification
}

// ReplaceActions persists a caller-computed action list in place of the current one.
func (s *Service) ReplaceActions(ctx context.Context, code string, actions []models.Action) ([]models.Action, error) {
	var wanted []models.Action
	updated, err := s.mutateActions(ctx, "replace", NormalizeCode(code), func(*models.Session) ([]models.Action, error) {
		next, err := validateReplacement(actions, s.opts.AllowDuplicateActionIDs)
		if err != nil {
			return nil, err
		}
		wanted = next
		return next, nil
	})
	if err != nil {
		return nil, err
	}

	if !sameIDs(updated.Actions, wanted) {
		metrics.ActionMutationsTotal.WithLabelValues("replace", "unverified").Inc()
		s.logger.Error("replaced actions differ after write", zap.String("code", updated.Code), zap.Int("want", len(wanted)), zap.Int("got", len(updated.Actions)))
		return nil, ErrPersistenceVerification
	}
	return updated.Actions, nil
}

// EndSession closes the session; the sweep stops updating it from then on.
// Ending an already ended session returns it unchanged.
func (s *Service) EndSession(ctx context.Context, code string) (*models.Session, error) {
	code = NormalizeCode(code)
	before, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, storeErr("get session", err)
	}
	if before.Ended() {
		return before, nil
	}
	session, err := s.store.MarkEnded(ctx, code, s.clock.Now().UTC())
	if err != nil {
		metrics.ActionMutationsTotal.WithLabelValues("end", "error").Inc()
		return nil, storeErr("mark ended", err)
	}
	metrics.ActionMutationsTotal.WithLabelValues("end", "ok").Inc()
	s.logger.Info("session ended", zap.String("code", code), zap.Int("actions", len(session.Actions)))

	if s.archiver != nil && session.EndedAt != nil {
		if err := s.archiver.EnqueueArchive(ctx, code, *session.EndedAt); err != nil {
			s.logger.Error("enqueue session archive failed", zap.String("code", code), zap.Error(err))
		}
	}
	return session, nil
}

// mutateActions runs a read-modify-write over the whole action list, retrying when another
// writer bumped the version in between.
func (s *Service) mutateActions(ctx context.Context, op, code string, build func(*models.Session) ([]models.Action, error)) (*models.Session, error) {
	for attempt := 0; attempt <= s.opts.MutationRetries; attempt++ {
		session, err := s.store.Get(ctx, code)
		if err != nil {
			return nil, s.failMutation(op, storeErr("get session", err))
		}
		if session.Ended() {
			return nil, s.failMutation(op, ErrSessionEnded)
		}
		next, err := build(session)
		if err != nil {
			return nil, s.failMutation(op, err)
		}
		updated, err := s.store.UpdateActions(ctx, code, session.Version, next)
		if errors.Is(err, ErrVersionConflict) {
			metrics.ActionVersionConflicts.WithLabelValues(op).Inc()
			s.logger.Debug("action list version conflict", zap.String("code", code), zap.String("op", op), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, s.failMutation(op, storeErr("update actions", err))
		}
		metrics.ActionMutationsTotal.WithLabelValues(op, "ok").Inc()
		return updated, nil
	}
	return nil, s.failMutation(op, ErrVersionConflict)
}

func (s *Service) failMutation(op string, err error) error {
	result := "error"
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrSessionEnded):
		result = "invalid"
	case errors.Is(err, ErrSessionNotFound):
		result = "not_found"
	case errors.Is(err, ErrVersionConflict):
		result = "conflict"
	}
	metrics.ActionMutationsTotal.WithLabelValues(op, result).Inc()
	return err
}

func sameIDs(got, want []models.Action) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i].ID != want[i].ID {
			return false
		}
	}
	return true
}
