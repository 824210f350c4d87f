package sessions

import (
	"context"
	"time"

	"github.com/aura-live/backend/internal/models"
)

// Store persists session documents keyed by their code.
//
// UpdateActions replaces the whole action list in one write and only succeeds when the
// stored version still equals expectedVersion; otherwise it returns ErrVersionConflict.
// Insert returns ErrCodeTaken when the code is already used.
type Store interface {
	CodeExists(ctx context.Context, code string) (bool, error)
	Insert(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, code string) (*models.Session, error)
	UpdateActions(ctx context.Context, code string, expectedVersion int64, actions []models.Action) (*models.Session, error)
	MarkEnded(ctx context.Context, code string, at time.Time) (*models.Session, error)
	ListSweepable(ctx context.Context) ([]*models.Session, error)
}
