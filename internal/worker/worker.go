package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/queue"
)

// SessionSource loads the session to archive.
type SessionSource interface {
	Get(ctx context.Context, code string) (*models.Session, error)
}

// ArchiveStore writes archived session documents.
type ArchiveStore interface {
	ArchiveExists(ctx context.Context, code string, endedAt time.Time) (bool, error)
	PutArchive(ctx context.Context, code string, endedAt time.Time, doc []byte) (string, error)
}

// JobQueue is the queue the processor consumes.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ArchiveProcessor processes session archive jobs: load the ended session, serialise it, upload it.
type ArchiveProcessor struct {
	sessions SessionSource
	archive  ArchiveStore
	queue    JobQueue
	logger   *zap.Logger
	backoff  time.Duration
}

// NewArchiveProcessor creates a session archive processor.
func NewArchiveProcessor(sessions SessionSource, archive ArchiveStore, q JobQueue, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{sessions: sessions, archive: archive, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	session, err := p.sessions.Get(ctx, payload.Code)
	if err != nil {
		return fmt.Errorf("load session %s: %w", payload.Code, err)
	}
	if !session.Ended() {
		metrics.ArchiveJobsTotal.WithLabelValues("skipped").Inc()
		p.logger.Warn("archive requested for open session", zap.String("code", session.Code))
		return nil
	}
	endedAt := *session.EndedAt

	exists, err := p.archive.ArchiveExists(ctx, session.Code, endedAt)
	if err != nil {
		return fmt.Errorf("check archive: %w", err)
	}
	if exists {
		metrics.ArchiveJobsTotal.WithLabelValues("skipped").Inc()
		p.logger.Info("session already archived", zap.String("code", session.Code))
		return nil
	}

	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	key, err := p.archive.PutArchive(ctx, session.Code, endedAt, doc)
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	metrics.ArchiveJobsTotal.WithLabelValues("uploaded").Inc()
	p.logger.Info("session archived", zap.String("code", session.Code), zap.String("s3_key", key), zap.Int("actions", len(session.Actions)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			metrics.ArchiveJobsTotal.WithLabelValues("retried").Inc()
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ArchiveProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
