package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/g960059/vlab/internal/cmdtree"
	"github.com/g960059/vlab/internal/experiment"
	"github.com/g960059/vlab/internal/model"
	"github.com/g960059/vlab/internal/scpi"
)

const defaultJournalTimeout = 2 * time.Second

// Journal records session lifecycle and command failures in a Store. Write
// errors are logged and never surface to protocol clients.
type Journal struct {
	store   *Store
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewJournal(store *Store, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		store:   store,
		logger:  logger.With("component", "journal"),
		timeout: defaultJournalTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (j *Journal) Store() *Store { return j.store }

func (j *Journal) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), j.timeout)
}

func (j *Journal) SessionCreated(s *experiment.Session) {
	ctx, cancel := j.ctx()
	defer cancel()
	err := j.store.InsertSession(ctx, model.SessionRecord{
		SessionID:      s.ID,
		ClientIdentity: s.Identity,
		Experiment:     s.Experiment,
		CreatedAt:      s.CreatedAt,
	})
	if err != nil {
		j.logger.Warn("journal session insert failed", "session", s.ID, "client", s.Identity, "error", err)
	}
}

func (j *Journal) SessionEvicted(s *experiment.Session, reason string) {
	ctx, cancel := j.ctx()
	defer cancel()
	if err := j.store.EndSession(ctx, s.ID, model.EndReason(reason), j.now()); err != nil {
		j.logger.Warn("journal session end failed", "session", s.ID, "reason", reason, "error", err)
	}
}

// RecordFailures stores every failed sub-command of one dispatched line.
func (j *Journal) RecordFailures(sessionID string, port int, failures []cmdtree.Failure) {
	if len(failures) == 0 {
		return
	}
	ctx, cancel := j.ctx()
	defer cancel()
	at := j.now()
	for _, f := range failures {
		_, err := j.store.InsertCommandError(ctx, model.CommandError{
			SessionID:  sessionID,
			Port:       port,
			Command:    f.Command,
			ErrorCode:  int(scpi.CodeOf(f.Err)),
			Message:    f.Err.Error(),
			OccurredAt: at,
		})
		if err != nil {
			j.logger.Warn("journal command error insert failed", "session", sessionID, "port", port, "error", err)
			return
		}
	}
}
