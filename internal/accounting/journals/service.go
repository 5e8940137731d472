package journals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/medcore/stockcore/internal/accounting/shared"
	internalShared "github.com/medcore/stockcore/internal/shared"
)

type AuditPort interface {
	Record(ctx context.Context, log internalShared.AuditLog) error
}

type Service struct {
	repo   Repository
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo Repository, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) List(ctx context.Context, limit int) ([]JournalEntry, error) {
	return s.repo.List(ctx, limit)
}

func (s *Service) Get(ctx context.Context, id int64) (JournalEntry, error) {
	return s.repo.Get(ctx, id)
}

// PostJournal writes a balanced entry and links it to its source document.
// A source that is already linked returns the existing entry together with
// ErrSourceAlreadyLinked.
func (s *Service) PostJournal(ctx context.Context, input PostingInput) (JournalEntry, error) {
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inserted, err := tx.InsertJournalEntry(ctx, input)
		if err != nil {
			return err
		}
		if err := tx.InsertJournalLines(ctx, inserted.ID, input.Lines); err != nil {
			return err
		}
		if err := tx.LinkSource(ctx, input.SourceModule, input.SourceID, inserted.ID); err != nil {
			return err
		}
		inserted.Lines = toJournalLines(inserted.ID, input.Lines)
		entry = inserted
		return nil
	})
	if errors.Is(err, shared.ErrSourceAlreadyLinked) {
		existing, getErr := s.repo.GetBySource(ctx, input.SourceModule, input.SourceID)
		if getErr != nil {
			return JournalEntry{}, fmt.Errorf("accounting: load linked entry: %w", getErr)
		}
		return existing, shared.ErrSourceAlreadyLinked
	}
	if err != nil {
		return JournalEntry{}, err
	}
	s.logger.Info("journal posted",
		slog.Int64("id", entry.ID),
		slog.Int64("number", entry.Number),
		slog.String("source_module", input.SourceModule),
	)
	if s.audit != nil {
		if err := s.audit.Record(ctx, internalShared.AuditLog{
			ActorID:  input.PostedBy,
			Action:   "journal.post",
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entry.ID),
			Meta: map[string]any{
				"number":        entry.Number,
				"source_module": input.SourceModule,
				"source_id":     input.SourceID.String(),
			},
			At: s.now(),
		}); err != nil {
			s.logger.Warn("journal audit", slog.Int64("id", entry.ID), slog.Any("error", err))
		}
	}
	return entry, nil
}

func toJournalLines(entryID int64, lines []PostingLineInput) []JournalLine {
	out := make([]JournalLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, JournalLine{
			JournalID: entryID,
			AccountID: line.AccountID,
			Debit:     line.Debit.Round(2),
			Credit:    line.Credit.Round(2),
		})
	}
	return out
}
