package journals

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medcore/stockcore/internal/accounting/shared"
	"github.com/medcore/stockcore/internal/platform/db"
)

// Repository encapsulates DB operations for journals.
type Repository interface {
	List(ctx context.Context, limit int) ([]JournalEntry, error)
	Get(ctx context.Context, id int64) (JournalEntry, error)
	GetBySource(ctx context.Context, module string, ref uuid.UUID) (JournalEntry, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a transaction
type TxRepository interface {
	InsertJournalEntry(ctx context.Context, in PostingInput) (JournalEntry, error)
	InsertJournalLines(ctx context.Context, entryID int64, lines []PostingLineInput) error
	LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID int64) error
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const entryColumns = `id, number, date, source_module, source_id, memo, COALESCE(posted_by, 0), posted_at, created_at`

func scanEntry(row pgx.Row) (JournalEntry, error) {
	var e JournalEntry
	err := row.Scan(&e.ID, &e.Number, &e.Date, &e.SourceModule, &e.SourceID, &e.Memo, &e.PostedBy, &e.PostedAt, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return JournalEntry{}, shared.ErrJournalNotFound
	}
	return e, err
}

func (r *repository) List(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT `+entryColumns+` FROM journal_entries ORDER BY number DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (JournalEntry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1`, id))
	if err != nil {
		return JournalEntry{}, err
	}
	e.Lines, err = loadLines(ctx, r.db, e.ID)
	return e, err
}

func (r *repository) GetBySource(ctx context.Context, module string, ref uuid.UUID) (JournalEntry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries
WHERE id = (SELECT je_id FROM source_links WHERE module=$1 AND ref_id=$2)`, module, ref))
	if err != nil {
		return JournalEntry{}, err
	}
	e.Lines, err = loadLines(ctx, r.db, e.ID)
	return e, err
}

func loadLines(ctx context.Context, q querier, entryID int64) ([]JournalLine, error) {
	rows, err := q.Query(ctx, `SELECT id, je_id, account_id, debit, credit FROM journal_lines WHERE je_id=$1 ORDER BY id ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []JournalLine
	for rows.Next() {
		var line JournalLine
		if err := rows.Scan(&line.ID, &line.JournalID, &line.AccountID, &line.Debit, &line.Credit); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) InsertJournalEntry(ctx context.Context, in PostingInput) (JournalEntry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_entries (date, source_module, source_id, memo, posted_by)
VALUES ($1,$2,$3,$4,$5) RETURNING id, number, posted_at, created_at`, in.Date, in.SourceModule, in.SourceID, in.Memo, nullInt(in.PostedBy))
	entry := JournalEntry{
		Date:         in.Date,
		SourceModule: in.SourceModule,
		SourceID:     in.SourceID,
		Memo:         in.Memo,
		PostedBy:     in.PostedBy,
	}
	if err := row.Scan(&entry.ID, &entry.Number, &entry.PostedAt, &entry.CreatedAt); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) InsertJournalLines(ctx context.Context, entryID int64, lines []PostingLineInput) error {
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO journal_lines (je_id, account_id, debit, credit) VALUES ($1,$2,$3,$4)`,
			entryID, line.AccountID, line.Debit.Round(2), line.Credit.Round(2))
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO source_links (module, ref_id, je_id) VALUES ($1,$2,$3)`, module, ref, entryID)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_source_links") {
			return shared.ErrSourceAlreadyLinked
		}
		return err
	}
	return nil
}

func nullInt(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}
