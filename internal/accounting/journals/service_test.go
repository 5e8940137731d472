package journals

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/medcore/stockcore/internal/accounting/shared"
	internalShared "github.com/medcore/stockcore/internal/shared"
)

type sourceKey struct {
	module string
	ref    uuid.UUID
}

type memoryRepo struct {
	mu      sync.Mutex
	entries map[int64]JournalEntry
	links   map[sourceKey]int64
	nextID  int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{entries: map[int64]JournalEntry{}, links: map[sourceKey]int64{}}
}

func (m *memoryRepo) List(context.Context, int) ([]JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JournalEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *memoryRepo) Get(_ context.Context, id int64) (JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return JournalEntry{}, shared.ErrJournalNotFound
	}
	return e, nil
}

func (m *memoryRepo) GetBySource(ctx context.Context, module string, ref uuid.UUID) (JournalEntry, error) {
	m.mu.Lock()
	id, ok := m.links[sourceKey{module, ref}]
	m.mu.Unlock()
	if !ok {
		return JournalEntry{}, shared.ErrJournalNotFound
	}
	return m.Get(ctx, id)
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{repo: m, staged: map[int64]JournalEntry{}, links: map[sourceKey]int64{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, e := range tx.staged {
		m.entries[id] = e
	}
	for k, v := range tx.links {
		m.links[k] = v
	}
	return nil
}

type memoryTx struct {
	repo   *memoryRepo
	staged map[int64]JournalEntry
	links  map[sourceKey]int64
}

func (t *memoryTx) InsertJournalEntry(_ context.Context, in PostingInput) (JournalEntry, error) {
	t.repo.nextID++
	e := JournalEntry{
		ID:           t.repo.nextID,
		Number:       t.repo.nextID,
		Date:         in.Date,
		SourceModule: in.SourceModule,
		SourceID:     in.SourceID,
		Memo:         in.Memo,
		PostedBy:     in.PostedBy,
	}
	t.staged[e.ID] = e
	return e, nil
}

func (t *memoryTx) InsertJournalLines(_ context.Context, entryID int64, lines []PostingLineInput) error {
	e := t.staged[entryID]
	e.Lines = toJournalLines(entryID, lines)
	t.staged[entryID] = e
	return nil
}

func (t *memoryTx) LinkSource(_ context.Context, module string, ref uuid.UUID, entryID int64) error {
	key := sourceKey{module, ref}
	if _, ok := t.repo.links[key]; ok {
		return shared.ErrSourceAlreadyLinked
	}
	t.links[key] = entryID
	return nil
}

type recordingAudit struct {
	logs []internalShared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log internalShared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func balancedInput(source uuid.UUID) PostingInput {
	return PostingInput{
		Date:         time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		SourceModule: "stock_adjustment",
		SourceID:     source,
		Memo:         "ADJ-20240315-0001",
		PostedBy:     7,
		Lines: []PostingLineInput{
			{AccountID: 5100, Debit: decimal.RequireFromString("250")},
			{AccountID: 1300, Credit: decimal.RequireFromString("250")},
		},
	}
}

func TestPostJournalLinksSource(t *testing.T) {
	repo := newMemoryRepo()
	audit := &recordingAudit{}
	svc := NewService(repo, audit, nil)

	entry, err := svc.PostJournal(context.Background(), balancedInput(uuid.New()))
	require.NoError(t, err)
	require.Equal(t, "JE-000001", entry.Reference())
	require.Len(t, entry.Lines, 2)
	require.Len(t, repo.links, 1)
	require.Len(t, audit.logs, 1)
	require.Equal(t, "journal.post", audit.logs[0].Action)
}

func TestPostJournalReturnsExistingEntryForLinkedSource(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	source := uuid.New()

	first, err := svc.PostJournal(context.Background(), balancedInput(source))
	require.NoError(t, err)

	second, err := svc.PostJournal(context.Background(), balancedInput(source))
	require.ErrorIs(t, err, shared.ErrSourceAlreadyLinked)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, repo.entries, 1)
}

func TestPostJournalRejectsUnbalanced(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil)
	in := balancedInput(uuid.New())
	in.Lines[1].Credit = decimal.RequireFromString("249.99")

	_, err := svc.PostJournal(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrUnbalanced)
	require.True(t, errors.Is(err, internalShared.ErrUnbalancedJournal))
	require.Contains(t, err.Error(), "debit 250.00 credit 249.99")
}

func TestPostingInputValidate(t *testing.T) {
	in := balancedInput(uuid.New())
	in.Lines = in.Lines[:1]
	require.ErrorIs(t, in.Validate(), shared.ErrTooFewLines)

	in = balancedInput(uuid.New())
	in.Lines[0].Credit = decimal.NewFromInt(1)
	require.Error(t, in.Validate())

	in = balancedInput(uuid.Nil)
	require.Error(t, in.Validate())

	in = balancedInput(uuid.New())
	in.Lines[1].AccountID = 0
	require.Error(t, in.Validate())
}
