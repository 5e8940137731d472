package integration

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/medcore/stockcore/internal/accounting/journals"
	"github.com/medcore/stockcore/internal/accounting/mappings"
	"github.com/medcore/stockcore/internal/accounting/shared"
	"github.com/medcore/stockcore/internal/adjustment"
	"github.com/medcore/stockcore/internal/opname"
	"github.com/medcore/stockcore/internal/procurement"
)

// Ledger exposes journal posting operations required by integrations.
type Ledger interface {
	PostJournal(ctx context.Context, input journals.PostingInput) (journals.JournalEntry, error)
}

// AccountMappingRepository provides mapping lookups.
type AccountMappingRepository interface {
	Get(ctx context.Context, module, key string) (mappings.AccountMapping, error)
}

// Hooks wires posted stock documents into the general ledger.
type Hooks struct {
	ledger      Ledger
	mappingRepo AccountMappingRepository
}

// NewHooks constructs integration hooks.
func NewHooks(ledger Ledger, mappingRepo AccountMappingRepository) *Hooks {
	return &Hooks{ledger: ledger, mappingRepo: mappingRepo}
}

var errNotConfigured = errors.New("integration: ledger not configured")

func (h *Hooks) ready() error {
	if h == nil || h.ledger == nil || h.mappingRepo == nil {
		return errNotConfigured
	}
	return nil
}

func (h *Hooks) resolveAccount(ctx context.Context, module, key string) (int64, error) {
	mapping, err := h.mappingRepo.Get(ctx, module, key)
	if err != nil {
		return 0, fmt.Errorf("integration: mapping %s/%s: %w", module, key, err)
	}
	return mapping.AccountID, nil
}

// post writes the entry and returns its reference. A source already linked
// resolves to the reference of the existing entry.
func (h *Hooks) post(ctx context.Context, input journals.PostingInput) (string, error) {
	if input.SourceID == uuid.Nil {
		return "", errors.New("integration: source id required")
	}
	entry, err := h.ledger.PostJournal(ctx, input)
	if err != nil {
		if errors.Is(err, shared.ErrSourceAlreadyLinked) && entry.ID != 0 {
			return entry.Reference(), nil
		}
		return "", err
	}
	return entry.Reference(), nil
}

func sourceID(kind string, id int64) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%s:%d", kind, id)))
}

// HandlePurchasePosted debits inventory and credits goods received not invoiced.
func (h *Hooks) HandlePurchasePosted(ctx context.Context, evt procurement.PostedEvent) (string, error) {
	if err := h.ready(); err != nil {
		return "", err
	}
	if evt.ReceivedAt.IsZero() {
		return "", errors.New("integration: purchase received date required")
	}
	total := zero
	for _, line := range evt.Lines {
		total = total.Add(monetary(line.Quantity, line.UnitPrice))
	}
	total = round2(total)
	if !total.IsPositive() {
		return "", nil
	}
	inventoryAccount, err := h.resolveAccount(ctx, "GRN", "grn.inventory")
	if err != nil {
		return "", err
	}
	grirAccount, err := h.resolveAccount(ctx, "GRN", "grn.grir")
	if err != nil {
		return "", err
	}
	return h.post(ctx, journals.PostingInput{
		Date:         evt.ReceivedAt,
		SourceModule: "PROCUREMENT.PURCHASE",
		SourceID:     sourceID("PO", evt.ID),
		Memo:         fmt.Sprintf("Purchase receipt %s", evt.Number),
		PostedBy:     evt.ActorID,
		Lines: []journals.PostingLineInput{
			{AccountID: inventoryAccount, Debit: total},
			{AccountID: grirAccount, Credit: total},
		},
	})
}

// HandleAdjustmentPosted books a central shortage as a loss and an overage as a gain.
func (h *Hooks) HandleAdjustmentPosted(ctx context.Context, evt adjustment.PostedEvent) (string, error) {
	if err := h.ready(); err != nil {
		return "", err
	}
	if evt.ApprovedAt.IsZero() {
		return "", errors.New("integration: adjustment approval date required")
	}
	amount := round2(evt.Amount)
	if amount.IsZero() {
		amount = monetary(evt.Quantity.Abs(), evt.UnitPrice)
	}
	if !amount.IsPositive() {
		return "", nil
	}
	inventoryAccount, gainAccount, lossAccount, err := h.adjustmentAccounts(ctx)
	if err != nil {
		return "", err
	}
	var lines []journals.PostingLineInput
	switch evt.Kind {
	case adjustment.KindOverage:
		lines = []journals.PostingLineInput{
			{AccountID: inventoryAccount, Debit: amount},
			{AccountID: gainAccount, Credit: amount},
		}
	case adjustment.KindShortage:
		lines = []journals.PostingLineInput{
			{AccountID: lossAccount, Debit: amount},
			{AccountID: inventoryAccount, Credit: amount},
		}
	default:
		return "", fmt.Errorf("integration: unknown adjustment kind %q", evt.Kind)
	}
	return h.post(ctx, journals.PostingInput{
		Date:         evt.ApprovedAt,
		SourceModule: "INVENTORY.ADJUSTMENT",
		SourceID:     sourceID("ADJ", evt.ID),
		Memo:         fmt.Sprintf("Stock adjustment %s", evt.Number),
		PostedBy:     evt.ActorID,
		Lines:        lines,
	})
}

// HandleOpnamePosted books the valued count variances of one opname as a
// single entry carrying both gains and losses.
func (h *Hooks) HandleOpnamePosted(ctx context.Context, evt opname.PostedEvent) (string, error) {
	if err := h.ready(); err != nil {
		return "", err
	}
	if evt.ApprovedAt.IsZero() {
		return "", errors.New("integration: opname approval date required")
	}
	gain, loss := zero, zero
	for _, line := range evt.Lines {
		amount := monetary(line.Variance.Abs(), line.UnitCost)
		if line.Variance.IsPositive() {
			gain = gain.Add(amount)
		} else {
			loss = loss.Add(amount)
		}
	}
	gain, loss = round2(gain), round2(loss)
	if gain.IsZero() && loss.IsZero() {
		return "", nil
	}
	inventoryAccount, gainAccount, lossAccount, err := h.adjustmentAccounts(ctx)
	if err != nil {
		return "", err
	}
	lines := make([]journals.PostingLineInput, 0, 4)
	if gain.IsPositive() {
		lines = append(lines,
			journals.PostingLineInput{AccountID: inventoryAccount, Debit: gain},
			journals.PostingLineInput{AccountID: gainAccount, Credit: gain},
		)
	}
	if loss.IsPositive() {
		lines = append(lines,
			journals.PostingLineInput{AccountID: lossAccount, Debit: loss},
			journals.PostingLineInput{AccountID: inventoryAccount, Credit: loss},
		)
	}
	return h.post(ctx, journals.PostingInput{
		Date:         evt.ApprovedAt,
		SourceModule: "INVENTORY.OPNAME",
		SourceID:     sourceID("OPN", evt.ID),
		Memo:         fmt.Sprintf("Stock opname %s", evt.Number),
		PostedBy:     evt.ActorID,
		Lines:        lines,
	})
}

func (h *Hooks) adjustmentAccounts(ctx context.Context) (inventoryAccount, gainAccount, lossAccount int64, err error) {
	if inventoryAccount, err = h.resolveAccount(ctx, "INVENTORY", "inventory.adjustment.inventory"); err != nil {
		return
	}
	if gainAccount, err = h.resolveAccount(ctx, "INVENTORY", "inventory.adjustment.gain"); err != nil {
		return
	}
	lossAccount, err = h.resolveAccount(ctx, "INVENTORY", "inventory.adjustment.loss")
	return
}

var (
	_ procurement.IntegrationHandler = (*Hooks)(nil)
	_ adjustment.IntegrationHandler  = (*Hooks)(nil)
	_ opname.IntegrationHandler      = (*Hooks)(nil)
)
