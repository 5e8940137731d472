package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medcore/stockcore/internal/accounting/journals"
	"github.com/medcore/stockcore/internal/accounting/mappings"
	"github.com/medcore/stockcore/internal/adjustment"
	"github.com/medcore/stockcore/internal/integration"
	"github.com/medcore/stockcore/internal/inventory"
	"github.com/medcore/stockcore/internal/masterdata/items"
	"github.com/medcore/stockcore/internal/opname"
	"github.com/medcore/stockcore/internal/procurement"
	"github.com/medcore/stockcore/internal/requisition"
	"github.com/medcore/stockcore/internal/shared"
	"github.com/medcore/stockcore/internal/transfer"
)

// Services holds the wired domain services shared by every binary.
type Services struct {
	Inventory   *inventory.Service
	Requisition *requisition.Service
	Transfer    *transfer.Service
	Adjustment  *adjustment.Service
	Opname      *opname.Service
	Procurement *procurement.Service
	Journals    *journals.Service
	Items       *items.Service
}

// ServiceDeps groups the infrastructure handed to BuildServices.
type ServiceDeps struct {
	Pool    *pgxpool.Pool
	Config  *Config
	Logger  *slog.Logger
	Events  shared.Publisher
	Metrics inventory.MetricsPort
}

// BuildServices wires repositories, the ledger and every workflow service.
func BuildServices(deps ServiceDeps) (*Services, error) {
	cfg := deps.Config
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	logger := deps.Logger

	auditLogger := shared.NewAuditLogger(deps.Pool)
	approvalRecorder := shared.NewApprovalRecorder(deps.Pool, logger)
	idempotencyStore := shared.NewIdempotencyStore(deps.Pool)

	inventoryService := inventory.NewService(inventory.NewRepository(deps.Pool), auditLogger, inventory.ServiceConfig{
		Retry:            cfg.SequenceRetry(),
		Location:         loc,
		Metrics:          deps.Metrics,
		Logger:           logger,
		ReconcileWorkers: cfg.ReconcileWorkers,
	})

	itemService := items.NewService(items.NewRepository(deps.Pool))
	journalService := journals.NewService(journals.NewRepository(deps.Pool), auditLogger, logger)
	hooks := integration.NewHooks(journalService, mappings.NewRepository(deps.Pool))

	opnameService := opname.NewService(opname.NewRepository(deps.Pool), inventoryService, itemService, hooks, approvalRecorder, auditLogger, deps.Events, logger)
	transferService := transfer.NewService(transfer.NewRepository(deps.Pool), inventoryService, opnameService, approvalRecorder, auditLogger, deps.Events, transfer.ServiceConfig{
		ComplianceRequired: cfg.OpnameComplianceRequired,
		Logger:             logger,
	})
	requisitionService := requisition.NewService(requisition.NewRepository(deps.Pool), inventoryService, approvalRecorder, auditLogger, deps.Events, requisition.ServiceConfig{
		ReserveOnApprove: cfg.RequisitionReserveOnApprove,
		Logger:           logger,
	})
	adjustmentService := adjustment.NewService(adjustment.NewRepository(deps.Pool), inventoryService, itemService, hooks, approvalRecorder, auditLogger, deps.Events, logger)
	procurementService := procurement.NewService(procurement.Deps{
		Repo:        procurement.NewRepository(deps.Pool),
		Inventory:   inventoryService,
		Integration: hooks,
		Approvals:   approvalRecorder,
		Audit:       auditLogger,
		Events:      deps.Events,
		Idempotency: idempotencyStore,
		Logger:      logger,
	})

	return &Services{
		Inventory:   inventoryService,
		Requisition: requisitionService,
		Transfer:    transferService,
		Adjustment:  adjustmentService,
		Opname:      opnameService,
		Procurement: procurementService,
		Journals:    journalService,
		Items:       itemService,
	}, nil
}
