package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/audit"
	"github.com/odyssey-erp/stockledger/internal/corrections"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/procurement"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/transfers"
)

// IdempotencyStore is the document idempotency store plus retention cleanup.
type IdempotencyStore interface {
	shared.IdempotencyPort
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ServiceDeps carries what BuildServices needs. Pool is required for the
// postgres driver and ignored by the memory driver.
type ServiceDeps struct {
	Config  *Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Audit   shared.AuditRecorder
	Metrics *inventory.Metrics
}

// Services is the assembled engine.
type Services struct {
	Ledger      *inventory.Service
	Receipts    *procurement.Service
	Transfers   *transfers.Service
	Corrections *corrections.Service
	Idempotency IdempotencyStore
	Approvals   procurement.ApprovalPort
	Audit       *audit.Service
}

// BuildServices wires the coordinator and the document services over the
// configured store driver.
func BuildServices(deps ServiceDeps) (*Services, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		stockRepo      inventory.RepositoryPort
		receiptRepo    procurement.RepositoryPort
		transferRepo   transfers.RepositoryPort
		correctionRepo corrections.RepositoryPort
		approvals      interface {
			procurement.ApprovalPort
			corrections.ApprovalPort
		}
		idem      IdempotencyStore
		auditRepo audit.Repository
	)
	recorder := deps.Audit
	switch cfg.StoreDriver {
	case StoreMemory:
		stock := inventory.NewMemoryRepository(cfg.StockLockTimeout)
		stockRepo = stock
		receiptRepo = procurement.NewMemoryRepository(stock, cfg.StockLockTimeout)
		transferRepo = transfers.NewMemoryRepository(stock, cfg.StockLockTimeout)
		correctionRepo = corrections.NewMemoryRepository(stock, cfg.StockLockTimeout)
		approvals = shared.NewMemoryApprovalRecorder()
		idem = shared.NewMemoryIdempotencyStore()
		// the memory driver keeps its own audit rows for the timeline
		auditMem := audit.NewMemoryRepository()
		auditRepo = auditMem
		recorder = shared.AuditChain{deps.Audit, auditMem}
	case StorePostgres:
		if deps.Pool == nil {
			return nil, errors.New("app: postgres driver requires a pool")
		}
		stockRepo = inventory.NewRepository(deps.Pool, cfg.StockLockTimeout)
		receiptRepo = procurement.NewRepository(deps.Pool, cfg.StockLockTimeout)
		transferRepo = transfers.NewRepository(deps.Pool, cfg.StockLockTimeout)
		correctionRepo = corrections.NewRepository(deps.Pool, cfg.StockLockTimeout)
		approvals = shared.NewApprovalRecorder(deps.Pool, logger)
		idem = shared.NewIdempotencyStore(deps.Pool)
		auditRepo = audit.NewRepository(deps.Pool)
	default:
		return nil, errors.New("app: unknown store driver " + cfg.StoreDriver)
	}

	ledger := inventory.NewService(stockRepo, recorder, inventory.ServiceConfig{
		LargeAdjustmentThreshold: cfg.LargeAdjustmentThreshold,
		Retry:                    cfg.RetryPolicy(),
		Logger:                   logger,
		Metrics:                  deps.Metrics,
	})
	return &Services{
		Ledger: ledger,
		Receipts: procurement.NewService(receiptRepo, ledger, approvals, recorder, idem, procurement.Config{
			AllowSelfApproval:       cfg.ReceiptAllowSelfApproval,
			AllowDirectSelfApproval: cfg.DirectReceiptAllowSelfApproval,
			Logger:                  logger,
		}),
		Transfers:   transfers.NewService(transferRepo, ledger, recorder, idem, logger),
		Corrections: corrections.NewService(correctionRepo, ledger, approvals, idem, logger),
		Idempotency: idem,
		Approvals:   approvals,
		Audit:       audit.NewService(auditRepo),
	}, nil
}
