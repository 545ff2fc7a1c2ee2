package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hazelcart/fulfillment/internal/domain"
	"github.com/hazelcart/fulfillment/internal/repositories"
)

const (
	eventLedgerDeduct = "ledger.deduct"
	eventLedgerAdjust = "ledger.adjust"

	defaultMovementListLimit = 100
)

// StockLedgerDeps bundles the collaborators required to construct a stock ledger.
type StockLedgerDeps struct {
	Catalog     repositories.CatalogRepository
	Ledger      repositories.LedgerRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type stockLedger struct {
	catalog repositories.CatalogRepository
	ledger  repositories.LedgerRepository
	unit    repositories.UnitOfWork
	clock   func() time.Time
	newID   func() string
	logger  func(context.Context, string, map[string]any)
}

// NewStockLedger wires dependencies into a concrete StockLedger implementation.
func NewStockLedger(deps StockLedgerDeps) (StockLedger, error) {
	if deps.Catalog == nil {
		return nil, errors.New("stock ledger: catalog repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("stock ledger: ledger repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("stock ledger: unit of work is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stockLedger{
		catalog: deps.Catalog,
		ledger:  deps.Ledger,
		unit:    deps.UnitOfWork,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Deduct applies a sale deduction for one order line inside its own unit of
// work. The movement ID is derived from the order and product so a repeated
// call for the same pair replays the stored movement instead of deducting
// twice.
func (s *stockLedger) Deduct(ctx context.Context, cmd DeductStockCommand) (Deduction, error) {
	if err := validateDeductInput(cmd); err != nil {
		return Deduction{}, err
	}

	var deduction Deduction
	err := s.unit.RunInTx(ctx, func(txCtx context.Context) error {
		plan, err := s.PrepareDeductions(txCtx, []DeductStockCommand{cmd})
		if err != nil {
			return err
		}
		if err := s.CommitDeductions(txCtx, plan); err != nil {
			return err
		}
		deduction = plan.Items[0]
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// A concurrent caller won the movement insert; replay its movement.
			return s.replaySaleMovement(ctx, cmd)
		}
		return Deduction{}, err
	}

	if !deduction.Replayed {
		s.logger(ctx, eventLedgerDeduct, map[string]any{
			"productId":   cmd.ProductID,
			"orderId":     cmd.OrderID,
			"quantity":    cmd.Quantity,
			"stockOnHand": deduction.StockOnHand,
		})
	}
	return deduction, nil
}

// PrepareDeductions runs the read phase of a batch of sale deductions: every
// movement lookup and catalog read happens here, before the caller issues its
// first write. Levels accumulate across items, so a later line for a product
// is checked against the level the earlier lines leave behind rather than the
// stored one.
func (s *stockLedger) PrepareDeductions(ctx context.Context, items []DeductStockCommand) (DeductionPlan, error) {
	plan := DeductionPlan{Items: make([]Deduction, 0, len(items))}
	levels := make(map[string]int, len(items))
	planned := make(map[string]int, len(items))
	written := make(map[string]bool, len(items))
	deducted := make([]string, 0, len(items))
	now := s.clock()

	for _, cmd := range items {
		if err := validateDeductInput(cmd); err != nil {
			return DeductionPlan{}, err
		}

		movementID := saleMovementID(cmd.OrderID, cmd.ProductID)

		if idx, ok := planned[movementID]; ok {
			// A repeated line for the same order and product folds into the
			// movement already planned for the pair.
			level := levels[cmd.ProductID]
			if level < cmd.Quantity {
				return DeductionPlan{}, &InsufficientStockError{
					ProductID: cmd.ProductID,
					Requested: cmd.Quantity,
					Available: level,
				}
			}
			plan.Inserts[idx].Delta -= cmd.Quantity
			levels[cmd.ProductID] = level - cmd.Quantity
			plan.Items = append(plan.Items, Deduction{Movement: plan.Inserts[idx], StockOnHand: levels[cmd.ProductID]})
			continue
		}

		existing, err := s.ledger.FindMovement(ctx, movementID)
		if err == nil {
			level, lerr := s.stockLevel(ctx, levels, cmd.ProductID)
			if lerr != nil {
				return DeductionPlan{}, lerr
			}
			plan.Items = append(plan.Items, Deduction{Movement: existing, StockOnHand: level, Replayed: true})
			continue
		}
		if !isRepoNotFound(err) {
			return DeductionPlan{}, s.mapRepositoryError(err)
		}

		level, err := s.stockLevel(ctx, levels, cmd.ProductID)
		if err != nil {
			return DeductionPlan{}, err
		}
		if level < cmd.Quantity {
			return DeductionPlan{}, &InsufficientStockError{
				ProductID: cmd.ProductID,
				Requested: cmd.Quantity,
				Available: level,
			}
		}

		movement := domain.StockMovement{
			ID:             movementID,
			ProductID:      cmd.ProductID,
			OrderID:        cmd.OrderID,
			Delta:          -cmd.Quantity,
			Reason:         domain.MovementReasonSale,
			IdempotencyKey: movementID,
			CreatedAt:      now,
		}
		planned[movementID] = len(plan.Inserts)
		plan.Inserts = append(plan.Inserts, movement)
		if !written[cmd.ProductID] {
			written[cmd.ProductID] = true
			deducted = append(deducted, cmd.ProductID)
		}
		levels[cmd.ProductID] = level - cmd.Quantity
		plan.Items = append(plan.Items, Deduction{Movement: movement, StockOnHand: levels[cmd.ProductID]})
	}

	for _, productID := range deducted {
		plan.Updates = append(plan.Updates, StockLevelUpdate{ProductID: productID, StockOnHand: levels[productID]})
	}
	return plan, nil
}

// CommitDeductions applies a prepared plan: movement inserts first, then the
// resulting stock levels. It performs no reads.
func (s *stockLedger) CommitDeductions(ctx context.Context, plan DeductionPlan) error {
	now := s.clock()
	for _, movement := range plan.Inserts {
		if err := s.ledger.InsertMovement(ctx, movement); err != nil {
			return s.mapRepositoryError(err)
		}
	}
	for _, update := range plan.Updates {
		if err := s.catalog.UpdateStock(ctx, update.ProductID, update.StockOnHand, now); err != nil {
			return s.mapRepositoryError(err)
		}
	}
	return nil
}

// Adjust appends an operator-driven movement inside its own unit of work, so
// the floor check, the movement, and the level write commit or roll back
// together. Negative deltas are subject to the same non-negative floor as
// sales.
func (s *stockLedger) Adjust(ctx context.Context, cmd AdjustStockCommand) (Adjustment, error) {
	if err := validateAdjustInput(cmd); err != nil {
		return Adjustment{}, err
	}

	var adjustment Adjustment
	err := s.unit.RunInTx(ctx, func(txCtx context.Context) error {
		product, err := s.catalog.FindByID(txCtx, cmd.ProductID)
		if err != nil {
			if isRepoNotFound(err) {
				return fmt.Errorf("%w: product %s", ErrProductNotFound, cmd.ProductID)
			}
			return s.mapRepositoryError(err)
		}

		next := product.StockOnHand + cmd.Delta
		if next < 0 {
			return &InsufficientStockError{
				ProductID: cmd.ProductID,
				Requested: -cmd.Delta,
				Available: product.StockOnHand,
			}
		}

		now := s.clock()
		movement := domain.StockMovement{
			ID:        "mov_" + s.newID(),
			ProductID: cmd.ProductID,
			Delta:     cmd.Delta,
			Reason:    cmd.Reason,
			CreatedAt: now,
		}

		if err := s.ledger.InsertMovement(txCtx, movement); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.catalog.UpdateStock(txCtx, cmd.ProductID, next, now); err != nil {
			return s.mapRepositoryError(err)
		}

		adjustment = Adjustment{Movement: movement, StockOnHand: next}
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}

	s.logger(ctx, eventLedgerAdjust, map[string]any{
		"productId":   cmd.ProductID,
		"delta":       cmd.Delta,
		"reason":      string(cmd.Reason),
		"stockOnHand": adjustment.StockOnHand,
	})

	return adjustment, nil
}

func (s *stockLedger) ListMovements(ctx context.Context, productID string, query MovementQuery) ([]domain.StockMovement, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}
	if query.Reason != "" && !query.Reason.Valid() {
		return nil, fmt.Errorf("%w: unknown movement reason %q", ErrInvalidInput, query.Reason)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = defaultMovementListLimit
	}

	movements, err := s.ledger.ListByProduct(ctx, productID, repositories.LedgerFilter{
		Reason: query.Reason,
		Limit:  limit,
	})
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return movements, nil
}

// stockLevel returns the working stock level for a product, reading the
// catalog only the first time a batch touches the product.
func (s *stockLedger) stockLevel(ctx context.Context, levels map[string]int, productID string) (int, error) {
	if level, ok := levels[productID]; ok {
		return level, nil
	}
	product, err := s.catalog.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return 0, fmt.Errorf("%w: product %s", ErrProductNotFound, productID)
		}
		return 0, s.mapRepositoryError(err)
	}
	levels[productID] = product.StockOnHand
	return product.StockOnHand, nil
}

// replaySaleMovement rebuilds a Deduction from a previously stored movement
// without touching stock again.
func (s *stockLedger) replaySaleMovement(ctx context.Context, cmd DeductStockCommand) (Deduction, error) {
	movement, err := s.ledger.FindMovement(ctx, saleMovementID(cmd.OrderID, cmd.ProductID))
	if err != nil {
		return Deduction{}, s.mapRepositoryError(err)
	}
	product, err := s.catalog.FindByID(ctx, movement.ProductID)
	if err != nil {
		return Deduction{}, s.mapRepositoryError(err)
	}
	return Deduction{Movement: movement, StockOnHand: product.StockOnHand, Replayed: true}, nil
}

func (s *stockLedger) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var ledgerErr *repositories.LedgerError
	if errors.As(err, &ledgerErr) {
		switch ledgerErr.Code {
		case repositories.LedgerErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrInsufficientStock, ledgerErr.Message)
		case repositories.LedgerErrorProductNotFound:
			return fmt.Errorf("%w: %s", ErrProductNotFound, ledgerErr.Message)
		case repositories.LedgerErrorMovementExists:
			return fmt.Errorf("%w: %s", ErrConflict, ledgerErr.Message)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %s", ErrProductNotFound, repoErr.Error())
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %s", ErrConflict, repoErr.Error())
		}
	}

	return err
}

func validateDeductInput(cmd DeductStockCommand) error {
	if strings.TrimSpace(cmd.ProductID) == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(cmd.OrderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	return nil
}

func validateAdjustInput(cmd AdjustStockCommand) error {
	if strings.TrimSpace(cmd.ProductID) == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}
	if cmd.Delta == 0 {
		return fmt.Errorf("%w: delta must be non-zero", ErrInvalidInput)
	}
	if !cmd.Reason.Valid() || cmd.Reason == domain.MovementReasonSale {
		return fmt.Errorf("%w: unsupported adjustment reason %q", ErrInvalidInput, cmd.Reason)
	}
	return nil
}

func saleMovementID(orderID, productID string) string {
	return fmt.Sprintf("%s:%s:%s", orderID, productID, domain.MovementReasonSale)
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
