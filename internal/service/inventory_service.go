package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"order-saga/internal/inventory"
	"order-saga/internal/models"
	"order-saga/internal/util"

	"go.uber.org/zap"
)

// StockMirror publishes stock levels outside the process
type StockMirror interface {
	MirrorStock(ctx context.Context, line models.InventoryLine) error
}

// InventoryService exposes the inventory ledger to the API
type InventoryService struct {
	ledger *inventory.Ledger
	mirror StockMirror
	logger *zap.Logger
}

// NewInventoryService creates a new inventory service. mirror may be nil.
func NewInventoryService(ledger *inventory.Ledger, mirror StockMirror, logger *zap.Logger) *InventoryService {
	if logger == nil {
		logger = util.GetLogger()
	}
	return &InventoryService{
		ledger: ledger,
		mirror: mirror,
		logger: logger,
	}
}

// GetInventory retrieves the stock of a product
func (s *InventoryService) GetInventory(ctx context.Context, productID string) (models.InventoryLine, error) {
	return s.ledger.Line(productID)
}

// Restock adds stock to a product. Nothing is retried on behalf of queued
// orders; they keep their place and claim the stock on their next Reserve.
func (s *InventoryService) Restock(ctx context.Context, productID string, qty int) (models.InventoryLine, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Restock")
	defer span.End()

	return s.ledger.Restock(ctx, productID, qty)
}

// Seed stocks products the ledger does not know yet. Products already
// present, for example restored from the journal, are left alone.
func (s *InventoryService) Seed(ctx context.Context, stock map[string]int) error {
	ids := make([]string, 0, len(stock))
	for id := range stock {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seeded := 0
	for _, id := range ids {
		_, err := s.ledger.Line(id)
		if err == nil {
			continue
		}
		if !errors.Is(err, inventory.ErrProductNotFound) {
			return err
		}
		if _, err := s.ledger.Restock(ctx, id, stock[id]); err != nil {
			return fmt.Errorf("failed to seed %s: %w", id, err)
		}
		seeded++
	}

	s.logger.Info("Inventory seeded", zap.Int("count", seeded))
	return nil
}

// SyncInventoryToMirror pushes every ledger line to the stock mirror
func (s *InventoryService) SyncInventoryToMirror(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	s.logger.Info("Starting inventory sync to mirror")

	lines := s.ledger.Lines()
	for _, line := range lines {
		if err := s.mirror.MirrorStock(ctx, line); err != nil {
			s.logger.Error("Failed to mirror inventory",
				zap.String("product_id", line.ProductID),
				zap.Error(err))
		}
	}

	s.logger.Info("Inventory sync completed", zap.Int("count", len(lines)))
	return nil
}
