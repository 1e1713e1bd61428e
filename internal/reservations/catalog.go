package reservations

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SaveItem creates or updates a catalog entry. Borrow bookkeeping already on
// the stored item is kept.
func (w *Workflow) SaveItem(ctx context.Context, it Item) (Item, error) {
	it.ID = strings.TrimSpace(it.ID)
	if it.ID == "" {
		return Item{}, invalidf("item id is required")
	}
	if strings.TrimSpace(it.Name) == "" {
		return Item{}, invalidf("item name is required")
	}
	if it.TotalQuantity < 0 {
		return Item{}, invalidf("total quantity must not be negative, got %d", it.TotalQuantity)
	}

	var saved Item
	err := w.inTx(ctx, "save item", func(tx Tx) error {
		if err := tx.LockItems(ctx, []string{it.ID}); err != nil {
			return err
		}
		cur, err := tx.GetItem(ctx, it.ID)
		switch {
		case err == nil:
			it.LastBorrowedBy = cur.LastBorrowedBy
			it.LastBorrowedAt = cur.LastBorrowedAt
			it.LastReturnedAt = cur.LastReturnedAt
		case !errors.Is(err, ErrNoRows):
			return fmt.Errorf("get item %s: %w", it.ID, err)
		}
		it.UpdatedAt = w.now()
		saved = it
		return tx.PutItem(ctx, it)
	})
	if err != nil {
		return Item{}, err
	}
	w.log.Info("item saved", zap.String("item_id", saved.ID), zap.Int("total_quantity", saved.TotalQuantity))
	return saved, nil
}

func (w *Workflow) GetItem(ctx context.Context, itemID string) (Item, error) {
	var it Item
	err := w.store.View(ctx, func(tx Tx) error {
		var err error
		it, err = tx.GetItem(ctx, itemID)
		if errors.Is(err, ErrNoRows) {
			return itemNotFound(itemID)
		}
		return err
	})
	return it, err
}
