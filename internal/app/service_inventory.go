package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"orchid/api/internal/email"
	"orchid/api/internal/rbac"
	"orchid/api/internal/store"
	"orchid/api/internal/util"
)

// Inventory is organization wide rather than project scoped, so its
// mutations do not feed the per-project notification fan-out.

// CreateItem registers a distributable item.
func (s *Service) CreateItem(ctx context.Context, session Session, name, description string) (store.Item, error) {
	if err := s.authorize(session, rbac.ActionManageInventory); err != nil {
		return store.Item{}, err
	}
	name, err := requireName(name)
	if err != nil {
		return store.Item{}, err
	}
	item := store.Item{ID: util.NewID("itm"), Name: name, Description: strings.TrimSpace(description)}
	if err := s.store.InsertItem(ctx, item); err != nil {
		return store.Item{}, err
	}
	return item, nil
}

// ListItems returns all items.
func (s *Service) ListItems(ctx context.Context, session Session) ([]store.Item, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListItems(ctx)
}

// DeleteItem removes an item and its stock rows.
func (s *Service) DeleteItem(ctx context.Context, session Session, itemID string) error {
	if err := s.authorize(session, rbac.ActionManageInventory); err != nil {
		return err
	}
	return s.store.DeleteItem(ctx, itemID)
}

// CreateLocation registers a storage or distribution site.
func (s *Service) CreateLocation(ctx context.Context, session Session, name, description string) (store.Location, error) {
	if err := s.authorize(session, rbac.ActionManageInventory); err != nil {
		return store.Location{}, err
	}
	name, err := requireName(name)
	if err != nil {
		return store.Location{}, err
	}
	location := store.Location{ID: util.NewID("loc"), Name: name, Description: strings.TrimSpace(description)}
	if err := s.store.InsertLocation(ctx, location); err != nil {
		return store.Location{}, err
	}
	return location, nil
}

// ListLocations returns all locations.
func (s *Service) ListLocations(ctx context.Context, session Session) ([]store.Location, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListLocations(ctx)
}

// DeleteLocation removes a location and its stock rows.
func (s *Service) DeleteLocation(ctx context.Context, session Session, locationID string) error {
	if err := s.authorize(session, rbac.ActionManageInventory); err != nil {
		return err
	}
	return s.store.DeleteLocation(ctx, locationID)
}

// ListStockLevels returns every item-at-location quantity.
func (s *Service) ListStockLevels(ctx context.Context, session Session) ([]store.StockLevel, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListStockLevels(ctx)
}

// SetStockLevel sets the absolute quantity and low-stock threshold of
// an item at a location.
func (s *Service) SetStockLevel(ctx context.Context, session Session, itemID, locationID string, quantity, threshold int) (store.StockLevel, error) {
	if err := s.authorize(session, rbac.ActionManageInventory); err != nil {
		return store.StockLevel{}, err
	}
	if quantity < 0 || threshold < 0 {
		return store.StockLevel{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "quantity and threshold must not be negative", nil)
	}
	if _, err := s.store.GetItem(ctx, itemID); err != nil {
		return store.StockLevel{}, err
	}
	if _, err := s.store.GetLocation(ctx, locationID); err != nil {
		return store.StockLevel{}, err
	}
	return s.store.UpsertStockLevel(ctx, store.StockLevel{
		ID:                util.NewID("stk"),
		ItemID:            itemID,
		LocationID:        locationID,
		Quantity:          quantity,
		LowStockThreshold: threshold,
	})
}

// DistributeStock hands out stock of an item from a location. When the
// remaining quantity falls to the threshold or below, project managers
// get an alert email. A failed send never fails the distribution.
func (s *Service) DistributeStock(ctx context.Context, session Session, itemID, locationID string, quantity int) (store.StockLevel, error) {
	if err := s.authorize(session, rbac.ActionManageInventory); err != nil {
		return store.StockLevel{}, err
	}
	if quantity <= 0 {
		return store.StockLevel{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "quantity must be positive", nil)
	}

	level, err := s.store.Distribute(ctx, itemID, locationID, quantity)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			return store.StockLevel{}, domainError(http.StatusConflict, "INSUFFICIENT_STOCK", "Not enough stock at this location", nil)
		}
		return store.StockLevel{}, err
	}

	if level.Quantity <= level.LowStockThreshold {
		s.sendLowStockAlert(ctx, level)
	}
	return level, nil
}

func (s *Service) sendLowStockAlert(ctx context.Context, level store.StockLevel) {
	if s.mail == nil || !s.mail.IsConfigured() {
		return
	}
	item, err := s.store.GetItem(ctx, level.ItemID)
	if err != nil {
		return
	}
	location, err := s.store.GetLocation(ctx, level.LocationID)
	if err != nil {
		return
	}
	managers, err := s.store.ListUsersByRole(ctx, string(rbac.RoleProjectManager))
	if err != nil || len(managers) == 0 {
		return
	}
	recipients := make([]string, 0, len(managers))
	for _, manager := range managers {
		recipients = append(recipients, manager.Email)
	}

	subject, body := email.LowStockAlert(item.Name, location.Name, level.Quantity, level.LowStockThreshold)
	go func() {
		if err := s.mail.SendEmail(recipients, subject, body); err != nil {
			log.Printf("inventory: low stock alert for %s at %s: %v", item.Name, location.Name, err)
		}
	}()
}
