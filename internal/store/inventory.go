package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrInsufficientStock is returned by Distribute when the source
// location holds less than the requested quantity.
var ErrInsufficientStock = errors.New("insufficient stock at location")

func (s *PostgresStore) InsertItem(ctx context.Context, item Item) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (id, name, description) VALUES ($1,$2,$3)`,
		item.ID, item.Name, item.Description)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListItems(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description FROM items ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	items := []Item{}
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.Name, &item.Description); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (Item, error) {
	var item Item
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description FROM items WHERE id=$1`, id).
		Scan(&item.ID, &item.Name, &item.Description)
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteItem(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) InsertLocation(ctx context.Context, location Location) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locations (id, name, description) VALUES ($1,$2,$3)`,
		location.ID, location.Name, location.Description)
	if err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLocations(ctx context.Context) ([]Location, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description FROM locations ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()
	locations := []Location{}
	for rows.Next() {
		var location Location
		if err := rows.Scan(&location.ID, &location.Name, &location.Description); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		locations = append(locations, location)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return locations, nil
}

func (s *PostgresStore) GetLocation(ctx context.Context, id string) (Location, error) {
	var location Location
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description FROM locations WHERE id=$1`, id).
		Scan(&location.ID, &location.Name, &location.Description)
	if err != nil {
		return Location{}, err
	}
	return location, nil
}

func (s *PostgresStore) DeleteLocation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM locations WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete location: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) ListStockLevels(ctx context.Context) ([]StockLevel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, location_id, quantity, low_stock_threshold
		FROM stock_levels
		ORDER BY item_id ASC, location_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list stock levels: %w", err)
	}
	defer rows.Close()
	levels := []StockLevel{}
	for rows.Next() {
		var level StockLevel
		if err := rows.Scan(&level.ID, &level.ItemID, &level.LocationID, &level.Quantity, &level.LowStockThreshold); err != nil {
			return nil, fmt.Errorf("scan stock level: %w", err)
		}
		levels = append(levels, level)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock levels: %w", err)
	}
	return levels, nil
}

// UpsertStockLevel sets the absolute quantity and threshold for an item
// at a location, creating the row on first sight. The ID on the passed
// level is used only for a fresh row; the stored ID wins on conflict.
func (s *PostgresStore) UpsertStockLevel(ctx context.Context, level StockLevel) (StockLevel, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO stock_levels (id, item_id, location_id, quantity, low_stock_threshold)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (item_id, location_id)
		DO UPDATE SET quantity=EXCLUDED.quantity, low_stock_threshold=EXCLUDED.low_stock_threshold
		RETURNING id
	`, level.ID, level.ItemID, level.LocationID, level.Quantity, level.LowStockThreshold).Scan(&level.ID)
	if err != nil {
		return StockLevel{}, fmt.Errorf("upsert stock level: %w", err)
	}
	return level, nil
}

// Distribute decrements stock of an item at a location inside one
// transaction. The source row is locked for the duration so concurrent
// distributions cannot drive the quantity negative. The updated level
// is returned so callers can check the low-stock threshold.
func (s *PostgresStore) Distribute(ctx context.Context, itemID, locationID string, quantity int) (StockLevel, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StockLevel{}, fmt.Errorf("begin distribute: %w", err)
	}
	defer tx.Rollback()

	var level StockLevel
	err = tx.QueryRowContext(ctx, `
		SELECT id, item_id, location_id, quantity, low_stock_threshold
		FROM stock_levels
		WHERE item_id=$1 AND location_id=$2
		FOR UPDATE
	`, itemID, locationID).
		Scan(&level.ID, &level.ItemID, &level.LocationID, &level.Quantity, &level.LowStockThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return StockLevel{}, sql.ErrNoRows
	}
	if err != nil {
		return StockLevel{}, fmt.Errorf("lock stock level: %w", err)
	}

	if level.Quantity < quantity {
		return StockLevel{}, ErrInsufficientStock
	}
	level.Quantity -= quantity

	if _, err := tx.ExecContext(ctx,
		`UPDATE stock_levels SET quantity=$2 WHERE id=$1`,
		level.ID, level.Quantity); err != nil {
		return StockLevel{}, fmt.Errorf("update stock level: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return StockLevel{}, fmt.Errorf("commit distribute: %w", err)
	}
	return level, nil
}
