package db

import (
	"context"
	"time"
)

// OrderRecord is one submitted order as journaled locally. Price and Qty
// are stored as decimal strings so nothing is lost to float rounding.
type OrderRecord struct {
	ClientID  uint32
	BrokerID  string
	Symbol    string
	Side      string
	Type      string
	Price     string
	Qty       string
	Status    string
	TxHash    string
	CreatedAt time.Time
}

// FillRecord is one fill attributed to a journaled order.
type FillRecord struct {
	ID          string
	ClientID    uint32
	BrokerID    string
	Symbol      string
	Side        string
	Price       string
	Qty         string
	Fee         string
	FeeCurrency string
	CreatedAt   time.Time
}

// RecordOrder inserts the journal row for a newly submitted order.
func (d *Database) RecordOrder(ctx context.Context, o OrderRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (client_id, broker_id, symbol, side, type, price, qty, status, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ClientID, o.BrokerID, o.Symbol, o.Side, o.Type, o.Price, o.Qty, o.Status, o.TxHash, o.CreatedAt)
	return err
}

// UpdateOrderStatus moves an order to a new status, attaching the
// exchange-assigned id once it is known.
func (d *Database) UpdateOrderStatus(ctx context.Context, clientID uint32, brokerID, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, broker_id = CASE WHEN ? != '' THEN ? ELSE broker_id END
		WHERE client_id = ?
	`, status, brokerID, brokerID, clientID)
	return err
}

// RecordFill inserts one fill row; duplicate fill ids are ignored since
// the indexer may redeliver after a reconnect.
func (d *Database) RecordFill(ctx context.Context, f FillRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (id, client_id, broker_id, symbol, side, price, qty, fee, fee_currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.ClientID, f.BrokerID, f.Symbol, f.Side, f.Price, f.Qty, f.Fee, f.FeeCurrency, f.CreatedAt)
	return err
}

// RecentOrders lists the newest journaled orders.
func (d *Database) RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT client_id, broker_id, symbol, side, type, price, qty, status, tx_hash, created_at
		FROM orders ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(&o.ClientID, &o.BrokerID, &o.Symbol, &o.Side, &o.Type, &o.Price, &o.Qty, &o.Status, &o.TxHash, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// FillsForOrder lists fills of one order, oldest first.
func (d *Database) FillsForOrder(ctx context.Context, clientID uint32) ([]FillRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, client_id, broker_id, symbol, side, price, qty, fee, fee_currency, created_at
		FROM fills WHERE client_id = ? ORDER BY created_at ASC
	`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FillRecord
	for rows.Next() {
		var f FillRecord
		if err := rows.Scan(&f.ID, &f.ClientID, &f.BrokerID, &f.Symbol, &f.Side, &f.Price, &f.Qty, &f.Fee, &f.FeeCurrency, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
