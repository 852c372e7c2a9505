package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) LockSession(ctx context.Context, id string) (*orders.Session, error) {
	return scanSession(t.tx.QueryRow(ctx, `SELECT `+sessionCols+` FROM checkout_sessions WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) CompleteSession(ctx context.Context, sessionID, orderID string) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE checkout_sessions SET status='completed', order_id=$2, updated_at=now()
		WHERE id=$1 AND status='pending'`, sessionID, orderID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrConflict
	}
	return nil
}

func (t *pgTx) LockProducts(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	return products(ctx, t.tx, ids, true)
}

// DecrementStock never drives stock negative: the guard is in the WHERE clause.
func (t *pgTx) DecrementStock(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return orders.ErrBadQuantity
	}
	ct, err := t.tx.Exec(ctx, `
		UPDATE products SET stock = stock - $2, updated_at=now()
		WHERE id=$1 AND $2 > 0 AND stock >= $2`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrInsufficientStock
	}
	return nil
}

func (t *pgTx) RestoreStock(ctx context.Context, productID string, qty int) error {
	ct, err := t.tx.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at=now() WHERE id=$1`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrNotFound
	}
	return nil
}

func (t *pgTx) LockDiscount(ctx context.Context, code string) (*orders.Discount, error) {
	return discount(ctx, t.tx, code, true)
}

func (t *pgTx) DiscountUsage(ctx context.Context, code string, customerID *string) (orders.DiscountUsage, error) {
	return discountUsage(ctx, t.tx, code, customerID)
}

func (t *pgTx) InsertDiscountApplication(ctx context.Context, a orders.DiscountApplication) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO discount_applications(code, customer_id, order_id, amount_cents, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		a.Code, a.CustomerID, a.OrderID, a.AmountCents, createdAt(a.CreatedAt))
	return uniqueAsConflict(err)
}

func (t *pgTx) GetCustomer(ctx context.Context, id string) (*orders.Customer, error) {
	return customer(ctx, t.tx, id)
}

func (t *pgTx) CountOrdersSince(ctx context.Context, customerID string, since time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders WHERE customer_id=$1 AND created_at >= $2`, customerID, since).Scan(&n)
	return n, err
}

func (t *pgTx) InsertOrder(ctx context.Context, o *orders.Order) error {
	ship, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}
	bill, err := json.Marshal(o.BillingAddress)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO orders(
			id, session_id, customer_id, subtotal_cents, tax_cents, shipping_cents, discount_cents, total_cents,
			discount_code, currency, payment_method, intent_id, shipping_address, billing_address,
			fraud_score, fraud_level, requires_manual_review, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$19)`,
		o.ID, o.SessionID, o.CustomerID, o.SubtotalCents, o.TaxCents, o.ShippingCents, o.DiscountCents, o.TotalCents,
		o.DiscountCode, o.Currency, string(o.PaymentMethod), o.IntentID, ship, bill,
		o.FraudScore, o.FraudLevel, o.RequiresManualReview, string(o.Status), createdAt(o.CreatedAt))
	if err != nil {
		return uniqueAsConflict(err)
	}

	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(`
			INSERT INTO order_items(order_id, position, product_id, qty, unit_price_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			o.ID, it.Position, it.ProductID, it.Qty, it.UnitPriceCents, it.LineTotalCents)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (*orders.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := loadOrderChildren(ctx, t.tx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, id string, status orders.OrderStatus, manualReview bool) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status=$2, requires_manual_review=$3, updated_at=now()
		WHERE id=$1`, id, string(status), manualReview)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendStatus(ctx context.Context, e orders.StatusHistoryEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO order_status_history(order_id, status, note, created_at)
		VALUES ($1,$2,$3,$4)`, e.OrderID, string(e.Status), e.Note, createdAt(e.CreatedAt))
	return err
}

func (t *pgTx) EnqueueReview(ctx context.Context, r orders.ReviewItem) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO review_queue(order_id, reason, created_at) VALUES ($1,$2,$3)`,
		r.OrderID, r.Reason, createdAt(r.CreatedAt))
	return err
}

func (t *pgTx) ClearCart(ctx context.Context, cartID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM cart_items WHERE cart_id=$1`, cartID)
	return err
}

// uniqueAsConflict maps a unique_violation (23505) to orders.ErrConflict.
func uniqueAsConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return orders.ErrConflict
	}
	return err
}
