package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store is the orders.Store backed by postgres. Pending-conditioned writes are
// single UPDATE ... WHERE status='pending' statements checked by RowsAffected.
type Store struct{ DB *pgxpool.Pool }

var _ orders.Store = (*Store)(nil)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ---- Catalog ----

func (s *Store) GetCart(ctx context.Context, cartID string) ([]orders.LineItem, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT product_id, qty, unit_price_cents
		FROM cart_items WHERE cart_id=$1 ORDER BY position`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.LineItem
	for rows.Next() {
		var li orders.LineItem
		if err := rows.Scan(&li.ProductID, &li.Qty, &li.UnitPriceCents); err != nil {
			return nil, err
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

func (s *Store) Products(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	return products(ctx, s.DB, ids, false)
}

func (s *Store) LookupDiscount(ctx context.Context, code string) (*orders.Discount, error) {
	return discount(ctx, s.DB, code, false)
}

func (s *Store) DiscountUsage(ctx context.Context, code string, customerID *string) (orders.DiscountUsage, error) {
	return discountUsage(ctx, s.DB, code, customerID)
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*orders.Customer, error) {
	return customer(ctx, s.DB, id)
}

// ---- SessionStore ----

func (s *Store) CreateSession(ctx context.Context, sess *orders.Session) error {
	items, err := json.Marshal(sess.Items)
	if err != nil {
		return err
	}
	ship, err := json.Marshal(sess.ShippingAddress)
	if err != nil {
		return err
	}
	bill, err := json.Marshal(sess.BillingAddress)
	if err != nil {
		return err
	}
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO checkout_sessions(
			id, cart_id, customer_id, shipping_address, billing_address, shipping_method, payment_method, items,
			subtotal_cents, tax_cents, shipping_cents, discount_cents, total_cents, discount_code, currency,
			status, ip_address, user_agent, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$20)
		ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.CartID, sess.CustomerID, ship, bill, sess.ShippingMethod, string(sess.PaymentMethod), items,
		sess.SubtotalCents, sess.TaxCents, sess.ShippingCents, sess.DiscountCents, sess.TotalCents, sess.DiscountCode, sess.Currency,
		string(sess.Status), sess.IPAddress, sess.UserAgent, sess.ExpiresAt, createdAt(sess.CreatedAt))
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrConflict
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*orders.Session, error) {
	return scanSession(s.DB.QueryRow(ctx, `SELECT `+sessionCols+` FROM checkout_sessions WHERE id=$1`, id))
}

func (s *Store) GetSessionByIntent(ctx context.Context, intentID string) (*orders.Session, error) {
	if intentID == "" {
		return nil, orders.ErrNotFound
	}
	return scanSession(s.DB.QueryRow(ctx, `SELECT `+sessionCols+` FROM checkout_sessions WHERE intent_id=$1`, intentID))
}

func (s *Store) AttachIntent(ctx context.Context, sessionID string, ref orders.IntentRef) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE checkout_sessions
		SET intent_id=$2, client_secret=$3, updated_at=now()
		WHERE id=$1 AND status='pending' AND (intent_id='' OR intent_id=$2)`,
		sessionID, ref.ID, ref.ClientSecret)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return s.missingOr(ctx, sessionID, orders.ErrConflict)
	}
	return nil
}

func (s *Store) TransitionSession(ctx context.Context, id string, to orders.SessionStatus, reason string) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE checkout_sessions SET status=$2, failure_reason=$3, updated_at=now()
		WHERE id=$1 AND status='pending'`, id, string(to), reason)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return s.missingOr(ctx, id, orders.ErrConflict)
	}
	return nil
}

func (s *Store) SetRefundState(ctx context.Context, id string, st orders.RefundState) error {
	ct, err := s.DB.Exec(ctx, `UPDATE checkout_sessions SET refund_state=$2, updated_at=now() WHERE id=$1`, id, string(st))
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrNotFound
	}
	return nil
}

func (s *Store) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE checkout_sessions SET status='expired', failure_reason='EXPIRED', updated_at=$1
		WHERE status='pending' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) RecordAnomaly(ctx context.Context, a orders.SessionAnomaly) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO session_anomalies(session_id, event_type, observed_status, note, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		a.SessionID, a.EventType, string(a.ObservedStatus), a.Note, createdAt(a.CreatedAt))
	return err
}

// ---- OrderStore ----

func (s *Store) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return nil, err
	}
	if err := loadOrderChildren(ctx, s.DB, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) ListReviewQueue(ctx context.Context, limit int) ([]orders.ReviewItem, error) {
	q := `SELECT order_id, reason, created_at FROM review_queue ORDER BY id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.ReviewItem
	for rows.Next() {
		var r orders.ReviewItem
		if err := rows.Scan(&r.OrderID, &r.Reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// missingOr distinguishes a lost condition from a row that does not exist.
func (s *Store) missingOr(ctx context.Context, id string, lost error) error {
	var one int
	err := s.DB.QueryRow(ctx, `SELECT 1 FROM checkout_sessions WHERE id=$1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.ErrNotFound
	}
	if err != nil {
		return err
	}
	return lost
}

// ---- shared queries ----

const sessionCols = `id, cart_id, customer_id, shipping_address, billing_address, shipping_method, payment_method, items,
	subtotal_cents, tax_cents, shipping_cents, discount_cents, total_cents, discount_code, currency,
	intent_id, client_secret, status, failure_reason, refund_state, order_id, ip_address, user_agent,
	expires_at, created_at, updated_at`

func scanSession(row pgx.Row) (*orders.Session, error) {
	var (
		s                 orders.Session
		ship, bill, items []byte
		method, status    string
		refund            string
	)
	err := row.Scan(&s.ID, &s.CartID, &s.CustomerID, &ship, &bill, &s.ShippingMethod, &method, &items,
		&s.SubtotalCents, &s.TaxCents, &s.ShippingCents, &s.DiscountCents, &s.TotalCents, &s.DiscountCode, &s.Currency,
		&s.IntentID, &s.ClientSecret, &status, &s.FailureReason, &refund, &s.OrderID, &s.IPAddress, &s.UserAgent,
		&s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.PaymentMethod = orders.PaymentMethod(method)
	s.Status = orders.SessionStatus(status)
	s.RefundState = orders.RefundState(refund)
	if err := unmarshalAll(map[string][]byte{"shipping_address": ship, "billing_address": bill, "items": items},
		map[string]any{"shipping_address": &s.ShippingAddress, "billing_address": &s.BillingAddress, "items": &s.Items}); err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}
	return &s, nil
}

const orderCols = `id, session_id, customer_id, subtotal_cents, tax_cents, shipping_cents, discount_cents, total_cents,
	discount_code, currency, payment_method, intent_id, shipping_address, billing_address,
	fraud_score, fraud_level, requires_manual_review, status, created_at, updated_at`

func scanOrder(row pgx.Row) (*orders.Order, error) {
	var (
		o              orders.Order
		ship, bill     []byte
		method, status string
	)
	err := row.Scan(&o.ID, &o.SessionID, &o.CustomerID, &o.SubtotalCents, &o.TaxCents, &o.ShippingCents, &o.DiscountCents, &o.TotalCents,
		&o.DiscountCode, &o.Currency, &method, &o.IntentID, &ship, &bill,
		&o.FraudScore, &o.FraudLevel, &o.RequiresManualReview, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.PaymentMethod = orders.PaymentMethod(method)
	o.Status = orders.OrderStatus(status)
	if err := unmarshalAll(map[string][]byte{"shipping_address": ship, "billing_address": bill},
		map[string]any{"shipping_address": &o.ShippingAddress, "billing_address": &o.BillingAddress}); err != nil {
		return nil, fmt.Errorf("order %s: %w", o.ID, err)
	}
	return &o, nil
}

func loadOrderChildren(ctx context.Context, q querier, o *orders.Order) error {
	rows, err := q.Query(ctx, `
		SELECT position, product_id, qty, unit_price_cents, line_total_cents
		FROM order_items WHERE order_id=$1 ORDER BY position`, o.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		it := orders.OrderItem{OrderID: o.ID}
		if err := rows.Scan(&it.Position, &it.ProductID, &it.Qty, &it.UnitPriceCents, &it.LineTotalCents); err != nil {
			rows.Close()
			return err
		}
		o.Items = append(o.Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.Query(ctx, `
		SELECT status, note, created_at FROM order_status_history
		WHERE order_id=$1 ORDER BY id`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e      = orders.StatusHistoryEntry{OrderID: o.ID}
			status string
		)
		if err := rows.Scan(&status, &e.Note, &e.CreatedAt); err != nil {
			return err
		}
		e.Status = orders.OrderStatus(status)
		o.History = append(o.History, e)
	}
	return rows.Err()
}

func products(ctx context.Context, q querier, ids []string, lock bool) (map[string]orders.Product, error) {
	sql := `SELECT id, COALESCE(sku,''), name, stock, price_cents, created_at, updated_at
		FROM products WHERE id = ANY($1) ORDER BY id`
	if lock {
		// urutan id yang tetap supaya dua transaksi tidak saling deadlock
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]orders.Product, len(ids))
	for rows.Next() {
		var p orders.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Stock, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func discount(ctx context.Context, q querier, code string, lock bool) (*orders.Discount, error) {
	sql := `SELECT code, kind, percent::text, amount_cents, active, starts_at, expires_at,
		minimum_cents, usage_limit_per_customer, usage_limit_total
		FROM discounts WHERE code=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var (
		d       orders.Discount
		kind    string
		percent string
	)
	err := q.QueryRow(ctx, sql, code).Scan(&d.Code, &kind, &percent, &d.AmountCents, &d.Active, &d.StartsAt, &d.ExpiresAt,
		&d.MinimumCents, &d.UsageLimitPerCustomer, &d.UsageLimitTotal)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Kind = orders.DiscountKind(kind)
	if d.Percent, err = decimal.NewFromString(percent); err != nil {
		return nil, fmt.Errorf("discount %s percent: %w", code, err)
	}
	return &d, nil
}

func discountUsage(ctx context.Context, q querier, code string, customerID *string) (orders.DiscountUsage, error) {
	var u orders.DiscountUsage
	err := q.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE $2::text IS NOT NULL AND customer_id = $2)
		FROM discount_applications WHERE code=$1`, code, customerID).Scan(&u.Total, &u.PerCustomer)
	return u, err
}

func customer(ctx context.Context, q querier, id string) (*orders.Customer, error) {
	var c orders.Customer
	err := q.QueryRow(ctx, `SELECT id, email, created_at FROM customers WHERE id=$1`, id).Scan(&c.ID, &c.Email, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func unmarshalAll(raw map[string][]byte, dst map[string]any) error {
	for k, b := range raw {
		if err := json.Unmarshal(b, dst[k]); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
	}
	return nil
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
