package memstore

import (
	"context"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
)

// memTx writes into a private copy of the state; Store.WithinTx publishes it.
type memTx struct {
	st  *state
	now func() time.Time
}

func (t *memTx) LockSession(_ context.Context, id string) (*orders.Session, error) {
	return t.st.session(id)
}

func (t *memTx) CompleteSession(_ context.Context, sessionID, orderID string) error {
	sess, ok := t.st.sessions[sessionID]
	if !ok {
		return orders.ErrNotFound
	}
	if sess.Status != orders.SessionPending {
		return orders.ErrConflict
	}
	sess.Status = orders.SessionCompleted
	sess.OrderID = orderID
	sess.UpdatedAt = t.now()
	t.st.sessions[sessionID] = sess
	return nil
}

func (t *memTx) LockProducts(_ context.Context, ids []string) (map[string]orders.Product, error) {
	return t.st.lookupProducts(ids), nil
}

func (t *memTx) DecrementStock(_ context.Context, productID string, qty int) error {
	if qty <= 0 {
		return orders.ErrBadQuantity
	}
	p, ok := t.st.products[productID]
	if !ok {
		return orders.ErrNotFound
	}
	if p.Stock < qty {
		return orders.ErrInsufficientStock
	}
	p.Stock -= qty
	p.UpdatedAt = t.now()
	t.st.products[productID] = p
	return nil
}

func (t *memTx) RestoreStock(_ context.Context, productID string, qty int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return orders.ErrNotFound
	}
	p.Stock += qty
	p.UpdatedAt = t.now()
	t.st.products[productID] = p
	return nil
}

func (t *memTx) LockDiscount(_ context.Context, code string) (*orders.Discount, error) {
	d, ok := t.st.discounts[code]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &d, nil
}

func (t *memTx) DiscountUsage(_ context.Context, code string, customerID *string) (orders.DiscountUsage, error) {
	return t.st.usage(code, customerID), nil
}

func (t *memTx) InsertDiscountApplication(_ context.Context, a orders.DiscountApplication) error {
	t.st.apps = append(t.st.apps, a)
	return nil
}

func (t *memTx) GetCustomer(_ context.Context, id string) (*orders.Customer, error) {
	return t.st.customer(id)
}

func (t *memTx) CountOrdersSince(_ context.Context, customerID string, since time.Time) (int, error) {
	n := 0
	for _, o := range t.st.orders {
		if o.CustomerID != nil && *o.CustomerID == customerID && !o.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertOrder(_ context.Context, o *orders.Order) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return orders.ErrConflict
	}
	for _, existing := range t.st.orders {
		if existing.SessionID == o.SessionID {
			return orders.ErrConflict
		}
	}
	c := copyOrder(*o)
	c.History = nil
	t.st.orders[o.ID] = c
	return nil
}

func (t *memTx) LockOrder(_ context.Context, id string) (*orders.Order, error) {
	return t.st.order(id)
}

func (t *memTx) UpdateOrder(_ context.Context, id string, status orders.OrderStatus, manualReview bool) error {
	o, ok := t.st.orders[id]
	if !ok {
		return orders.ErrNotFound
	}
	o.Status = status
	o.RequiresManualReview = manualReview
	o.UpdatedAt = t.now()
	t.st.orders[id] = o
	return nil
}

func (t *memTx) AppendStatus(_ context.Context, e orders.StatusHistoryEntry) error {
	o, ok := t.st.orders[e.OrderID]
	if !ok {
		return orders.ErrNotFound
	}
	o.History = append(o.History, e)
	t.st.orders[e.OrderID] = o
	return nil
}

func (t *memTx) EnqueueReview(_ context.Context, r orders.ReviewItem) error {
	t.st.reviews = append(t.st.reviews, r)
	return nil
}

func (t *memTx) ClearCart(_ context.Context, cartID string) error {
	delete(t.st.carts, cartID)
	return nil
}
