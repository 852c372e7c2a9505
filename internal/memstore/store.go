// Package memstore is an in-process orders.Store used by tests and by the
// api binary when STORE_DRIVER=memory. A transaction runs against a copy of
// the state and is swapped in only when fn returns nil.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
)

type state struct {
	products  map[string]orders.Product
	customers map[string]orders.Customer
	carts     map[string][]orders.LineItem
	discounts map[string]orders.Discount
	apps      []orders.DiscountApplication
	sessions  map[string]orders.Session
	orders    map[string]orders.Order
	reviews   []orders.ReviewItem
	anomalies []orders.SessionAnomaly
}

func newState() *state {
	return &state{
		products:  map[string]orders.Product{},
		customers: map[string]orders.Customer{},
		carts:     map[string][]orders.LineItem{},
		discounts: map[string]orders.Discount{},
		sessions:  map[string]orders.Session{},
		orders:    map[string]orders.Order{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.carts {
		c.carts[k] = append([]orders.LineItem(nil), v...)
	}
	for k, v := range s.discounts {
		c.discounts[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = copySession(v)
	}
	for k, v := range s.orders {
		c.orders[k] = copyOrder(v)
	}
	c.apps = append([]orders.DiscountApplication(nil), s.apps...)
	c.reviews = append([]orders.ReviewItem(nil), s.reviews...)
	c.anomalies = append([]orders.SessionAnomaly(nil), s.anomalies...)
	return c
}

func copySession(s orders.Session) orders.Session {
	s.Items = append([]orders.LineItem(nil), s.Items...)
	return s
}

func copyOrder(o orders.Order) orders.Order {
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	o.History = append([]orders.StatusHistoryEntry(nil), o.History...)
	return o
}

// Store serializes every transaction behind one mutex, which is at least as
// strong as the row locks the postgres store takes.
type Store struct {
	mu  sync.Mutex
	st  *state
	Now func() time.Time
}

var _ orders.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&memTx{st: work, now: s.now}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// ---- seed & inspection helpers ----

func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

func (s *Store) PutCustomer(c orders.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.customers[c.ID] = c
}

func (s *Store) PutCart(cartID string, items []orders.LineItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.carts[cartID] = append([]orders.LineItem(nil), items...)
}

func (s *Store) PutDiscount(d orders.Discount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.discounts[d.Code] = d
}

// SeedOrder inserts a finished order directly, bypassing finalization.
func (s *Store) SeedOrder(o orders.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.orders[o.ID] = copyOrder(o)
}

func (s *Store) Product(id string) (orders.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.products[id]
	return p, ok
}

func (s *Store) Cart(cartID string) []orders.LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orders.LineItem(nil), s.st.carts[cartID]...)
}

func (s *Store) DiscountApplications(code string) []orders.DiscountApplication {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.DiscountApplication
	for _, a := range s.st.apps {
		if a.Code == code {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Orders() []orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.Order, 0, len(s.st.orders))
	for _, o := range s.st.orders {
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.sessions)
}

func (s *Store) Anomalies() []orders.SessionAnomaly {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orders.SessionAnomaly(nil), s.st.anomalies...)
}

// ---- Catalog ----

func (s *Store) GetCart(_ context.Context, cartID string) ([]orders.LineItem, error) {
	return s.Cart(cartID), nil
}

func (s *Store) Products(_ context.Context, ids []string) (map[string]orders.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.lookupProducts(ids), nil
}

func (s *Store) LookupDiscount(_ context.Context, code string) (*orders.Discount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.st.discounts[code]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &d, nil
}

func (s *Store) DiscountUsage(_ context.Context, code string, customerID *string) (orders.DiscountUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.usage(code, customerID), nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*orders.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.customer(id)
}

// ---- SessionStore ----

func (s *Store) CreateSession(_ context.Context, sess *orders.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.sessions[sess.ID]; ok {
		return orders.ErrConflict
	}
	s.st.sessions[sess.ID] = copySession(*sess)
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*orders.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.session(id)
}

func (s *Store) GetSessionByIntent(_ context.Context, intentID string) (*orders.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if intentID == "" {
		return nil, orders.ErrNotFound
	}
	for _, sess := range s.st.sessions {
		if sess.IntentID == intentID {
			c := copySession(sess)
			return &c, nil
		}
	}
	return nil, orders.ErrNotFound
}

// AttachIntent succeeds when the session is pending and has no intent yet,
// or already carries the same intent.
func (s *Store) AttachIntent(_ context.Context, sessionID string, ref orders.IntentRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.st.sessions[sessionID]
	if !ok {
		return orders.ErrNotFound
	}
	if sess.Status != orders.SessionPending || (sess.IntentID != "" && sess.IntentID != ref.ID) {
		return orders.ErrConflict
	}
	sess.IntentID = ref.ID
	sess.ClientSecret = ref.ClientSecret
	sess.UpdatedAt = s.now()
	s.st.sessions[sessionID] = sess
	return nil
}

func (s *Store) TransitionSession(_ context.Context, id string, to orders.SessionStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.st.sessions[id]
	if !ok {
		return orders.ErrNotFound
	}
	if sess.Status != orders.SessionPending {
		return orders.ErrConflict
	}
	sess.Status = to
	sess.FailureReason = reason
	sess.UpdatedAt = s.now()
	s.st.sessions[id] = sess
	return nil
}

func (s *Store) SetRefundState(_ context.Context, id string, st orders.RefundState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.st.sessions[id]
	if !ok {
		return orders.ErrNotFound
	}
	sess.RefundState = st
	sess.UpdatedAt = s.now()
	s.st.sessions[id] = sess
	return nil
}

func (s *Store) ExpireSessions(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.st.sessions {
		if sess.Status == orders.SessionPending && !now.Before(sess.ExpiresAt) {
			sess.Status = orders.SessionExpired
			sess.FailureReason = "EXPIRED"
			sess.UpdatedAt = now
			s.st.sessions[id] = sess
			n++
		}
	}
	return n, nil
}

func (s *Store) RecordAnomaly(_ context.Context, a orders.SessionAnomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.anomalies = append(s.st.anomalies, a)
	return nil
}

// ---- OrderStore ----

func (s *Store) GetOrder(_ context.Context, id string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.order(id)
}

func (s *Store) ListReviewQueue(_ context.Context, limit int) ([]orders.ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]orders.ReviewItem(nil), s.st.reviews...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- shared lookups ----

func (s *state) lookupProducts(ids []string) map[string]orders.Product {
	out := make(map[string]orders.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out
}

func (s *state) usage(code string, customerID *string) orders.DiscountUsage {
	var u orders.DiscountUsage
	for _, a := range s.apps {
		if a.Code != code {
			continue
		}
		u.Total++
		if customerID != nil && a.CustomerID != nil && *a.CustomerID == *customerID {
			u.PerCustomer++
		}
	}
	return u
}

func (s *state) customer(id string) (*orders.Customer, error) {
	c, ok := s.customers[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &c, nil
}

func (s *state) session(id string) (*orders.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	c := copySession(sess)
	return &c, nil
}

func (s *state) order(id string) (*orders.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	c := copyOrder(o)
	return &c, nil
}
