package orders

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conditional write lost")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrBadQuantity       = errors.New("quantity must be positive")
)

// Catalog groups the read-only collaborators: cart store, inventory,
// discount registry and customer directory.
type Catalog interface {
	GetCart(ctx context.Context, cartID string) ([]LineItem, error)
	Products(ctx context.Context, ids []string) (map[string]Product, error)
	LookupDiscount(ctx context.Context, code string) (*Discount, error)
	DiscountUsage(ctx context.Context, code string, customerID *string) (DiscountUsage, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)
}

// SessionStore mutates sessions only through pending-conditioned writes.
// Methods that lose the condition return ErrConflict.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByIntent(ctx context.Context, intentID string) (*Session, error)
	AttachIntent(ctx context.Context, sessionID string, ref IntentRef) error
	TransitionSession(ctx context.Context, id string, to SessionStatus, reason string) error
	SetRefundState(ctx context.Context, id string, st RefundState) error
	ExpireSessions(ctx context.Context, now time.Time) (int, error)
	RecordAnomaly(ctx context.Context, a SessionAnomaly) error
}

type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListReviewQueue(ctx context.Context, limit int) ([]ReviewItem, error)
}

type TxRunner interface {
	// WithinTx runs fn in one transaction; any error from fn rolls back every write.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

type Store interface {
	Catalog
	SessionStore
	OrderStore
	TxRunner
}

// Tx is the unit of work used by finalization and order transitions.
// Lock* methods hold the row until the transaction ends.
type Tx interface {
	LockSession(ctx context.Context, id string) (*Session, error)
	CompleteSession(ctx context.Context, sessionID, orderID string) error

	LockProducts(ctx context.Context, ids []string) (map[string]Product, error)
	DecrementStock(ctx context.Context, productID string, qty int) error
	RestoreStock(ctx context.Context, productID string, qty int) error

	LockDiscount(ctx context.Context, code string) (*Discount, error)
	DiscountUsage(ctx context.Context, code string, customerID *string) (DiscountUsage, error)
	InsertDiscountApplication(ctx context.Context, a DiscountApplication) error

	GetCustomer(ctx context.Context, id string) (*Customer, error)
	CountOrdersSince(ctx context.Context, customerID string, since time.Time) (int, error)

	InsertOrder(ctx context.Context, o *Order) error
	LockOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, id string, status OrderStatus, manualReview bool) error
	AppendStatus(ctx context.Context, e StatusHistoryEntry) error
	EnqueueReview(ctx context.Context, r ReviewItem) error

	ClearCart(ctx context.Context, cartID string) error
}

// Refunder voids or refunds a captured payment when an order cannot be materialized.
type Refunder interface {
	Refund(ctx context.Context, intentID string) error
}
