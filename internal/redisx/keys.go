package redisx

import "time"

const (
	// Idempotency create session: idem:checkout:create:{cart_id}:{Idempotency-Key} -> response body
	KeyIdemSessionCreate = "idem:checkout:create:%s:%s"

	// Cache status session: session_status:{session_id} -> {"status": "...", "order_id": "..."}
	KeySessionStatus = "session_status:%s"

	// Cache status order: order_status:{order_id} -> {"status": "...", "requires_manual_review": ...}
	KeyOrderStatus = "order_status:%s"

	// Dedup callback processing: dedup:{service}:{id} (id = session_id:event_type)
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
