package orders

const (
	TopicOrderCreated        = "order.created"
	TopicOrderReviewRequired = "order.review_required"
	TopicOrderStatusChanged  = "order.status_changed"
	TopicPaymentFailed       = "checkout.payment_failed"
	TopicRefundRequired      = "checkout.refund_required"

	// Raw gateway callbacks relayed onto Kafka, consumed by the reconciler.
	TopicPaymentCallbacks = "payment.callbacks"
)

// Partition key = order_id / session_id, supaya semua event 1 order maintain urutan.
func PartitionKey(id string) []byte { return []byte(id) }
