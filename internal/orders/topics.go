package orders

const (
	TopicCheckoutOpened  = "checkout.opened"
	TopicCheckoutExpired = "checkout.expired"
	TopicOrderPaid       = "order.paid"
	TopicOrderOversold   = "order.oversold"
	TopicRefundRequested = "refund.requested"
)

// Partition key = checkout session id, so every event of one checkout keeps its order.
func PartitionKey(checkoutSessionID string) []byte { return []byte(checkoutSessionID) }
