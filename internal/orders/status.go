package orders

type Status string

const (
	StatusPending    Status = "pending"
	StatusPaid       Status = "paid"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusReturned   Status = "returned"
	// StatusOversold marks an order paid against a session that could no
	// longer be honoured. It waits for a refund.
	StatusOversold Status = "oversold"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusPaid: true, StatusFailed: true, StatusCancelled: true},
	StatusPaid:       {StatusProcessing: true, StatusCancelled: true, StatusRefunded: true},
	StatusProcessing: {StatusShipped: true, StatusCancelled: true},
	StatusShipped:    {StatusDelivered: true, StatusReturned: true},
	StatusDelivered:  {StatusReturned: true},
	StatusReturned:   {StatusRefunded: true},
	StatusOversold:   {StatusRefunded: true, StatusProcessing: true},
	StatusCancelled:  {StatusRefunded: true},
	StatusFailed:     {},
	StatusRefunded:   {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// CheckoutStatus is the lifecycle of one checkout attempt.
type CheckoutStatus string

const (
	CheckoutActive    CheckoutStatus = "active"
	CheckoutExpired   CheckoutStatus = "expired"
	CheckoutCancelled CheckoutStatus = "cancelled"
	// CheckoutConsumed is stored as expired; the order referencing the
	// session is what tells the two apart.
	CheckoutConsumed CheckoutStatus = "consumed"
)

var checkoutNext = map[CheckoutStatus]map[CheckoutStatus]bool{
	CheckoutActive:    {CheckoutExpired: true, CheckoutCancelled: true, CheckoutConsumed: true},
	CheckoutExpired:   {},
	CheckoutCancelled: {},
	CheckoutConsumed:  {},
}

func CanTransitionCheckout(from, to CheckoutStatus) bool {
	return checkoutNext[from][to]
}

// Stored maps a logical status to its on-disk value.
func (s CheckoutStatus) Stored() CheckoutStatus {
	if s == CheckoutConsumed {
		return CheckoutExpired
	}
	return s
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCancelled PaymentStatus = "cancelled"
)

const (
	ReservationPending  = "pending"
	ReservationReleased = "released"
)

type RefundStatus string

const (
	RefundPending       RefundStatus = "pending"        // queued for automatic execution
	RefundPendingReview RefundStatus = "pending_review" // flagged for an operator
	RefundRefunded      RefundStatus = "refunded"
	RefundFailed        RefundStatus = "failed"
	RefundCancelled     RefundStatus = "cancelled"
)
