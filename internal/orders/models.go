package orders

import "time"

type Product struct {
	ID         string
	Title      string
	TaxCode    string
	Status     string // active | inactive | deleted | discontinued
	PriceCents int64
	DiscountBP int64 // 1250 = 12.50%
	Stock      int
	Reserved   int
	Available  int
	UpdatedAt  time.Time
}

// UnitPriceCents is the discounted price, rounded half up to the cent.
func (p Product) UnitPriceCents() int64 {
	return (p.PriceCents*(10000-p.DiscountBP) + 5000) / 10000
}

// StockAdjustment is applied to a product row in a single conditional update.
// The Min* fields are lower bounds checked against the pre-mutation values.
type StockAdjustment struct {
	Stock     int
	Reserved  int
	Available int

	MinStock     int
	MinReserved  int
	MinAvailable int
}

// Apply returns the adjusted product and whether the predicate held.
func (a StockAdjustment) Apply(p Product) (Product, bool) {
	if p.Stock < a.MinStock || p.Reserved < a.MinReserved || p.Available < a.MinAvailable {
		return p, false
	}
	p.Stock += a.Stock
	p.Reserved += a.Reserved
	p.Available += a.Available
	if p.Stock < 0 || p.Reserved < 0 || p.Available < 0 {
		return p, false
	}
	return p, true
}

type CartLine struct {
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	Units     int    `json:"units"`
}

type Reservation struct {
	ID                string
	ProductID         string
	UserID            string
	CheckoutSessionID string
	Units             int
	Status            string // pending | released
	ExpiresAt         time.Time
	CreatedAt         time.Time
}

func (r Reservation) Expired(now time.Time) bool { return !now.Before(r.ExpiresAt) }

type CheckoutSession struct {
	ID         string
	UserID     string
	ExternalID string
	URL        string
	Status     CheckoutStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Live reports whether the session may still be fulfilled. A session past
// its expiry counts as expired even if the sweep has not reached it yet.
func (s CheckoutSession) Live(now time.Time) bool {
	return s.Status == CheckoutActive && now.Before(s.ExpiresAt)
}

type CartSnapshot struct {
	ID                string
	CheckoutSessionID string
	UserID            string
	ProductID         string
	Title             string
	Units             int
	UnitPriceCents    int64
	CreatedAt         time.Time
}

type ShippingAddress struct {
	ID         string
	UserID     string
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	Country    string
	PostalCode string
}

type Order struct {
	ID                string
	UserID            string
	CheckoutSessionID string
	ShippingAddressID string
	Status            Status
	TotalCents        int64
	TaxCents          int64
	Currency          string
	PaymentIntentID   string
	ExternalSessionID string
	CustomerRef       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type OrderItem struct {
	ID         string
	OrderID    string
	ProductID  string
	Units      int
	PriceCents int64
}

type Payment struct {
	ID                string
	PaymentIntentID   string
	OrderID           string
	UserID            string
	CheckoutSessionID string
	ExternalSessionID string
	CustomerRef       string
	Status            PaymentStatus
	Currency          string
	AmountCents       int64
	TaxCents          int64
	ChargeID          string
	ReceiptURL        string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// paymentRank orders payment statuses; Merge never moves a payment down.
var paymentRank = map[PaymentStatus]int{
	PaymentPending:   0,
	PaymentFailed:    1,
	PaymentCancelled: 1,
	PaymentPaid:      2,
	PaymentRefunded:  3,
}

// Merge folds incoming into p. Known fields are never erased and a paid
// payment is never downgraded, so the two payment events can arrive in
// either order.
func (p Payment) Merge(in Payment) Payment {
	pick := func(cur, next string) string {
		if next != "" {
			return next
		}
		return cur
	}
	p.OrderID = pick(p.OrderID, in.OrderID)
	p.UserID = pick(p.UserID, in.UserID)
	p.CheckoutSessionID = pick(p.CheckoutSessionID, in.CheckoutSessionID)
	p.ExternalSessionID = pick(p.ExternalSessionID, in.ExternalSessionID)
	p.CustomerRef = pick(p.CustomerRef, in.CustomerRef)
	p.Currency = pick(p.Currency, in.Currency)
	p.ChargeID = pick(p.ChargeID, in.ChargeID)
	p.ReceiptURL = pick(p.ReceiptURL, in.ReceiptURL)
	if in.AmountCents != 0 {
		p.AmountCents = in.AmountCents
	}
	if in.TaxCents != 0 {
		p.TaxCents = in.TaxCents
	}
	if in.Status != "" && paymentRank[in.Status] >= paymentRank[p.Status] {
		p.Status = in.Status
	}
	if !in.UpdatedAt.IsZero() {
		p.UpdatedAt = in.UpdatedAt
	}
	return p
}

type Refund struct {
	ID                string
	UserID            string
	OrderID           string
	CheckoutSessionID string
	PaymentIntentID   string
	ExternalRefundID  string
	AmountCents       int64
	Reason            string
	Status            RefundStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
