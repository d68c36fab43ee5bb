package postgres

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/jackc/pgx/v5"
)

func (t *tx) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	var p orders.Product
	err := t.tx.QueryRow(ctx, `
		SELECT id, title, taxcode, status, price_cents, discount_bp, stock, reserved, available, updated_at
		FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Title, &p.TaxCode, &p.Status, &p.PriceCents, &p.DiscountBP,
			&p.Stock, &p.Reserved, &p.Available, &p.UpdatedAt)
	if err != nil {
		return orders.Product{}, notFound(err, "product "+id)
	}
	return p, nil
}

// AdjustStock: satu UPDATE bersyarat, predicate dicek terhadap nilai sebelum mutasi.
// Postgres re-evaluates the WHERE clause after waiting on a concurrent writer,
// so two callers racing for the last unit cannot both match.
func (t *tx) AdjustStock(ctx context.Context, productID string, a orders.StockAdjustment) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products
		SET stock = stock + $2, reserved = reserved + $3, available = available + $4, updated_at = now()
		WHERE id = $1
		  AND stock >= $5 AND reserved >= $6 AND available >= $7
		  AND stock + $2 >= 0 AND reserved + $3 >= 0 AND available + $4 >= 0`,
		productID, a.Stock, a.Reserved, a.Available, a.MinStock, a.MinReserved, a.MinAvailable)
	if err != nil {
		return false, orders.Persistence("adjust stock", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (t *tx) CustomerRef(ctx context.Context, userID string) (string, error) {
	var ref string
	err := t.tx.QueryRow(ctx, `SELECT stripe_customer_id FROM users WHERE id=$1`, userID).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", orders.Persistence("customer ref", err)
	}
	return ref, nil
}

func (t *tx) ListCart(ctx context.Context, userID string) ([]orders.CartLine, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT user_id, product_id, units FROM cart
		WHERE user_id=$1 ORDER BY product_id`, userID)
	out, err := scanAll(rows, err, func(r pgx.Row) (orders.CartLine, error) {
		var l orders.CartLine
		err := r.Scan(&l.UserID, &l.ProductID, &l.Units)
		return l, err
	})
	if err != nil {
		return nil, orders.Persistence("list cart", err)
	}
	return out, nil
}

func (t *tx) DeleteCartLines(ctx context.Context, userID string, productIDs []string) error {
	if len(productIDs) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM cart WHERE user_id=$1 AND product_id = ANY($2)`, userID, productIDs); err != nil {
		return orders.Persistence("delete cart lines", err)
	}
	return nil
}
