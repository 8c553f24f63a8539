package store

import (
	"context"
	"fmt"

	"order-saga/internal/readmodel"
)

// OrderQueries derives order views straight from order_events
type OrderQueries struct {
	s *Store
}

// NewOrderQueries creates a new Postgres order reader
func NewOrderQueries(s *Store) *OrderQueries {
	return &OrderQueries{s: s}
}

// Status and payment columns follow the latest event that sets them; the
// CASE mirrors readmodel.StatusAfter.
const listOrdersQuery = `
	SELECT * FROM (
		SELECT
			c.order_id,
			c.payload->>'customer_id'                        AS customer_id,
			COALESCE(c.payload->>'total_amount', '0')        AS total_amount,
			COALESCE(jsonb_array_length(c.payload->'items'), 0) AS item_count,
			s.status,
			COALESCE(p.payment_id, '')                       AS payment_id,
			COALESCE(p.payment_status, '')                   AS payment_status,
			v.version,
			c.occurred_at                                    AS created_at,
			v.updated_at
		FROM order_events c
		JOIN LATERAL (
			SELECT MAX(e.sequence) AS version, MAX(e.occurred_at) AS updated_at
			FROM order_events e
			WHERE e.order_id = c.order_id
		) v ON TRUE
		JOIN LATERAL (
			SELECT CASE e.kind
				WHEN 'OrderCreated'               THEN 'PENDING'
				WHEN 'InventoryReserved'          THEN 'INVENTORY_RESERVED'
				WHEN 'PaymentProcessingRequested' THEN 'PAYMENT_PROCESSING'
				WHEN 'OrderCompleted'             THEN 'CONFIRMED'
				WHEN 'OrderCancelled'             THEN 'CANCELLED'
				WHEN 'OrderFailed'                THEN 'FAILED'
			END AS status
			FROM order_events e
			WHERE e.order_id = c.order_id
			  AND e.kind IN ('OrderCreated', 'InventoryReserved', 'PaymentProcessingRequested',
			                 'OrderCompleted', 'OrderCancelled', 'OrderFailed')
			ORDER BY e.sequence DESC
			LIMIT 1
		) s ON TRUE
		LEFT JOIN LATERAL (
			SELECT
				e.payload->>'payment_id' AS payment_id,
				CASE e.kind
					WHEN 'PaymentProcessed' THEN e.payload->>'payment_status'
					ELSE 'PENDING'
				END AS payment_status
			FROM order_events e
			WHERE e.order_id = c.order_id
			  AND e.kind IN ('PaymentProcessingRequested', 'PaymentProcessed')
			ORDER BY e.sequence DESC
			LIMIT 1
		) p ON TRUE
		WHERE c.kind = 'OrderCreated'
		  AND ($1::text = '' OR c.payload->>'customer_id' = $1::text)
	) o
	WHERE ($2::text = '' OR o.status = $2::text)
	ORDER BY o.created_at DESC, o.order_id
	LIMIT $3`

// ListOrders implements readmodel.Reader
func (q *OrderQueries) ListOrders(ctx context.Context, query readmodel.Query) ([]readmodel.OrderView, error) {
	query = query.Normalize()

	views := []readmodel.OrderView{}
	err := q.s.db.SelectContext(ctx, &views, listOrdersQuery,
		query.CustomerID, string(query.Status), query.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	for i := range views {
		views[i].CreatedAt = views[i].CreatedAt.UTC()
		views[i].UpdatedAt = views[i].UpdatedAt.UTC()
	}
	return views, nil
}
