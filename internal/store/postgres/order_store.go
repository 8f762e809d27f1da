package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alephtrade/crossarb/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL. Amounts are
// stored as NUMERIC(78,0) so full uint256 precision survives the round trip.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderColumns = `
	order_key, owner, borrow_token, target_token, path,
	principal, min_output_leg1, min_output_leg2, execution_fee_budget,
	user_share_bps, state, venue_handle, pending_cancel,
	leg1_output, refunded, distributed_owner, distributed_protocol, premium_paid,
	fail_reason, nonce, created_at, updated_at, settled_at`

// Create inserts a new order record.
func (s *OrderStore) Create(ctx context.Context, o *domain.ArbitrageOrder) error {
	const query = `
		INSERT INTO arb_orders (` + orderColumns + `)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23
		)`

	_, err := s.pool.Exec(ctx, query,
		o.Key, o.Owner.Hex(), o.BorrowToken.Hex(), o.TargetToken.Hex(), string(o.Path),
		numeric(o.Principal), numeric(o.MinOutputLeg1), numeric(o.MinOutputLeg2), numeric(o.ExecutionFeeBudget),
		o.Split.UserShareBps, string(o.State), o.VenueHandle, o.PendingCancel,
		numeric(o.Leg1Output), numeric(o.Refunded), numeric(o.DistributedOwner), numeric(o.DistributedProtocol), numeric(o.PremiumPaid),
		o.FailReason, o.Nonce, o.CreatedAt, o.UpdatedAt, o.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.Key, err)
	}
	return nil
}

// Update overwrites the mutable columns of an existing order record.
func (s *OrderStore) Update(ctx context.Context, o *domain.ArbitrageOrder) error {
	const query = `
		UPDATE arb_orders SET
			state = $2, venue_handle = $3, pending_cancel = $4,
			leg1_output = $5, refunded = $6,
			distributed_owner = $7, distributed_protocol = $8, premium_paid = $9,
			fail_reason = $10, updated_at = $11, settled_at = $12
		WHERE order_key = $1`

	tag, err := s.pool.Exec(ctx, query,
		o.Key,
		string(o.State), o.VenueHandle, o.PendingCancel,
		numeric(o.Leg1Output), numeric(o.Refunded),
		numeric(o.DistributedOwner), numeric(o.DistributedProtocol), numeric(o.PremiumPaid),
		o.FailReason, o.UpdatedAt, o.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update order %s: %w", o.Key, domain.ErrNotFound)
	}
	return nil
}

// GetByKey fetches one order by its key.
func (s *OrderStore) GetByKey(ctx context.Context, key string) (*domain.ArbitrageOrder, error) {
	const query = `SELECT ` + orderColumns + ` FROM arb_orders WHERE order_key = $1`

	o, err := scanOrder(s.pool.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: get order %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get order %s: %w", key, err)
	}
	return o, nil
}

// ListOpen returns all non-terminal orders.
func (s *OrderStore) ListOpen(ctx context.Context) ([]*domain.ArbitrageOrder, error) {
	const query = `
		SELECT ` + orderColumns + `
		FROM arb_orders
		WHERE state IN ('active', 'executed')
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListByOwner returns orders created by owner, newest first.
func (s *OrderStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]*domain.ArbitrageOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM arb_orders WHERE owner = $1`
	args := []any{owner}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by owner %s: %w", owner, err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListTerminalBefore returns terminal orders last updated before the cutoff,
// oldest first, for archival.
func (s *OrderStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]*domain.ArbitrageOrder, error) {
	const query = `
		SELECT ` + orderColumns + `
		FROM arb_orders
		WHERE state IN ('settled', 'refunded', 'cancelled', 'failed')
		  AND updated_at < $1
		ORDER BY updated_at`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// DeleteByKeys removes archived orders from the primary store. A separate,
// explicit step after archival succeeds.
func (s *OrderStore) DeleteByKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	const query = `DELETE FROM arb_orders WHERE order_key = ANY($1)`
	if _, err := s.pool.Exec(ctx, query, keys); err != nil {
		return fmt.Errorf("postgres: delete orders: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Row mapping
// ---------------------------------------------------------------------------

func scanOrder(row pgx.Row) (*domain.ArbitrageOrder, error) {
	var (
		o                          domain.ArbitrageOrder
		ownerHex, borrowHex, tgHex string
		path, state                string
		principal, minOut1         *string
		minOut2, feeBudget         *string
		leg1Out, refunded          *string
		distOwner, distProto       *string
		premium                    *string
	)

	err := row.Scan(
		&o.Key, &ownerHex, &borrowHex, &tgHex, &path,
		&principal, &minOut1, &minOut2, &feeBudget,
		&o.Split.UserShareBps, &state, &o.VenueHandle, &o.PendingCancel,
		&leg1Out, &refunded, &distOwner, &distProto, &premium,
		&o.FailReason, &o.Nonce, &o.CreatedAt, &o.UpdatedAt, &o.SettledAt,
	)
	if err != nil {
		return nil, err
	}

	o.Owner = common.HexToAddress(ownerHex)
	o.BorrowToken = common.HexToAddress(borrowHex)
	o.TargetToken = common.HexToAddress(tgHex)
	o.Path = domain.SettlementPath(path)
	o.State = domain.OrderState(state)

	for _, f := range []struct {
		src *string
		dst **big.Int
	}{
		{principal, &o.Principal},
		{minOut1, &o.MinOutputLeg1},
		{minOut2, &o.MinOutputLeg2},
		{feeBudget, &o.ExecutionFeeBudget},
		{leg1Out, &o.Leg1Output},
		{refunded, &o.Refunded},
		{distOwner, &o.DistributedOwner},
		{distProto, &o.DistributedProtocol},
		{premium, &o.PremiumPaid},
	} {
		if f.src == nil {
			continue
		}
		n, ok := new(big.Int).SetString(*f.src, 10)
		if !ok {
			return nil, fmt.Errorf("postgres: malformed amount %q for order %s", *f.src, o.Key)
		}
		*f.dst = n
	}

	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]*domain.ArbitrageOrder, error) {
	var out []*domain.ArbitrageOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: order rows: %w", err)
	}
	return out, nil
}

// numeric renders a big.Int as a decimal string for a NUMERIC column, or nil
// for SQL NULL.
func numeric(n *big.Int) *string {
	if n == nil {
		return nil
	}
	s := n.String()
	return &s
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
