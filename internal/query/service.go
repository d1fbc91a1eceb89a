package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"MarginLedger/internal/ledger"
	"MarginLedger/internal/observability"
)

// QueryService provides read-only access to projection tables. Responses
// include as_of_sequence (the projection watermark) for freshness semantics;
// the live engine serves its own point-in-time queries under a read lock.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// GetBalance returns an account's accrued commission balance.
func (qs *QueryService) GetBalance(ctx context.Context, account string) (*BalanceResponse, error) {
	defer qs.observe("balance", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, qs.fail("balance", fmt.Errorf("watermark: %w", err))
	}

	accruedPath := ledger.NewTraderAccountKey(account).AccountPath()
	accrued, err := qs.getProjectedBalance(ctx, accruedPath)
	if err != nil {
		return nil, qs.fail("balance", err)
	}

	return &BalanceResponse{
		Account:           account,
		AccruedCommission: accrued,
		AsOfSequence:      asOfSeq,
	}, nil
}

// GetOrders returns an account's live orders, oldest first.
func (qs *QueryService) GetOrders(ctx context.Context, account string) ([]OrderResponse, error) {
	defer qs.observe("orders", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, qs.fail("orders", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT order_id, account, asset, side, target_price, stop_loss, take_profit,
		       commission, margin, size, leverage, created_at
		FROM projections.orders
		WHERE account = $1
		ORDER BY order_id
	`, account)
	if err != nil {
		return nil, qs.fail("orders", err)
	}
	defer rows.Close()

	var orders []OrderResponse
	for rows.Next() {
		var o OrderResponse
		o.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&o.OrderID, &o.Account, &o.Asset, &o.Side, &o.TargetPrice,
			&o.StopLoss, &o.TakeProfit, &o.Commission, &o.Margin,
			&o.Size, &o.Leverage, &o.CreatedAt,
		); err != nil {
			return nil, qs.fail("orders", err)
		}
		orders = append(orders, o)
	}

	return orders, rows.Err()
}

// GetPositions returns an account's open positions, oldest first.
func (qs *QueryService) GetPositions(ctx context.Context, account string) ([]PositionResponse, error) {
	defer qs.observe("positions", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, qs.fail("positions", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT position_id, account, asset, side, open_price, margin, size, leverage,
		       opened_at, stop_loss_id, stop_loss_price, take_profit_id, take_profit_price,
		       liquidation_id, liquidation_price
		FROM projections.positions
		WHERE account = $1
		ORDER BY position_id
	`, account)
	if err != nil {
		return nil, qs.fail("positions", err)
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.PositionID, &p.Account, &p.Asset, &p.Side, &p.OpenPrice,
			&p.Margin, &p.Size, &p.Leverage, &p.OpenedAt,
			&p.StopLossID, &p.StopLossPrice, &p.TakeProfitID, &p.TakeProfitPrice,
			&p.LiquidationID, &p.LiquidationPrice,
		); err != nil {
			return nil, qs.fail("positions", err)
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetCloseHistory returns an account's settled closes, newest first, with
// cursor-based pagination on sequence.
func (qs *QueryService) GetCloseHistory(
	ctx context.Context,
	account string,
	limit int,
	beforeSequence *int64,
) ([]CloseHistoryResponse, error) {
	defer qs.observe("close_history", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, qs.fail("close_history", err)
	}

	query := `
		SELECT position_id, account, pnl, closing_commission, trader_payout,
		       pool_delta, absorbed_excess, closed_at, last_sequence
		FROM projections.close_history
		WHERE account = $1
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND last_sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY last_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qs.fail("close_history", err)
	}
	defer rows.Close()

	var history []CloseHistoryResponse
	for rows.Next() {
		var h CloseHistoryResponse
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&h.PositionID, &h.Account, &h.PnL, &h.ClosingCommission,
			&h.TraderPayout, &h.PoolDelta, &h.AbsorbedExcess,
			&h.ClosedAt, &h.Sequence,
		); err != nil {
			return nil, qs.fail("close_history", err)
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching an account's sub-accounts,
// newest first, with cursor-based pagination on sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account string,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	defer qs.observe("journal_history", time.Now())

	accountPattern := "trader:" + account + ":%"

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM ledger.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPattern}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qs.fail("journal_history", err)
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, qs.fail("journal_history", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity in the event log and the
// zero-sum invariant over projected balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer qs.observe("verify_integrity", time.Now())

	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM ledger.events e1
		JOIN ledger.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, qs.fail("verify_integrity", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, qs.fail("verify_integrity", err)
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, qs.fail("verify_integrity", err)
	}

	var imbalance sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `
		SELECT SUM(balance) FROM projections.balances
	`).Scan(&imbalance); err != nil {
		return nil, qs.fail("verify_integrity", err)
	}
	report.GlobalImbalance = imbalance.Int64

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.GlobalImbalance == 0
	return report, nil
}

// GetWatermark exposes the projection watermark for readiness checks.
func (qs *QueryService) GetWatermark(ctx context.Context) (int64, error) {
	return qs.getWatermark(ctx)
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

func (qs *QueryService) observe(endpoint string, start time.Time) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (qs *QueryService) fail(endpoint string, err error) error {
	if qs.metrics != nil {
		qs.metrics.QueryErrors.WithLabelValues(endpoint).Inc()
	}
	return err
}
