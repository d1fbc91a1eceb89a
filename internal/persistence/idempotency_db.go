package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"MarginLedger/internal/event"
	"MarginLedger/internal/trigger"
)

// PostgresIdempotencyChecker is the cold tier of command deduplication: the
// engine consults it on an LRU miss.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate checks whether a command's record exists in the event log.
// Command ids are unique across operations, so the key alone decides;
// the operation name is part of the interface for log context only.
func (pic *PostgresIdempotencyChecker) IsDuplicate(operation string, commandID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1 FROM ledger.events WHERE idempotency_key = $1 LIMIT 1
	`, commandID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LoadRecentKeys returns composite "operation:commandID" keys for the most
// recent records, newest first, for warming the in-memory LRU on restart.
// TriggerSet rows are skipped: the command that produced them is carried by
// the paired PositionOpened or TriggerChanged row.
func (pic *PostgresIdempotencyChecker) LoadRecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key, payload
		FROM ledger.events
		WHERE event_type <> 'TriggerSet'
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		var payload []byte
		if err := rows.Scan(&eventType, &key, &payload); err != nil {
			return nil, err
		}

		operation, err := operationForRecord(event.EventTypeFromString(eventType), payload)
		if err != nil {
			return nil, err
		}
		keys = append(keys, operation+":"+key)
	}

	return keys, rows.Err()
}

// operationForRecord maps a logged record back to the command that produced
// it. TriggerChanged carries the trigger kind in its payload, which decides
// between the two setter operations.
func operationForRecord(eventType event.EventType, payload []byte) (string, error) {
	switch eventType {
	case event.EventTypeOrderCreated:
		return "CreateOrder", nil
	case event.EventTypeOrderCanceled:
		return "CancelOrder", nil
	case event.EventTypePositionOpened:
		return "ExecuteOrder", nil
	case event.EventTypeTriggerChanged:
		var rec struct {
			Kind int32 `json:"kind"`
		}
		if err := json.Unmarshal(payload, &rec); err != nil {
			return "", fmt.Errorf("decode trigger change: %w", err)
		}
		if trigger.Kind(rec.Kind) == trigger.KindTakeProfit {
			return "SetTakeProfit", nil
		}
		return "SetStopLoss", nil
	case event.EventTypePositionClosed:
		return "ClosePosition", nil
	case event.EventTypeCommissionWithdrawn:
		return "WithdrawCommission", nil
	case event.EventTypePoolFunded:
		return "FundPool", nil
	default:
		return "", fmt.Errorf("no operation for event type %s", eventType)
	}
}
