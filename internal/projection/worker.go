package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"MarginLedger/internal/engine"
	"MarginLedger/internal/observability"
)

// ProjectionWorker updates query-side tables from committed engine outputs.
// The projection channel is non-blocking with drop on the engine side: if this
// worker falls behind, projections go stale and are rebuilt from the event
// log, never stalling settlement.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan engine.Output
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan engine.Output, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the projection worker loop. Blocks until ctx is cancelled.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and rebuildable,
				// so a failed update is logged and skipped.
				log.Printf("WARN: projection update failed at seq=%d: %v",
					output.Envelope.Sequence, err)
				continue
			}

			pw.lastSeq = output.Envelope.Sequence
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(output.Envelope.EventType.String()).
					Observe(time.Since(start).Seconds())
				pw.metrics.ProjectionLastSeq.Set(float64(pw.lastSeq))
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output engine.Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence

	for _, j := range output.Batch.Journals {
		if err := pw.applyBalance(ctx, tx, j.DebitAccount.AccountPath(), j.Amount, seq); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
		if err := pw.applyBalance(ctx, tx, j.CreditAccount.AccountPath(), -j.Amount, seq); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if err := pw.applyRecord(ctx, tx, output); err != nil {
		return fmt.Errorf("record projection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// applyBalance adds delta to an account's projected balance. Debits carry a
// positive delta, credits a negative one, mirroring the in-memory book.
func (pw *ProjectionWorker) applyBalance(ctx context.Context, tx *sql.Tx, accountPath string, delta int64, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2, last_sequence = $3
	`, accountPath, delta, seq)
	return err
}

// RebuildProjections repopulates the balance tables from the journal and
// resets the watermark. Order, position and close-history rows are replayed
// through the worker by re-running recovery, so only aggregates rebuild here.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.orders`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.close_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits add, credits subtract.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT debit_account, SUM(amount), MAX(sequence)
		FROM ledger.journal
		GROUP BY debit_account
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT credit_account, -SUM(amount), MAX(sequence)
		FROM ledger.journal
		GROUP BY credit_account
		ON CONFLICT (account_path) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
