package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log"

	"MarginLedger/internal/assets"
	"MarginLedger/internal/engine"
	"MarginLedger/internal/observability"
)

// CommandWorker drains the command channel, parses each raw command and
// applies it to the engine. Deterministic rejections (duplicate, invalid,
// unauthorized, insufficient funds) are ACKed — redelivery would only repeat
// the rejection. A failed wallet transfer leaves no state behind, so those
// are NAKed for redelivery.
type CommandWorker struct {
	eng         *engine.Engine
	commandChan <-chan RawCommand
	metrics     *observability.Metrics
}

func NewCommandWorker(eng *engine.Engine, commandChan <-chan RawCommand, metrics *observability.Metrics) *CommandWorker {
	return &CommandWorker{
		eng:         eng,
		commandChan: commandChan,
		metrics:     metrics,
	}
}

// Run starts the command worker loop. Blocks until ctx is cancelled.
func (cw *CommandWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-cw.commandChan:
			if !ok {
				return nil
			}
			cw.handle(ctx, raw)
		}
	}
}

func (cw *CommandWorker) handle(ctx context.Context, raw RawCommand) {
	if cw.metrics != nil {
		cw.metrics.IngestReceived.WithLabelValues(raw.Subject).Inc()
	}

	cmd, err := ParseCommand(raw.Operation, raw.Data)
	if err != nil {
		// Poison message: redelivery cannot fix it.
		log.Printf("WARN: drop unparseable command on %s: %v", raw.Subject, err)
		cw.countFailure(raw.Subject, "parse")
		raw.AckFunc()
		return
	}

	err = cw.apply(ctx, raw.Operation, cmd)
	switch {
	case err == nil:
		raw.AckFunc()

	case errors.Is(err, engine.ErrDuplicateCommand):
		// Already settled in a previous delivery.
		raw.AckFunc()

	case errors.Is(err, assets.ErrTransferFailed):
		// Nothing was mutated; the wallet may recover.
		log.Printf("WARN: transfer failed on %s, requeueing: %v", raw.Subject, err)
		cw.countFailure(raw.Subject, "transfer")
		raw.NakFunc()

	default:
		log.Printf("WARN: command rejected on %s: %v", raw.Subject, err)
		cw.countFailure(raw.Subject, "rejected")
		raw.AckFunc()
	}
}

func (cw *CommandWorker) apply(ctx context.Context, operation string, cmd interface{}) error {
	var err error
	switch c := cmd.(type) {
	case engine.CreateOrderCmd:
		_, err = cw.eng.CreateOrder(ctx, c)
	case engine.CancelOrderCmd:
		_, err = cw.eng.CancelOrder(ctx, c)
	case engine.ExecuteOrderCmd:
		_, err = cw.eng.ExecuteOrder(ctx, c)
	case engine.SetTriggerCmd:
		// Stop-loss and take-profit share one wire shape; the subject's
		// operation decides which setter runs.
		if operation == "SetTakeProfit" {
			_, err = cw.eng.SetTakeProfit(ctx, c)
		} else {
			_, err = cw.eng.SetStopLoss(ctx, c)
		}
	case engine.ClosePositionCmd:
		_, err = cw.eng.ClosePosition(ctx, c)
	case engine.WithdrawCommissionCmd:
		_, err = cw.eng.WithdrawCommission(ctx, c)
	case engine.FundPoolCmd:
		_, err = cw.eng.FundPool(ctx, c)
	default:
		err = fmt.Errorf("unhandled command type %T", cmd)
	}
	return err
}

func (cw *CommandWorker) countFailure(subject, reason string) {
	if cw.metrics != nil {
		cw.metrics.IngestFailed.WithLabelValues(subject, reason).Inc()
	}
}
