package event

// TriggerKind mirrors trigger.Kind for wire records (stop-loss / take-profit /
// liquidation). Defined here as int32 to keep the event package leaf-level.
type TriggerKind int32

const (
	TriggerKindStopLoss TriggerKind = iota + 1
	TriggerKindTakeProfit
	TriggerKindLiquidation
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerKindStopLoss:
		return "stop_loss"
	case TriggerKindTakeProfit:
		return "take_profit"
	case TriggerKindLiquidation:
		return "liquidation"
	default:
		return "unknown"
	}
}

// TriggerSet records a freshly minted trigger id. Emitted for each allocation,
// whether at position open or through a stop-loss/take-profit setter.
type TriggerSet struct {
	TriggerID  int64       `json:"trigger_id"`
	PositionID int64       `json:"position_id"`
	Kind       TriggerKind `json:"kind"`
	Price      int64       `json:"price"`
}

func (r *TriggerSet) EventType() EventType {
	return EventTypeTriggerSet
}

// TriggerChanged records an id transition for a replaceable trigger kind.
// OldID is 0 when no trigger of this kind existed before; NewID is 0 when the
// trigger was cleared. Observers holding OldID must treat it as dead.
type TriggerChanged struct {
	PositionID int64       `json:"position_id"`
	Kind       TriggerKind `json:"kind"`
	OldID      int64       `json:"old_id"`
	NewID      int64       `json:"new_id"`
	Price      int64       `json:"price"` // 0 when cleared
}

func (r *TriggerChanged) EventType() EventType {
	return EventTypeTriggerChanged
}
