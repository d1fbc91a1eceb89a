package trigger

import (
	"errors"
	"fmt"
)

// Kind identifies what a trigger does when its price is crossed
type Kind int32

const (
	KindStopLoss Kind = iota + 1
	KindTakeProfit
	KindLiquidation
)

func (k Kind) String() string {
	switch k {
	case KindStopLoss:
		return "stop_loss"
	case KindTakeProfit:
		return "take_profit"
	case KindLiquidation:
		return "liquidation"
	default:
		return "unknown"
	}
}

var (
	ErrTriggerNotFound = errors.New("trigger not found")
	ErrInvalidPrice    = errors.New("trigger price must be positive")
	ErrKindOccupied    = errors.New("position already has a trigger of this kind")
)

// Trigger is one armed price watch attached to a position
type Trigger struct {
	ID         int64
	PositionID int64
	Kind       Kind
	Price      int64
}

// Registry owns the single id space shared by all trigger kinds. IDs are
// allocated from a monotonic counter and NEVER reused: once a trigger is
// deallocated its id is dead forever, so any observer holding a stale id
// gets a not-found instead of someone else's trigger. There is no update
// operation — changing a price means deallocate then allocate.
type Registry struct {
	nextID     int64
	triggers   map[int64]*Trigger
	byPosition map[int64]map[Kind]int64
}

func NewRegistry() *Registry {
	return &Registry{
		nextID:     1,
		triggers:   make(map[int64]*Trigger),
		byPosition: make(map[int64]map[Kind]int64),
	}
}

// Allocate mints a fresh id for a trigger on the given position. At most one
// trigger per kind per position.
func (r *Registry) Allocate(positionID int64, kind Kind, price int64) (int64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPrice, price)
	}

	kinds := r.byPosition[positionID]
	if _, occupied := kinds[kind]; occupied {
		return 0, fmt.Errorf("%w: position=%d kind=%s", ErrKindOccupied, positionID, kind)
	}

	id := r.nextID
	r.nextID++
	if _, exists := r.triggers[id]; exists {
		panic(fmt.Sprintf("FATAL: trigger id %d already live", id))
	}

	r.triggers[id] = &Trigger{
		ID:         id,
		PositionID: positionID,
		Kind:       kind,
		Price:      price,
	}
	if kinds == nil {
		kinds = make(map[Kind]int64, 3)
		r.byPosition[positionID] = kinds
	}
	kinds[kind] = id

	return id, nil
}

// Deallocate retires a trigger id. The id is never minted again.
func (r *Registry) Deallocate(id int64) error {
	trg, ok := r.triggers[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrTriggerNotFound, id)
	}

	delete(r.triggers, id)
	kinds := r.byPosition[trg.PositionID]
	delete(kinds, trg.Kind)
	if len(kinds) == 0 {
		delete(r.byPosition, trg.PositionID)
	}

	return nil
}

// ReleasePosition retires every trigger attached to a position (terminal close)
func (r *Registry) ReleasePosition(positionID int64) {
	for _, id := range r.byPosition[positionID] {
		delete(r.triggers, id)
	}
	delete(r.byPosition, positionID)
}

// Lookup returns a live trigger by id
func (r *Registry) Lookup(id int64) (*Trigger, error) {
	trg, ok := r.triggers[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrTriggerNotFound, id)
	}
	return trg, nil
}

// IDForKind returns the live trigger id of the given kind on a position
func (r *Registry) IDForKind(positionID int64, kind Kind) (int64, bool) {
	id, ok := r.byPosition[positionID][kind]
	return id, ok
}

// ByPosition returns all live triggers attached to a position
func (r *Registry) ByPosition(positionID int64) []*Trigger {
	kinds := r.byPosition[positionID]
	out := make([]*Trigger, 0, len(kinds))
	for _, id := range kinds {
		out = append(out, r.triggers[id])
	}
	return out
}

// Count returns the number of live triggers
func (r *Registry) Count() int {
	return len(r.triggers)
}

// Snapshot returns the counter and all live triggers for persistence
func (r *Registry) Snapshot() (nextID int64, triggers []Trigger) {
	triggers = make([]Trigger, 0, len(r.triggers))
	for _, trg := range r.triggers {
		triggers = append(triggers, *trg)
	}
	return r.nextID, triggers
}

// Restore rebuilds the registry from a snapshot. The counter must be restored
// exactly: replaying with a smaller counter would re-mint dead ids.
func (r *Registry) Restore(nextID int64, triggers []Trigger) error {
	r.nextID = nextID
	r.triggers = make(map[int64]*Trigger, len(triggers))
	r.byPosition = make(map[int64]map[Kind]int64)

	for i := range triggers {
		trg := triggers[i]
		if trg.ID >= nextID {
			return fmt.Errorf("trigger id %d not below restored counter %d", trg.ID, nextID)
		}
		if _, dup := r.byPosition[trg.PositionID][trg.Kind]; dup {
			return fmt.Errorf("duplicate %s trigger for position %d", trg.Kind, trg.PositionID)
		}

		r.triggers[trg.ID] = &trg
		kinds := r.byPosition[trg.PositionID]
		if kinds == nil {
			kinds = make(map[Kind]int64, 3)
			r.byPosition[trg.PositionID] = kinds
		}
		kinds[trg.Kind] = trg.ID
	}

	return nil
}
