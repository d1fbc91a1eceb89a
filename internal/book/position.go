package book

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"MarginLedger/internal/event"
)

var ErrPositionNotFound = errors.New("position not found")

// Position is an open exposure with its margin held in custody. Trigger ids
// reference the shared registry; StopLossID/TakeProfitID are 0 when unset,
// LiquidationID is always live and never changes for the life of the position.
type Position struct {
	ID        int64
	Account   string
	Asset     string
	Side      event.Side
	OpenPrice int64
	Margin    int64
	Size      int64
	Leverage  int64
	OpenedAt  time.Time

	StopLossID       int64
	TakeProfitID     int64
	LiquidationID    int64
	LiquidationPrice int64
}

// PositionBook holds open positions and allocates their ids
type PositionBook struct {
	nextID    int64
	positions map[int64]*Position
	index     *TraderIndex
}

func NewPositionBook(index *TraderIndex) *PositionBook {
	return &PositionBook{
		nextID:    1,
		positions: make(map[int64]*Position),
		index:     index,
	}
}

// Insert assigns a fresh id and stores the position, updating the trader
// index in the same step. A colliding id means the counter went backwards,
// which is unrecoverable corruption.
func (pb *PositionBook) Insert(p *Position) int64 {
	p.ID = pb.nextID
	pb.nextID++
	if _, exists := pb.positions[p.ID]; exists {
		panic(fmt.Sprintf("FATAL: position id %d already live", p.ID))
	}
	pb.positions[p.ID] = p
	pb.index.addPosition(p.Account, p.ID)
	return p.ID
}

// Remove takes the position out of the book and index. The id is never reused.
func (pb *PositionBook) Remove(id int64) (*Position, error) {
	p, ok := pb.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrPositionNotFound, id)
	}
	delete(pb.positions, id)
	pb.index.removePosition(p.Account, id)
	return p, nil
}

// Get returns an open position by id
func (pb *PositionBook) Get(id int64) (*Position, error) {
	p, ok := pb.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrPositionNotFound, id)
	}
	return p, nil
}

// ByAccount returns an account's open positions sorted by id
func (pb *PositionBook) ByAccount(account string) []*Position {
	ids := pb.index.PositionIDs(account)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*Position, 0, len(ids))
	for _, id := range ids {
		out = append(out, pb.positions[id])
	}
	return out
}

// TotalMargin sums margin across all open positions
func (pb *PositionBook) TotalMargin() int64 {
	var total int64
	for _, p := range pb.positions {
		total += p.Margin
	}
	return total
}

// Count returns the number of open positions
func (pb *PositionBook) Count() int {
	return len(pb.positions)
}

// Snapshot returns the counter and all open positions for persistence
func (pb *PositionBook) Snapshot() (nextID int64, positions []Position) {
	positions = make([]Position, 0, len(pb.positions))
	for _, p := range pb.positions {
		positions = append(positions, *p)
	}
	return pb.nextID, positions
}

// Restore rebuilds the book and index from a snapshot
func (pb *PositionBook) Restore(nextID int64, positions []Position) error {
	pb.nextID = nextID
	pb.positions = make(map[int64]*Position, len(positions))

	for i := range positions {
		p := positions[i]
		if p.ID >= nextID {
			return fmt.Errorf("position id %d not below restored counter %d", p.ID, nextID)
		}
		if _, dup := pb.positions[p.ID]; dup {
			return fmt.Errorf("duplicate position id %d in snapshot", p.ID)
		}
		pb.positions[p.ID] = &p
		pb.index.addPosition(p.Account, p.ID)
	}

	return nil
}
