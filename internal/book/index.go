package book

// TraderIndex maps accounts to their live order and position ids. It is owned
// jointly by the order and position books, which mutate it inside their own
// insert/remove paths so book and index can never disagree.
type TraderIndex struct {
	orders    map[string]map[int64]struct{}
	positions map[string]map[int64]struct{}
}

func NewTraderIndex() *TraderIndex {
	return &TraderIndex{
		orders:    make(map[string]map[int64]struct{}),
		positions: make(map[string]map[int64]struct{}),
	}
}

func (ti *TraderIndex) addOrder(account string, id int64) {
	ids := ti.orders[account]
	if ids == nil {
		ids = make(map[int64]struct{})
		ti.orders[account] = ids
	}
	ids[id] = struct{}{}
}

func (ti *TraderIndex) removeOrder(account string, id int64) {
	ids := ti.orders[account]
	delete(ids, id)
	if len(ids) == 0 {
		delete(ti.orders, account)
	}
}

func (ti *TraderIndex) addPosition(account string, id int64) {
	ids := ti.positions[account]
	if ids == nil {
		ids = make(map[int64]struct{})
		ti.positions[account] = ids
	}
	ids[id] = struct{}{}
}

func (ti *TraderIndex) removePosition(account string, id int64) {
	ids := ti.positions[account]
	delete(ids, id)
	if len(ids) == 0 {
		delete(ti.positions, account)
	}
}

// OrderIDs returns the live order ids for an account (unsorted)
func (ti *TraderIndex) OrderIDs(account string) []int64 {
	out := make([]int64, 0, len(ti.orders[account]))
	for id := range ti.orders[account] {
		out = append(out, id)
	}
	return out
}

// PositionIDs returns the live position ids for an account (unsorted)
func (ti *TraderIndex) PositionIDs(account string) []int64 {
	out := make([]int64, 0, len(ti.positions[account]))
	for id := range ti.positions[account] {
		out = append(out, id)
	}
	return out
}
