package engine

// AccessPolicy resolves the executor role. Ownership checks are done by the
// engine itself against the records it holds; only the executor capability
// comes from outside (role management is the venue's concern, not the
// ledger's).
type AccessPolicy interface {
	IsExecutor(account string) bool
}

// StaticAccessPolicy grants the executor role to a fixed set of accounts
type StaticAccessPolicy struct {
	executors map[string]struct{}
}

func NewStaticAccessPolicy(executors []string) *StaticAccessPolicy {
	set := make(map[string]struct{}, len(executors))
	for _, e := range executors {
		set[e] = struct{}{}
	}
	return &StaticAccessPolicy{executors: set}
}

func (p *StaticAccessPolicy) IsExecutor(account string) bool {
	_, ok := p.executors[account]
	return ok
}
