package sources

import (
	"fmt"
	"sort"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// Registry maps source ids to adapters
type Registry struct {
	adapters map[types.SourceID]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[types.SourceID]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its id
func (r *Registry) Register(a Adapter) {
	r.adapters[a.ID()] = a
}

func (r *Registry) Get(id types.SourceID) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", id)
	}
	return a, nil
}

// IDs returns the registered ids in sorted order
func (r *Registry) IDs() []types.SourceID {
	ids := make([]types.SourceID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DefaultRegistry wires every built-in adapter
func DefaultRegistry(opts Options) *Registry {
	return NewRegistry(
		NewAuditLogAdapter(opts),
		NewSignInAdapter(opts),
		NewDirectoryAuditAdapter(opts),
		NewMailboxAuditAdapter(opts),
		NewRoleAssignmentAdapter(opts),
		NewConditionalAccessAdapter(opts, nil),
		NewAppConsentAdapter(opts),
		NewMailboxRuleAdapter(opts),
		NewMailAuthAdapter(opts, nil),
		NewSharingAdapter(opts),
		NewSecureScoreAdapter(opts),
	)
}
