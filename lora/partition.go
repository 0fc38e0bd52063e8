package lora

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/llamatune/llamatune"
)

// Split is the result of partitioning a model's variables: the trainable
// adapter factors on one side, the frozen base weights on the other. The
// two maps are disjoint and keyed by the variable's scope and name; their
// union is exactly the variable set of the model, so Recombine restores
// the full parameter tree without loss.
type Split struct {
	Trainable map[string]*context.Variable
	Frozen    map[string]*context.Variable
}

// Partition walks every variable of ctx and splits it by its registered
// role: adapter factors become trainable, everything else is frozen. The
// Trainable flag of each variable is set accordingly, so gradient building
// and optimizer updates touch only the adapter subset.
//
// Returns an error wrapping llamatune.ErrStructure when no variable has an
// adapter role: the caller asked for adapter training but there is nothing
// to train, which would otherwise pass silently as a no-op run.
func Partition(ctx *context.Context, reg *Registry) (*Split, error) {
	split := &Split{
		Trainable: make(map[string]*context.Variable),
		Frozen:    make(map[string]*context.Variable),
	}
	for v := range ctx.IterVariables() {
		if reg.RoleOf(v) == RoleBase {
			v.SetTrainable(false)
			split.Frozen[v.ScopeAndName()] = v
		} else {
			v.SetTrainable(true)
			split.Trainable[v.ScopeAndName()] = v
		}
	}
	if len(split.Trainable) == 0 {
		return nil, errors.Wrapf(llamatune.ErrStructure,
			"adapters enabled but none of the %d model variables has an adapter role",
			len(split.Frozen))
	}
	return split, nil
}

// FullyTrainable marks every variable of ctx trainable and returns the
// corresponding Split with an empty frozen side. Used when adapters are
// disabled and the whole model is fine-tuned.
func FullyTrainable(ctx *context.Context) *Split {
	split := &Split{
		Trainable: make(map[string]*context.Variable),
		Frozen:    make(map[string]*context.Variable),
	}
	for v := range ctx.IterVariables() {
		v.SetTrainable(true)
		split.Trainable[v.ScopeAndName()] = v
	}
	return split
}

// Recombine returns the union of the trainable and frozen sides, i.e. the
// full model parameter tree the Split was built from. It fails with an
// error wrapping llamatune.ErrStructure if the sides overlap, which would
// mean the Split was tampered with since Partition built it.
func (s *Split) Recombine() (map[string]*context.Variable, error) {
	all := make(map[string]*context.Variable, len(s.Trainable)+len(s.Frozen))
	for key, v := range s.Frozen {
		all[key] = v
	}
	for key, v := range s.Trainable {
		if _, found := all[key]; found {
			return nil, errors.Wrapf(llamatune.ErrStructure,
				"variable %q is both trainable and frozen", key)
		}
		all[key] = v
	}
	return all, nil
}
