package lora

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/llamatune/llamatune"
)

// Merge folds every adapter of the model into its base weight: for each
// projection scope holding the factors A [in, rank] and B [out, rank], the
// dense weight becomes W + A·Bᵀ, and both factors are removed from ctx and
// from the registry. The merged model computes the same function as the
// adapted one but carries no adapter structure, so it can be exported in
// the shape of the original pretrained model.
//
// Merge is idempotent: with no adapter factors left it is a no-op.
func Merge(backend backends.Backend, ctx *context.Context, reg *Registry) error {
	var downVars []*context.Variable
	for v := range ctx.IterVariables() {
		if reg.RoleOf(v) == RoleAdapterDown {
			downVars = append(downVars, v)
		}
	}

	for _, downVar := range downVars {
		scope := downVar.Scope()
		upVar := ctx.GetVariableByScopeAndName(scope, UpName)
		weightVar := ctx.GetVariableByScopeAndName(scope, WeightName)
		if upVar == nil || weightVar == nil {
			return errors.Wrapf(llamatune.ErrStructure,
				"scope %q has a down-factor but is missing its up-factor or weight", scope)
		}
		if reg.RoleOf(upVar) != RoleAdapterUp {
			return errors.Wrapf(llamatune.ErrStructure,
				"variable %q has role %s, want %s", upVar.ScopeAndName(), reg.RoleOf(upVar), RoleAdapterUp)
		}

		wShape, aShape, bShape := weightVar.Shape(), downVar.Shape(), upVar.Shape()
		if wShape.Rank() != 2 || aShape.Rank() != 2 || bShape.Rank() != 2 ||
			aShape.Dim(0) != wShape.Dim(0) || bShape.Dim(0) != wShape.Dim(1) ||
			aShape.Dim(1) != bShape.Dim(1) {
			return errors.Wrapf(llamatune.ErrShape,
				"scope %q: weight %s, down-factor %s and up-factor %s don't compose",
				scope, wShape, aShape, bShape)
		}

		weight, err := weightVar.Value()
		if err != nil {
			return err
		}
		down, err := downVar.Value()
		if err != nil {
			return err
		}
		up, err := upVar.Value()
		if err != nil {
			return err
		}
		merged, err := graph.ExecOnce(backend, func(w, a, b *graph.Node) *graph.Node {
			delta := graph.Einsum("ir,or->io", a, b)
			return graph.Add(w, graph.ConvertDType(delta, w.DType()))
		}, weight, down, up)
		if err != nil {
			return errors.WithMessagef(err, "merging adapter in scope %q", scope)
		}
		if err = weightVar.SetValue(merged); err != nil {
			return err
		}

		reg.unregister(downVar)
		reg.unregister(upVar)
		if err = ctx.DeleteVariable(scope, DownName); err != nil {
			return err
		}
		if err = ctx.DeleteVariable(scope, UpName); err != nil {
			return err
		}
	}
	if n := reg.NumAdapterFactors(); n > 0 {
		return errors.Wrapf(llamatune.ErrStructure,
			"%d adapter factor(s) left after merging, each up-factor needs a down-factor in its scope", n)
	}
	return nil
}
