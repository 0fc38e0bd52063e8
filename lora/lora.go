// Package lora attaches low-rank adapters to dense projections, splits a
// model's variables into the trainable adapter subset and the frozen base
// subset, and folds trained adapters back into the base weights for export.
//
// Every adapter-bearing projection holds three variables in its scope: the
// dense "weight" [in, out], the down-factor "lora_a" [in, rank] and the
// up-factor "lora_b" [out, rank]. The projection computes
//
//	y = x·W + x·A·Bᵀ
//
// so a merged weight W' = W + A·Bᵀ reproduces the adapted projection with
// no adapter structure left.
//
// Which variable plays which role is recorded in an explicit Registry at
// variable-creation time, instead of being inferred from name substrings.
// Partitioning and merging dispatch on the registered role only, so a
// renamed or extra variable can never silently change what gets trained
// or merged.
package lora

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// Role of one model variable, as seen by partitioning and merging.
type Role int

const (
	// RoleBase is a frozen base-model weight. Never trained, never merged.
	RoleBase Role = iota

	// RoleAdapterDown is the down-factor A of an adapter, shape [in, rank].
	RoleAdapterDown

	// RoleAdapterUp is the up-factor B of an adapter, shape [out, rank].
	RoleAdapterUp
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleBase:
		return "base"
	case RoleAdapterDown:
		return "adapter-down"
	case RoleAdapterUp:
		return "adapter-up"
	}
	return "invalid-role"
}

// Variable names used inside a projection scope.
const (
	WeightName = "weight"
	DownName   = "lora_a"
	UpName     = "lora_b"
)

// Registry records the Role of every variable of a model, keyed by the
// variable's scope and name. Variables never registered are RoleBase.
//
// It is populated while the model graph is first built and is read-only
// afterwards; it must not be shared across models.
type Registry struct {
	roles map[string]Role
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{roles: make(map[string]Role)}
}

// Register records the role of v. Registering RoleBase is allowed but has
// the same effect as not registering at all.
func (r *Registry) Register(v *context.Variable, role Role) {
	r.roles[v.ScopeAndName()] = role
}

// RoleOf returns the registered role of v, defaulting to RoleBase.
func (r *Registry) RoleOf(v *context.Variable) Role {
	return r.roles[v.ScopeAndName()]
}

// unregister drops v from the registry, reverting it to RoleBase.
// Used by Merge once a factor has been folded away.
func (r *Registry) unregister(v *context.Variable) {
	delete(r.roles, v.ScopeAndName())
}

// NumAdapterFactors returns how many variables are registered with an
// adapter role. Zero means no adapters are attached (or all were merged).
func (r *Registry) NumAdapterFactors() int {
	count := 0
	for _, role := range r.roles {
		if role != RoleBase {
			count++
		}
	}
	return count
}

// DownFactorStdDev is the initialization scale of the down-factor A. The
// up-factor B starts at zero, so a fresh adapter contributes nothing to
// the projection until trained.
const DownFactorStdDev = 0.02

// DeclareProjection creates (or reuses) the variables of one projection in
// the current scope of ctx and registers their roles in reg: the dense
// "weight" [in, out] and, when rank > 0, the adapter factors "lora_a"
// [in, rank] and "lora_b" [out, rank]. down and up are nil when rank <= 0.
//
// It can be called ahead of any graph building, so variable partitioning
// works before the first forward pass runs.
func DeclareProjection(ctx *context.Context, reg *Registry, dtype dtypes.DType, inputDim, outputDim, rank int) (weight, down, up *context.Variable) {
	ctx = ctx.Checked(false)
	weight = ctx.VariableWithShape(WeightName, shapes.Make(dtype, inputDim, outputDim))
	reg.Register(weight, RoleBase)
	if rank <= 0 {
		return weight, nil, nil
	}
	down = ctx.WithInitializer(initializers.RandomNormalFn(ctx, DownFactorStdDev)).
		VariableWithShape(DownName, shapes.Make(dtype, inputDim, rank))
	up = ctx.WithInitializer(initializers.Zero).
		VariableWithShape(UpName, shapes.Make(dtype, outputDim, rank))
	reg.Register(down, RoleAdapterDown)
	reg.Register(up, RoleAdapterUp)
	return weight, down, up
}

// Projection builds y = x·W (+ x·A·Bᵀ when rank > 0) in the current scope
// of ctx, declaring the weight and adapter variables on first use. x has
// shape [..., inputDim]; the result has shape [..., outputDim].
func Projection(ctx *context.Context, reg *Registry, x *graph.Node, outputDim, rank int) *graph.Node {
	g := x.Graph()
	inputDim := x.Shape().Dim(-1)
	weightVar, downVar, upVar := DeclareProjection(ctx, reg, x.DType(), inputDim, outputDim, rank)

	y := graph.Einsum("...i,io->...o", x, weightVar.ValueGraph(g))
	if rank <= 0 {
		return y
	}
	down := graph.Einsum("...i,ir->...r", x, downVar.ValueGraph(g))
	delta := graph.Einsum("...r,or->...o", down, upVar.ValueGraph(g))
	return graph.Add(y, delta)
}
