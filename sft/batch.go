// Package sft produces the batches a supervised fine-tuning run consumes:
// instruction/response examples formatted into a prompt template, tokenized,
// padded to fixed shape, and normalized into the tensor form the training
// step expects.
package sft

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/llamatune/llamatune"
)

// IgnoreLabel marks a label position that must not contribute to the loss:
// prompt tokens and padding. The value follows the HuggingFace convention.
const IgnoreLabel = int32(-100)

// RawBatch is what a data source yields: one fixed-shape batch of token
// ids, as produced by tokenization and padding, before any normalization
// for the training step.
type RawBatch struct {
	// InputIDs and Labels have shape [batch, seqLen] and may be of any
	// integer dtype. Label positions to skip carry IgnoreLabel.
	InputIDs *tensors.Tensor
	Labels   *tensors.Tensor

	// AttentionMask has shape [batch, seqLen], true on real tokens and
	// false on padding. Nil means every position is valid.
	AttentionMask *tensors.Tensor

	// PromptLengths and ResponseLengths record, per example, how many
	// tokens the formatted prompt and the response took before padding.
	PromptLengths   []int32
	ResponseLengths []int32
}

// Batch is the normalized form consumed by the training step: ids and
// labels as int32, position ids synthesized, mask as booleans.
type Batch struct {
	InputIDs      *tensors.Tensor // [batch, seqLen] int32
	Labels        *tensors.Tensor // [batch, seqLen] int32
	PositionIDs   *tensors.Tensor // [batch, seqLen] int32, always 0..seqLen-1
	AttentionMask *tensors.Tensor // [batch, seqLen] bool, nil if absent
}

// Preprocess normalizes raw into the form the training step expects:
// InputIDs and Labels converted to int32 (and only int32, wider or
// narrower types are never kept), PositionIDs synthesized as 0..seqLen-1
// broadcast over the batch regardless of anything the source provided,
// and the attention mask, when present, converted to booleans.
//
// Placement onto mesh devices is not done here; the trainer loop shards
// the result explicitly.
func Preprocess(backend backends.Backend, raw *RawBatch) (*Batch, error) {
	if raw.InputIDs == nil || raw.Labels == nil {
		return nil, errors.Wrap(llamatune.ErrShape, "batch is missing input ids or labels")
	}
	idsShape, labelsShape := raw.InputIDs.Shape(), raw.Labels.Shape()
	if idsShape.Rank() != 2 {
		return nil, errors.Wrapf(llamatune.ErrShape,
			"input ids must be rank-2 [batch, seqLen], got %s", idsShape)
	}
	if !idsShape.EqualDimensions(labelsShape) {
		return nil, errors.Wrapf(llamatune.ErrShape,
			"input ids %s and labels %s disagree", idsShape, labelsShape)
	}
	if raw.AttentionMask != nil && !idsShape.EqualDimensions(raw.AttentionMask.Shape()) {
		return nil, errors.Wrapf(llamatune.ErrShape,
			"attention mask %s doesn't match input ids %s", raw.AttentionMask.Shape(), idsShape)
	}

	toInt32 := func(x *graph.Node) *graph.Node { return graph.ConvertDType(x, dtypes.Int32) }
	inputIDs, err := graph.ExecOnce(backend, toInt32, raw.InputIDs)
	if err != nil {
		return nil, errors.WithMessage(err, "normalizing input ids")
	}
	labels, err := graph.ExecOnce(backend, toInt32, raw.Labels)
	if err != nil {
		return nil, errors.WithMessage(err, "normalizing labels")
	}

	batchSize, seqLen := idsShape.Dim(0), idsShape.Dim(1)
	positionIDs, err := graph.ExecOnce(backend, func(g *graph.Graph) *graph.Node {
		return graph.Iota(g, shapes.Make(dtypes.Int32, batchSize, seqLen), 1)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "synthesizing position ids")
	}

	batch := &Batch{InputIDs: inputIDs, Labels: labels, PositionIDs: positionIDs}
	if raw.AttentionMask != nil {
		batch.AttentionMask, err = graph.ExecOnce(backend, func(x *graph.Node) *graph.Node {
			if x.DType() == dtypes.Bool {
				return x
			}
			return graph.NotEqual(x, graph.ZerosLike(x))
		}, raw.AttentionMask)
		if err != nil {
			return nil, errors.WithMessage(err, "normalizing attention mask")
		}
	}
	return batch, nil
}
