// Package llamatune fine-tunes causal language models with low-rank
// adapters (LoRA) on top of GoMLX, on a single device or a small
// accelerator mesh.
//
// The sub-packages split the work the way a training run flows:
//
//   - mesh: device mesh construction for supported accelerator counts.
//   - llama: model configuration, graph building, HuggingFace load/export.
//   - lora: adapter attachment, trainable/frozen partitioning, weight merge.
//   - sft: supervised fine-tuning datasets and batch preprocessing.
//   - checkpoint: asynchronous training-state snapshots.
//   - trainer: the training step and the epoch/step loop.
//
// This root package only holds the error categories shared by all of them.
package llamatune

import "github.com/pkg/errors"

// Error categories for the whole module. Sub-packages wrap these with
// errors.Wrapf, so callers can dispatch with errors.Is while still
// getting a message that names the offending value.
var (
	// ErrConfiguration indicates an invalid or unsupported run
	// configuration, e.g. a device count without a mesh shape.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrStructure indicates a model parameter tree that doesn't have
	// the expected variables, e.g. a LoRA factor without its peer.
	ErrStructure = errors.New("unexpected parameter structure")

	// ErrShape indicates tensor dimensions that don't match what an
	// operation requires, e.g. a batch whose inputs and labels disagree.
	ErrShape = errors.New("shape mismatch")

	// ErrExternalIO indicates a failure talking to storage or a model
	// hub: downloads, checkpoint writes, exports.
	ErrExternalIO = errors.New("external I/O failure")
)
