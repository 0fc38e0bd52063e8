// Package trainer drives supervised fine-tuning of a llama model with
// low-rank adapters: it owns the training step graph, the run loop and
// its lifecycle, checkpointing and the final merge-and-export.
package trainer

import (
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"

	"github.com/llamatune/llamatune"
)

// Config is the full knob surface of a fine-tuning run.
type Config struct {
	// ModelName is the HuggingFace repository of the base model,
	// e.g. "meta-llama/Llama-3.2-1B".
	ModelName string

	// HFToken authenticates HuggingFace downloads of gated models.
	// Empty for public models.
	HFToken string

	// ParamDType is the dtype model parameters are kept in.
	ParamDType dtypes.DType

	// OutputDType is the dtype of the logits the model produces. The loss
	// is always computed in float32 regardless.
	OutputDType dtypes.DType

	// NumEpochs is how many passes over the dataset to make, at most.
	NumEpochs int

	// NumSteps caps the total number of optimizer steps across all
	// epochs. The run stops at whichever of NumSteps or dataset
	// exhaustion comes first. Zero or negative means no step cap:
	// the run ends with the last epoch.
	NumSteps int

	// NumDevices is the number of accelerators to shard over.
	// Only 1, 4 and 8 are supported mesh sizes.
	NumDevices int

	// UseLora selects adapter training: only the low-rank factors get
	// gradients, the base model stays frozen. When false the whole model
	// is fine-tuned.
	UseLora bool

	// LoraRank is the rank of the adapter factors. Ignored when UseLora
	// is false.
	LoraRank int

	// LearningRate for the Adam optimizer.
	LearningRate float64

	// BaseDir is the run's output directory: checkpoints go under
	// BaseDir/checkpoints, the merged model under BaseDir/hf_export.
	BaseDir string

	// KeepCheckpoints limits how many checkpoints are retained.
	// Zero or negative keeps all.
	KeepCheckpoints int
}

// DefaultConfig returns a Config with the usual starting points filled
// in. ModelName and BaseDir still must be set.
func DefaultConfig() *Config {
	return &Config{
		ParamDType:      dtypes.Float32,
		OutputDType:     dtypes.Float32,
		NumEpochs:       1,
		NumSteps:        100,
		NumDevices:      1,
		UseLora:         true,
		LoraRank:        8,
		LearningRate:    1e-4,
		KeepCheckpoints: 3,
	}
}

// Validate returns an error wrapping llamatune.ErrConfiguration for any
// value a run cannot start with. The device count is validated later,
// when the mesh is built.
func (c *Config) Validate() error {
	if c.ModelName == "" {
		return errors.Wrap(llamatune.ErrConfiguration, "ModelName is required")
	}
	if c.BaseDir == "" {
		return errors.Wrap(llamatune.ErrConfiguration, "BaseDir is required")
	}
	if c.ParamDType == dtypes.InvalidDType || c.OutputDType == dtypes.InvalidDType {
		return errors.Wrap(llamatune.ErrConfiguration, "ParamDType and OutputDType must be set")
	}
	if c.NumEpochs < 1 {
		return errors.Wrapf(llamatune.ErrConfiguration, "NumEpochs=%d, must be at least 1", c.NumEpochs)
	}
	if c.UseLora && c.LoraRank < 1 {
		return errors.Wrapf(llamatune.ErrConfiguration, "LoraRank=%d, must be at least 1 when UseLora is set", c.LoraRank)
	}
	if c.LearningRate <= 0 {
		return errors.Wrapf(llamatune.ErrConfiguration, "LearningRate=%g, must be positive", c.LearningRate)
	}
	return nil
}

// CheckpointDir is where the run's checkpoints are written.
func (c *Config) CheckpointDir() string { return filepath.Join(c.BaseDir, "checkpoints") }

// ExportDir is where the merged model is exported in HuggingFace layout.
func (c *Config) ExportDir() string { return filepath.Join(c.BaseDir, "hf_export") }
