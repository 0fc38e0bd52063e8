package trainer

import (
	"io"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/llamatune/llamatune"
	"github.com/llamatune/llamatune/checkpoint"
	"github.com/llamatune/llamatune/llama"
	"github.com/llamatune/llamatune/lora"
	"github.com/llamatune/llamatune/mesh"
	"github.com/llamatune/llamatune/sft"
)

// State tracks where a Trainer is in its lifecycle. Transitions only
// move forward: Initialized, Configured, Stepping, Finalizing, Exported.
type State int

const (
	StateInitialized State = iota
	StateConfigured
	StateStepping
	StateFinalizing
	StateExported
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateConfigured:
		return "configured"
	case StateStepping:
		return "stepping"
	case StateFinalizing:
		return "finalizing"
	case StateExported:
		return "exported"
	}
	return "invalid"
}

// StepMetrics are the scalar results of one optimizer step.
type StepMetrics struct {
	Step     int
	Loss     float32
	Accuracy float32
}

// pendingMetrics holds a step's metric tensors before they are read back
// to the host. Keeping them device-side until the next step is what lets
// Step return without waiting on the current computation.
type pendingMetrics struct {
	step       int
	loss, accu *tensors.Tensor
}

func (p *pendingMetrics) materialize() *StepMetrics {
	return &StepMetrics{
		Step:     p.step,
		Loss:     tensors.ToScalar[float32](p.loss),
		Accuracy: tensors.ToScalar[float32](p.accu),
	}
}

// Trainer runs LoRA (or full) supervised fine-tuning of a llama model.
//
// The lifecycle is linear: New, then Configure (or ConfigureWith), then
// Step per batch -- usually via Train, which drives the whole loop --
// and finally Finalize, which writes the last checkpoint, merges the
// adapters and exports the model.
type Trainer struct {
	backend    backends.Backend
	cfg        *Config
	deviceMesh *distributed.DeviceMesh
	ckpt       *checkpoint.Manager

	model    *llama.Model
	ctx      *context.Context
	split    *lora.Split
	opt      optimizers.Interface
	stepExec *context.Exec

	// Set only when sharding over more than one device.
	batchSpec *distributed.ShardingSpec

	state     State
	stepsDone int
	delayed   *pendingMetrics

	// OnStep, when set, is called with each step's metrics as they become
	// available (one step late, due to the delayed read-back).
	OnStep func(*StepMetrics)
}

// New validates cfg, builds the device mesh and the checkpoint manager,
// and returns a Trainer in the Initialized state.
func New(backend backends.Backend, cfg *Config) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	deviceMesh, err := mesh.ForDeviceCount(cfg.NumDevices)
	if err != nil {
		return nil, err
	}
	ckpt, err := checkpoint.Build().Dir(cfg.CheckpointDir()).Keep(cfg.KeepCheckpoints).Done()
	if err != nil {
		return nil, err
	}
	return &Trainer{
		backend:    backend,
		cfg:        cfg,
		deviceMesh: deviceMesh,
		ckpt:       ckpt,
		state:      StateInitialized,
	}, nil
}

// State returns the trainer's current lifecycle state.
func (t *Trainer) State() State { return t.state }

// StepsDone returns how many optimizer steps have run.
func (t *Trainer) StepsDone() int { return t.stepsDone }

// CheckpointDir returns the directory checkpoints are written to.
func (t *Trainer) CheckpointDir() string { return t.ckpt.Dir() }

// Split returns the trainable/frozen partition of the model variables.
// Only valid after configuration.
func (t *Trainer) Split() *lora.Split { return t.split }

// Configure downloads the base model from HuggingFace and prepares the
// trainer. See ConfigureWith for the rest of the setup.
func (t *Trainer) Configure() error {
	if t.state != StateInitialized {
		return errors.Wrapf(llamatune.ErrConfiguration, "Configure called in state %q", t.state)
	}
	loraRank := 0
	if t.cfg.UseLora {
		loraRank = t.cfg.LoraRank
	}
	model, ctx, err := llama.LoadFromHF(t.cfg.ModelName, t.cfg.HFToken, loraRank)
	if err != nil {
		return err
	}
	return t.ConfigureWith(model, ctx)
}

// ConfigureWith prepares the trainer around an already-built model:
// parameters are cast to the configured dtype, variables are partitioned
// into trainable and frozen, and the optimizer and step executor are
// created. On success the trainer is Configured and ready to Step.
func (t *Trainer) ConfigureWith(model *llama.Model, ctx *context.Context) error {
	if t.state != StateInitialized {
		return errors.Wrapf(llamatune.ErrConfiguration, "ConfigureWith called in state %q", t.state)
	}
	t.model = model
	t.ctx = ctx

	// Align the model config with the requested parameter dtype, then
	// cast what is already loaded and declare what is still missing.
	model.Config.TorchDType = torchDTypeName(t.cfg.ParamDType)
	if err := t.castParams(); err != nil {
		return err
	}
	model.CreateVariables(ctx)

	var err error
	if t.cfg.UseLora {
		t.split, err = lora.Partition(ctx, model.Registry)
		if err != nil {
			return err
		}
	} else {
		t.split = lora.FullyTrainable(ctx)
	}

	t.opt = optimizers.Adam().LearningRate(t.cfg.LearningRate).Done()
	t.stepExec, err = context.NewExec(t.backend, ctx, t.stepGraph)
	if err != nil {
		return errors.WithMessage(err, "building the train step")
	}
	if t.cfg.NumDevices > 1 {
		if err = t.configureSharding(); err != nil {
			return err
		}
	}

	var trainableParams, frozenParams int64
	for _, v := range t.split.Trainable {
		trainableParams += int64(v.Shape().Size())
	}
	for _, v := range t.split.Frozen {
		frozenParams += int64(v.Shape().Size())
	}
	klog.Infof("Trainer configured: %s trainable / %s frozen parameters, %d device(s)",
		humanize.Comma(trainableParams), humanize.Comma(frozenParams),
		t.cfg.NumDevices)
	t.state = StateConfigured
	return nil
}

// torchDTypeName maps a dtype to the name HuggingFace configs use.
func torchDTypeName(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Float16:
		return "float16"
	case dtypes.BFloat16:
		return "bfloat16"
	default:
		return "float32"
	}
}

// castParams converts every float model parameter to cfg.ParamDType.
// Integer variables (e.g. step counters) are left alone.
func (t *Trainer) castParams() error {
	for v := range t.ctx.IterVariables() {
		dtype := v.Shape().DType
		if !dtype.IsFloat() || dtype == t.cfg.ParamDType {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "casting variable %q", v.ScopeAndName())
		}
		cast, err := graph.ExecOnce(t.backend, func(x *graph.Node) *graph.Node {
			return graph.ConvertDType(x, t.cfg.ParamDType)
		}, value)
		if err != nil {
			return errors.WithMessagef(err, "casting variable %q to %s", v.ScopeAndName(), t.cfg.ParamDType)
		}
		if err = v.SetValue(cast); err != nil {
			return err
		}
	}
	return nil
}

// configureSharding sets up auto-sharded execution over the device mesh:
// batch tensors split over the "batch" axis, everything else replicated.
func (t *Trainer) configureSharding() error {
	batchSpec, err := mesh.BatchShardingSpec(t.deviceMesh, 2)
	if err != nil {
		return err
	}
	t.batchSpec = batchSpec
	replicated := mesh.ReplicatedSpec(t.deviceMesh)
	t.stepExec = t.stepExec.AutoSharding(t.deviceMesh).
		WithInputShardingSpecs(batchSpec, batchSpec, batchSpec, batchSpec).
		WithOutputShardingSpecs(replicated, replicated)
	return t.stepExec.SetDefaultShardingSpec(replicated)
}

// stepGraph is the computation of one optimizer step: forward pass,
// masked next-token loss and accuracy, and the Adam update of the
// trainable variables. The optimizer also increments the global step.
func (t *Trainer) stepGraph(ctx *context.Context, inputIDs, positionIDs, attentionMask, labels *graph.Node) (*graph.Node, *graph.Node) {
	logits := t.model.Forward(ctx, inputIDs, positionIDs, attentionMask)
	if logits.DType() != t.cfg.OutputDType {
		logits = graph.ConvertDType(logits, t.cfg.OutputDType)
	}
	loss, accuracy := nextTokenLossAndAccuracy(logits, labels, attentionMask)
	t.opt.UpdateGraph(ctx, loss.Graph(), loss)
	return loss, accuracy
}

// Step runs one optimizer step on batch and schedules an asynchronous
// checkpoint of the updated state.
//
// Metrics are returned one step late: each call hands back the previous
// step's numbers (nil on the first call), so reading them never stalls
// the step that was just dispatched. Finalize flushes the last slot.
func (t *Trainer) Step(batch *sft.Batch) (*StepMetrics, error) {
	if t.state != StateConfigured && t.state != StateStepping {
		return nil, errors.Wrapf(llamatune.ErrConfiguration, "Step called in state %q", t.state)
	}
	t.state = StateStepping

	mask := batch.AttentionMask
	if mask == nil {
		mask = allValidMask(batch.InputIDs)
	}
	var loss, accuracy *tensors.Tensor
	var err error
	if t.batchSpec != nil {
		loss, accuracy, err = t.distributedStep(batch, mask)
	} else {
		loss, accuracy, err = t.stepExec.Exec2(batch.InputIDs, batch.PositionIDs, mask, batch.Labels)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "train step %d", t.stepsDone+1)
	}
	t.stepsDone++

	if err = t.ckpt.Save(t.ctx, t.model.Config, int64(t.stepsDone)); err != nil {
		return nil, err
	}

	previous := t.delayed
	t.delayed = &pendingMetrics{step: t.stepsDone, loss: loss, accu: accuracy}
	if previous == nil {
		return nil, nil
	}
	metrics := previous.materialize()
	if err = checkFinite(metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

// checkFinite aborts the run on a NaN or infinite loss, before the
// divergence can poison checkpoints and the export.
func checkFinite(metrics *StepMetrics) error {
	loss := float64(metrics.Loss)
	if math.IsNaN(loss) {
		return errors.Errorf("loss is NaN at step %d, training interrupted", metrics.Step)
	}
	if math.IsInf(loss, 0) {
		return errors.Errorf("loss is infinity at step %d, training interrupted", metrics.Step)
	}
	return nil
}

// allValidMask builds an all-true boolean mask with ids' dimensions, used
// when a batch carries no attention mask.
func allValidMask(ids *tensors.Tensor) *tensors.Tensor {
	shape := ids.Shape()
	flat := make([]bool, shape.Size())
	for i := range flat {
		flat[i] = true
	}
	return tensors.FromFlatDataAndDimensions(flat, shape.Dimensions...)
}

// distributedStep shards the batch over the mesh's batch axis, runs the
// sharded step and merges the replicated scalar outputs.
func (t *Trainer) distributedStep(batch *sft.Batch, mask *tensors.Tensor) (loss, accuracy *tensors.Tensor, err error) {
	inputs := []*tensors.Tensor{batch.InputIDs, batch.PositionIDs, mask, batch.Labels}
	args := make([]any, 0, len(inputs))
	for i, input := range inputs {
		sharded, shardErr := distributed.ShardTensor(t.batchSpec, input)
		if shardErr != nil {
			return nil, nil, errors.WithMessagef(shardErr, "sharding step input #%d over %d devices", i, t.cfg.NumDevices)
		}
		args = append(args, sharded)
	}
	outputs, err := t.stepExec.DistributedExec(args...)
	if err != nil {
		return nil, nil, err
	}
	if len(outputs) != 2 {
		return nil, nil, errors.Errorf("distributed step returned %d outputs, wanted 2", len(outputs))
	}
	if loss, err = outputs[0].Merge(); err != nil {
		return nil, nil, err
	}
	if accuracy, err = outputs[1].Merge(); err != nil {
		return nil, nil, err
	}
	return loss, accuracy, nil
}

// Train drives the full run: it iterates the dataset for up to
// cfg.NumEpochs epochs and cfg.NumSteps optimizer steps -- whichever
// runs out first -- then finalizes. An exhausted dataset ends the run
// even when the step budget has room left, and a non-positive NumSteps
// means no step cap at all.
func (t *Trainer) Train(ds sft.Dataset) error {
	if t.state != StateConfigured {
		return errors.Wrapf(llamatune.ErrConfiguration, "Train called in state %q", t.state)
	}
	if t.cfg.NumSteps > 0 {
		klog.Infof("Training on %q: at most %d epoch(s) and %d step(s)", ds.Name(), t.cfg.NumEpochs, t.cfg.NumSteps)
	} else {
		klog.Infof("Training on %q: %d epoch(s), no step cap", ds.Name(), t.cfg.NumEpochs)
	}

epochs:
	for epoch := 0; epoch < t.cfg.NumEpochs; epoch++ {
		if epoch > 0 {
			if err := ds.Reset(); err != nil {
				return errors.WithMessagef(err, "resetting dataset for epoch %d", epoch)
			}
		}
		for t.cfg.NumSteps <= 0 || t.stepsDone < t.cfg.NumSteps {
			raw, err := ds.Yield()
			if errors.Is(err, io.EOF) {
				continue epochs
			}
			if err != nil {
				return errors.WithMessagef(err, "reading dataset at step %d", t.stepsDone)
			}
			batch, err := sft.Preprocess(t.backend, raw)
			if err != nil {
				return err
			}
			metrics, err := t.Step(batch)
			if err != nil {
				return err
			}
			t.emit(metrics)
		}
		break
	}
	return t.Finalize()
}

func (t *Trainer) emit(metrics *StepMetrics) {
	if metrics == nil {
		return
	}
	klog.V(1).Infof("step %d: loss=%.4f accuracy=%.4f", metrics.Step, metrics.Loss, metrics.Accuracy)
	if t.OnStep != nil {
		t.OnStep(metrics)
	}
}

// Finalize ends the run: it flushes the delayed metrics slot, writes a
// final checkpoint and waits for every pending checkpoint to land, then
// folds the adapters into the base weights and exports the model in
// HuggingFace layout under cfg.ExportDir(). Idempotent once Exported.
func (t *Trainer) Finalize() error {
	switch t.state {
	case StateExported:
		return nil
	case StateConfigured, StateStepping:
		// proceed
	default:
		return errors.Wrapf(llamatune.ErrConfiguration, "Finalize called in state %q", t.state)
	}
	t.state = StateFinalizing

	if t.delayed != nil {
		metrics := t.delayed.materialize()
		t.delayed = nil
		if err := checkFinite(metrics); err != nil {
			return err
		}
		t.emit(metrics)
	}

	if t.stepsDone > 0 {
		if err := t.ckpt.Save(t.ctx, t.model.Config, int64(t.stepsDone)); err != nil {
			return err
		}
	}
	if err := t.ckpt.WaitUntilFinished(); err != nil {
		return err
	}

	if t.cfg.UseLora {
		if err := lora.Merge(t.backend, t.ctx, t.model.Registry); err != nil {
			return errors.WithMessage(err, "merging adapters")
		}
	}
	if err := llama.SaveToHF(t.ctx, t.model, t.cfg.ExportDir(), t.cfg.ModelName, t.cfg.HFToken); err != nil {
		return err
	}

	klog.Infof("Run finished after %d step(s) (global step %d), model exported to %s",
		t.stepsDone, optimizers.GetGlobalStep(t.ctx), t.cfg.ExportDir())
	t.state = StateExported
	return nil
}
