package trainer

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llamatune/llamatune"
	"github.com/llamatune/llamatune/llama"
	"github.com/llamatune/llamatune/sft"
)

func tinyModelConfig() *llama.Config {
	return &llama.Config{
		ModelType: "llama", VocabSize: 16, HiddenSize: 8, IntermediateSize: 16,
		NumHiddenLayers: 2, NumAttentionHeads: 2, NumKeyValueHeads: 1,
		MaxPositionEmbeddings: 16, RMSNormEps: 1e-6, RopeTheta: 10000,
	}
}

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.ModelName = "test/tiny"
	cfg.BaseDir = t.TempDir()
	cfg.NumSteps = 5
	cfg.LoraRank = 2
	cfg.LearningRate = 1e-2
	return cfg
}

// configuredTrainer builds a trainer around a fresh tiny model, skipping
// the HuggingFace download path.
func configuredTrainer(t *testing.T, cfg *Config) (*Trainer, *llama.Model, *context.Context) {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	tr, err := New(backend, cfg)
	require.NoError(t, err)
	require.Equal(t, StateInitialized, tr.State())

	loraRank := 0
	if cfg.UseLora {
		loraRank = cfg.LoraRank
	}
	model := llama.New(tinyModelConfig(), loraRank)
	ctx := context.New()
	require.NoError(t, tr.ConfigureWith(model, ctx))
	require.Equal(t, StateConfigured, tr.State())
	return tr, model, ctx
}

func tinyRawBatch(shift int32) *sft.RawBatch {
	ids := make([]int32, 2*6)
	labels := make([]int32, 2*6)
	mask := make([]bool, 2*6)
	for i := range ids {
		ids[i] = (int32(i) + shift) % 16
		labels[i] = (int32(i) + shift + 1) % 16
		mask[i] = true
	}
	// First two positions of each row are prompt, not scored.
	labels[0], labels[1] = sft.IgnoreLabel, sft.IgnoreLabel
	labels[6], labels[7] = sft.IgnoreLabel, sft.IgnoreLabel
	return &sft.RawBatch{
		InputIDs:      tensors.FromFlatDataAndDimensions(ids, 2, 6),
		Labels:        tensors.FromFlatDataAndDimensions(labels, 2, 6),
		AttentionMask: tensors.FromFlatDataAndDimensions(mask, 2, 6),
	}
}

// sliceDataset yields a fixed list of batches, then io.EOF.
type sliceDataset struct {
	batches []*sft.RawBatch
	next    int
}

func (ds *sliceDataset) Name() string { return "toy" }

func (ds *sliceDataset) Yield() (*sft.RawBatch, error) {
	if ds.next >= len(ds.batches) {
		return nil, io.EOF
	}
	b := ds.batches[ds.next]
	ds.next++
	return b, nil
}

func (ds *sliceDataset) Reset() error {
	ds.next = 0
	return nil
}

func newSliceDataset(n int) *sliceDataset {
	ds := &sliceDataset{}
	for i := range n {
		ds.batches = append(ds.batches, tinyRawBatch(int32(i)))
	}
	return ds
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.ModelName = "m"
		cfg.BaseDir = "d"
		return cfg
	}
	require.NoError(t, base().Validate())

	for name, mutate := range map[string]func(*Config){
		"no model":          func(c *Config) { c.ModelName = "" },
		"no base dir":       func(c *Config) { c.BaseDir = "" },
		"invalid dtype":     func(c *Config) { c.ParamDType = dtypes.InvalidDType },
		"zero epochs":       func(c *Config) { c.NumEpochs = 0 },
		"lora without rank": func(c *Config) { c.UseLora = true; c.LoraRank = 0 },
		"bad learning rate": func(c *Config) { c.LearningRate = 0 },
	} {
		cfg := base()
		mutate(cfg)
		err := cfg.Validate()
		require.Errorf(t, err, "%s should not validate", name)
		assert.ErrorIs(t, err, llamatune.ErrConfiguration, name)
	}
}

func TestNewRejectsUnsupportedDeviceCount(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumDevices = 3
	_, err := New(graphtest.BuildTestBackend(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, llamatune.ErrConfiguration)
}

func TestLifecycleEnforced(t *testing.T) {
	cfg := testConfig(t)
	tr, model, ctx := configuredTrainer(t, cfg)

	// Configuring twice is rejected.
	err := tr.ConfigureWith(model, ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, llamatune.ErrConfiguration)

	// Train after stepping directly is rejected, too.
	backend := graphtest.BuildTestBackend()
	batch, err := sft.Preprocess(backend, tinyRawBatch(0))
	require.NoError(t, err)
	_, err = tr.Step(batch)
	require.NoError(t, err)
	require.Equal(t, StateStepping, tr.State())
	err = tr.Train(newSliceDataset(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, llamatune.ErrConfiguration)

	require.NoError(t, tr.Finalize())
	assert.Equal(t, StateExported, tr.State())
	// Finalize is idempotent once exported...
	require.NoError(t, tr.Finalize())
	// ...but stepping a finished trainer is not allowed.
	_, err = tr.Step(batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, llamatune.ErrConfiguration)
}

func TestStepBeforeConfigureFails(t *testing.T) {
	tr, err := New(graphtest.BuildTestBackend(), testConfig(t))
	require.NoError(t, err)
	_, err = tr.Step(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, llamatune.ErrConfiguration)
}

func TestPartitionAvailableAfterConfigure(t *testing.T) {
	tr, _, _ := configuredTrainer(t, testConfig(t))
	split := tr.Split()
	// 7 projections per layer, 2 factors each, 2 layers.
	assert.Len(t, split.Trainable, 2*7*2)
	// Base weights: embeddings, output head, 14 projection weights and
	// 5 norm scales.
	assert.Len(t, split.Frozen, 1+1+14+5)
}

func TestMetricsAreOneStepDelayed(t *testing.T) {
	cfg := testConfig(t)
	tr, _, _ := configuredTrainer(t, cfg)
	backend := graphtest.BuildTestBackend()

	batch, err := sft.Preprocess(backend, tinyRawBatch(0))
	require.NoError(t, err)

	metrics, err := tr.Step(batch)
	require.NoError(t, err)
	assert.Nil(t, metrics, "first step has no previous metrics to report")

	metrics, err = tr.Step(batch)
	require.NoError(t, err)
	require.NotNil(t, metrics)
	assert.Equal(t, 1, metrics.Step)
	assert.False(t, math.IsNaN(float64(metrics.Loss)))
	assert.Greater(t, metrics.Loss, float32(0))
	assert.GreaterOrEqual(t, metrics.Accuracy, float32(0))
	assert.LessOrEqual(t, metrics.Accuracy, float32(1))
}

func TestFrozenVariablesNeverChange(t *testing.T) {
	cfg := testConfig(t)
	tr, _, ctx := configuredTrainer(t, cfg)
	backend := graphtest.BuildTestBackend()
	batch, err := sft.Preprocess(backend, tinyRawBatch(0))
	require.NoError(t, err)

	// Variables are initialized by the first step; snapshot after it.
	_, err = tr.Step(batch)
	require.NoError(t, err)

	frozenBefore := make(map[string]*tensors.Tensor)
	for name, v := range tr.Split().Frozen {
		clone, cloneErr := v.MustValue().LocalClone()
		require.NoError(t, cloneErr)
		frozenBefore[name] = clone
	}
	upVar := ctx.GetVariableByScopeAndName("/llama/layer_0/attn/q_proj", "lora_b")
	require.NotNil(t, upVar)
	upBefore, err := upVar.MustValue().LocalClone()
	require.NoError(t, err)

	_, err = tr.Step(batch)
	require.NoError(t, err)

	for name, before := range frozenBefore {
		v := tr.Split().Frozen[name]
		assert.Truef(t, before.Equal(v.MustValue()), "frozen variable %q changed during a step", name)
	}
	// The up-factor starts at zero but gets a non-zero gradient, so the
	// optimizer must have moved it.
	assert.False(t, upBefore.Equal(upVar.MustValue()), "adapter up-factor did not train")
}

func TestTrainRunsUntilBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumSteps = 2
	tr, _, _ := configuredTrainer(t, cfg)
	require.NoError(t, tr.Train(newSliceDataset(4)))
	assert.Equal(t, 2, tr.StepsDone())
	assert.Equal(t, StateExported, tr.State())
}

func TestTrainStopsOnDatasetExhaustion(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumSteps = 50
	tr, _, _ := configuredTrainer(t, cfg)
	require.NoError(t, tr.Train(newSliceDataset(3)))
	// The dataset ran dry well before the step budget.
	assert.Equal(t, 3, tr.StepsDone())
	assert.Equal(t, StateExported, tr.State())
}

func TestTrainWithoutStepCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumSteps = 0 // Unbounded: only the epochs limit the run.
	cfg.NumEpochs = 2
	require.NoError(t, cfg.Validate())
	tr, _, _ := configuredTrainer(t, cfg)
	require.NoError(t, tr.Train(newSliceDataset(3)))
	assert.Equal(t, 6, tr.StepsDone())
	assert.Equal(t, StateExported, tr.State())
}

func TestTrainMultipleEpochs(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumSteps = 50
	cfg.NumEpochs = 3
	tr, _, _ := configuredTrainer(t, cfg)
	require.NoError(t, tr.Train(newSliceDataset(2)))
	assert.Equal(t, 6, tr.StepsDone())
}

func TestTrainEmitsMetricsInOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumSteps = 3
	tr, _, _ := configuredTrainer(t, cfg)
	var seen []int
	tr.OnStep = func(m *StepMetrics) { seen = append(seen, m.Step) }
	require.NoError(t, tr.Train(newSliceDataset(5)))
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestFinalizeMergesAndExports(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumSteps = 2
	tr, model, _ := configuredTrainer(t, cfg)
	require.NoError(t, tr.Train(newSliceDataset(3)))

	// Adapters are folded into the base weights before export.
	assert.Zero(t, model.Registry.NumAdapterFactors())

	for _, name := range []string{"model.safetensors", "config.json"} {
		_, err := os.Stat(filepath.Join(cfg.ExportDir(), name))
		assert.NoErrorf(t, err, "export should contain %s", name)
	}

	entries, err := os.ReadDir(cfg.CheckpointDir())
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "training should have left checkpoints behind")
}

func TestFullFineTuningWithoutAdapters(t *testing.T) {
	cfg := testConfig(t)
	cfg.UseLora = false
	cfg.NumSteps = 1
	tr, model, _ := configuredTrainer(t, cfg)
	assert.Empty(t, tr.Split().Frozen)
	assert.Zero(t, model.Registry.NumAdapterFactors())
	require.NoError(t, tr.Train(newSliceDataset(1)))
	assert.Equal(t, 1, tr.StepsDone())
}
