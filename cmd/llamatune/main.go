// llamatune fine-tunes a Llama-family model on an instruction dataset
// with low-rank adapters, then merges the adapters and exports the result
// in HuggingFace layout.
//
// Typical usage:
//
//	llamatune -model meta-llama/Llama-3.2-1B -data alpaca.json \
//	    -base_dir /tmp/llamatune-run -steps 200 -lora_rank 8
//
// The data file is a JSON array of {"instruction", "input", "output"}
// objects. Gated models need -hf_token or the HF_TOKEN environment
// variable.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/llamatune/llamatune/sft"
	"github.com/llamatune/llamatune/trainer"
)

var (
	flagModel       = flag.String("model", "meta-llama/Llama-3.2-1B", "HuggingFace repository of the base model")
	flagData        = flag.String("data", "", "JSON file with instruction examples (required)")
	flagBaseDir     = flag.String("base_dir", "", "Output directory for checkpoints and the exported model (required)")
	flagHFToken     = flag.String("hf_token", "", "HuggingFace auth token for gated models, defaults to $HF_TOKEN")
	flagEpochs      = flag.Int("epochs", 1, "Maximum number of passes over the dataset")
	flagSteps       = flag.Int("steps", 100, "Maximum number of optimizer steps, 0 or negative for no cap")
	flagDevices     = flag.Int("devices", 1, "Number of accelerators to shard over (1, 4 or 8)")
	flagUseLora     = flag.Bool("lora", true, "Train low-rank adapters only; false fine-tunes the whole model")
	flagLoraRank    = flag.Int("lora_rank", 8, "Rank of the adapter factors")
	flagLR          = flag.Float64("learning_rate", 1e-4, "Adam learning rate")
	flagBatchSize   = flag.Int("batch_size", 8, "Examples per batch")
	flagSeqLen      = flag.Int("seq_len", 512, "Sequence length batches are padded or truncated to")
	flagParamDType  = flag.String("param_dtype", "float32", "DType model parameters are kept in")
	flagOutputDType = flag.String("output_dtype", "float32", "DType of the model logits")
	flagKeep        = flag.Int("keep_checkpoints", 3, "How many checkpoints to retain, <= 0 keeps all")
)

func parseDType(name, flagName string) dtypes.DType {
	dtype, found := dtypes.MapOfNames[name]
	if !found {
		klog.Exitf("-%s: unknown dtype %q", flagName, name)
	}
	return dtype
}

func buildConfig() *trainer.Config {
	cfg := trainer.DefaultConfig()
	cfg.ModelName = *flagModel
	cfg.BaseDir = *flagBaseDir
	cfg.HFToken = *flagHFToken
	if cfg.HFToken == "" {
		cfg.HFToken = os.Getenv("HF_TOKEN")
	}
	cfg.ParamDType = parseDType(*flagParamDType, "param_dtype")
	cfg.OutputDType = parseDType(*flagOutputDType, "output_dtype")
	cfg.NumEpochs = *flagEpochs
	cfg.NumSteps = *flagSteps
	cfg.NumDevices = *flagDevices
	cfg.UseLora = *flagUseLora
	cfg.LoraRank = *flagLoraRank
	cfg.LearningRate = *flagLR
	cfg.KeepCheckpoints = *flagKeep
	return cfg
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagData == "" || *flagBaseDir == "" {
		flag.Usage()
		klog.Exit("both -data and -base_dir are required")
	}

	cfg := buildConfig()
	if err := cfg.Validate(); err != nil {
		klog.Exitf("Invalid configuration: %v", err)
	}

	backend := must.M1(backends.New())
	fmt.Printf("Backend: %s\n", backend.Name())

	tr, err := trainer.New(backend, cfg)
	if err != nil {
		klog.Exitf("Creating trainer: %+v", err)
	}
	if err = tr.Configure(); err != nil {
		klog.Exitf("Loading %q: %+v", cfg.ModelName, err)
	}

	repo := hub.New(cfg.ModelName)
	if cfg.HFToken != "" {
		repo = repo.WithAuth(cfg.HFToken)
	}
	tok, err := tokenizers.New(repo)
	if err != nil {
		klog.Exitf("Loading tokenizer of %q: %+v", cfg.ModelName, err)
	}

	examples, err := sft.LoadExamples(*flagData)
	if err != nil {
		klog.Exitf("Loading examples: %+v", err)
	}
	ds, err := sft.NewInstructionDataset("instructions", tok, sft.AlpacaTemplate{},
		examples, *flagBatchSize, *flagSeqLen)
	if err != nil {
		klog.Exitf("Building dataset from %s: %+v", *flagData, err)
	}
	fmt.Printf("Dataset: %d examples, batches of %d x %d tokens\n",
		len(examples), *flagBatchSize, *flagSeqLen)

	barSteps := cfg.NumSteps
	if barSteps <= 0 {
		barSteps = -1 // Spinner: the step count is unbounded.
	}
	bar := progressbar.NewOptions(barSteps,
		progressbar.OptionSetDescription("training"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr))
	tr.OnStep = func(m *trainer.StepMetrics) {
		bar.Describe(fmt.Sprintf("step %d: loss=%.4f acc=%.3f", m.Step, m.Loss, m.Accuracy))
		_ = bar.Add(1)
	}

	if err = tr.Train(ds); err != nil {
		klog.Exitf("Training failed: %+v", err)
	}
	_ = bar.Finish()
	fmt.Printf("\nDone after %d step(s). Merged model exported to %s\n",
		tr.StepsDone(), cfg.ExportDir())
}
