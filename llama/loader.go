package llama

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/llamatune/llamatune"
	"github.com/llamatune/llamatune/lora"
)

// LoadFromHF downloads a pretrained Llama checkpoint from the given
// HuggingFace repository and materializes its parameters into a fresh
// variable context, under the naming scheme Model.Forward expects.
// authToken may be empty for public repositories. loraRank > 0 attaches
// freshly initialized adapters (the checkpoint never carries them);
// 0 disables them.
func LoadFromHF(modelName, authToken string, loraRank int) (*Model, *context.Context, error) {
	if modelName == "" {
		return nil, nil, errors.Wrap(llamatune.ErrConfiguration, "model name is empty")
	}
	repo := hub.New(modelName).WithProgressBar(true)
	if authToken != "" {
		repo = repo.WithAuth(authToken)
	}

	cfgPath, err := repo.DownloadFile("config.json")
	if err != nil {
		return nil, nil, errors.Wrapf(llamatune.ErrExternalIO,
			"downloading config.json from %q: %v", modelName, err)
	}
	cfg, err := ReadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	model := New(cfg, loraRank)

	weightPaths, err := downloadWeightFiles(repo, modelName)
	if err != nil {
		return nil, nil, err
	}

	ctx := context.New()
	loaded := 0
	for _, path := range weightPaths {
		err = readSafetensors(path, func(name string, t *tensors.Tensor) error {
			scope, varName, transposed, ok := mapWeightName(name)
			if !ok {
				klog.V(1).Infof("Skipping tensor %q from %s", name, path)
				return nil
			}
			if transposed {
				if t, err = transpose2D(t); err != nil {
					return errors.WithMessagef(err, "tensor %q", name)
				}
			}
			v := ctx.InAbsPath(scope).VariableWithValue(varName, t)
			model.Registry.Register(v, lora.RoleBase)
			loaded++
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
	if loaded == 0 {
		return nil, nil, errors.Wrapf(llamatune.ErrStructure,
			"no known model weights found in %q", modelName)
	}
	// Declare whatever the checkpoint didn't carry, notably the adapter
	// factors, so the complete parameter tree exists up front.
	model.CreateVariables(ctx)
	klog.Infof("Loaded %d tensors from %q (%d layers, vocab %d, hidden %d)",
		loaded, modelName, cfg.NumHiddenLayers, cfg.VocabSize, cfg.HiddenSize)
	return model, ctx, nil
}

// downloadWeightFiles fetches the model's safetensors file(s), following
// the shard index when the checkpoint is split.
func downloadWeightFiles(repo *hub.Repo, modelName string) ([]string, error) {
	if path, err := repo.DownloadFile("model.safetensors"); err == nil {
		return []string{path}, nil
	}
	indexPath, err := repo.DownloadFile("model.safetensors.index.json")
	if err != nil {
		return nil, errors.Wrapf(llamatune.ErrExternalIO,
			"%q has neither model.safetensors nor a shard index: %v", modelName, err)
	}
	indexData, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, errors.Wrapf(llamatune.ErrExternalIO, "reading shard index of %q: %v", modelName, err)
	}
	var index struct {
		WeightMap map[string]string `json:"weight_map"`
	}
	if err = json.Unmarshal(indexData, &index); err != nil {
		return nil, errors.Wrapf(llamatune.ErrExternalIO, "parsing shard index of %q: %v", modelName, err)
	}
	shardSet := make(map[string]bool)
	for _, shard := range index.WeightMap {
		shardSet[shard] = true
	}
	shardNames := make([]string, 0, len(shardSet))
	for shard := range shardSet {
		shardNames = append(shardNames, shard)
	}
	sort.Strings(shardNames)
	paths := make([]string, 0, len(shardNames))
	for _, shard := range shardNames {
		path, err := repo.DownloadFile(shard)
		if err != nil {
			return nil, errors.Wrapf(llamatune.ErrExternalIO,
				"downloading shard %s of %q: %v", shard, modelName, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// projectionNames maps the HuggingFace projection names inside a layer to
// their scope under the layer. All projection weights are stored by
// HuggingFace as [out, in] and transposed on load to the [in, out] layout
// the forward pass uses.
var projectionNames = map[string]string{
	"self_attn.q_proj": "attn/q_proj",
	"self_attn.k_proj": "attn/k_proj",
	"self_attn.v_proj": "attn/v_proj",
	"self_attn.o_proj": "attn/o_proj",
	"mlp.gate_proj":    "ffn/gate_proj",
	"mlp.up_proj":      "ffn/up_proj",
	"mlp.down_proj":    "ffn/down_proj",
}

// mapWeightName translates a HuggingFace Llama tensor name to the scope
// and variable name Model.Forward uses. ok is false for tensors the
// forward pass doesn't consume (e.g. precomputed rotary tables).
func mapWeightName(name string) (scope, varName string, transposed, ok bool) {
	switch name {
	case "model.embed_tokens.weight":
		return "/" + Scope + "/embed", "embeddings", false, true
	case "model.norm.weight":
		return "/" + Scope + "/norm/rms_norm", "scale", false, true
	case "lm_head.weight":
		return "/" + Scope + "/output", "weight", true, true
	}

	var layer int
	var rest string
	if n, err := fmt.Sscanf(name, "model.layers.%d.%s", &layer, &rest); n != 2 || err != nil {
		return "", "", false, false
	}
	layerScope := fmt.Sprintf("/%s/layer_%d", Scope, layer)
	switch rest {
	case "input_layernorm.weight":
		return layerScope + "/attn_norm/rms_norm", "scale", false, true
	case "post_attention_layernorm.weight":
		return layerScope + "/ffn_norm/rms_norm", "scale", false, true
	}
	projName, found := strings.CutSuffix(rest, ".weight")
	if !found {
		return "", "", false, false
	}
	projScope, found := projectionNames[projName]
	if !found {
		return "", "", false, false
	}
	return layerScope + "/" + projScope, lora.WeightName, true, true
}
