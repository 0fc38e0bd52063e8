package llama

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/llamatune/llamatune"
)

// projectionExportOrder fixes the tensor order inside the exported file,
// so repeated exports of the same model are byte-identical.
var projectionExportOrder = []string{
	"self_attn.q_proj", "self_attn.k_proj", "self_attn.v_proj", "self_attn.o_proj",
	"mlp.gate_proj", "mlp.up_proj", "mlp.down_proj",
}

// tokenizerFiles are copied next to the exported weights so the output
// directory is directly loadable by HuggingFace tooling. Files a
// repository doesn't have are skipped.
var tokenizerFiles = []string{
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"generation_config.json",
}

// SaveToHF exports the model's weights, config and tokenizer to outputDir
// in the HuggingFace layout (config.json + model.safetensors). The model
// must have been merged first: exporting with adapter factors still
// attached fails, since the result would silently drop the adapters.
//
// tokenizerName is the repository to copy tokenizer files from, normally
// the one the model was loaded from; authToken may be empty.
func SaveToHF(ctx *context.Context, model *Model, outputDir, tokenizerName, authToken string) error {
	if n := model.Registry.NumAdapterFactors(); n > 0 {
		return errors.Wrapf(llamatune.ErrStructure,
			"model still has %d adapter factor(s), merge before exporting", n)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "creating export dir %s: %v", outputDir, err)
	}

	entries, err := exportEntries(ctx, model.Config)
	if err != nil {
		return err
	}
	weightsPath := filepath.Join(outputDir, "model.safetensors")
	if err = writeSafetensors(weightsPath, entries); err != nil {
		return err
	}
	if err = model.Config.Write(filepath.Join(outputDir, "config.json")); err != nil {
		return err
	}
	if tokenizerName != "" {
		if err = copyTokenizerFiles(tokenizerName, authToken, outputDir); err != nil {
			return err
		}
	}
	klog.Infof("Exported %d tensors to %s", len(entries), outputDir)
	return nil
}

// exportEntries walks the model scopes in a fixed order and produces the
// safetensors entries under their HuggingFace names, transposing the
// projection weights back to the [out, in] layout.
func exportEntries(ctx *context.Context, cfg *Config) ([]safetensorEntry, error) {
	var entries []safetensorEntry
	add := func(hfName, scope, varName string, transposed bool) error {
		v := ctx.GetVariableByScopeAndName(scope, varName)
		if v == nil {
			return errors.Wrapf(llamatune.ErrStructure,
				"variable %s/%s is missing, cannot export %q", scope, varName, hfName)
		}
		t, err := v.Value()
		if err != nil {
			return err
		}
		if transposed {
			if t, err = transpose2D(t); err != nil {
				return errors.WithMessagef(err, "exporting %q", hfName)
			}
		}
		entries = append(entries, safetensorEntry{Name: hfName, Tensor: t})
		return nil
	}

	if err := add("model.embed_tokens.weight", "/"+Scope+"/embed", "embeddings", false); err != nil {
		return nil, err
	}
	for layer := range cfg.NumHiddenLayers {
		layerScope := fmt.Sprintf("/%s/layer_%d", Scope, layer)
		hfPrefix := fmt.Sprintf("model.layers.%d.", layer)
		if err := add(hfPrefix+"input_layernorm.weight", layerScope+"/attn_norm/rms_norm", "scale", false); err != nil {
			return nil, err
		}
		if err := add(hfPrefix+"post_attention_layernorm.weight", layerScope+"/ffn_norm/rms_norm", "scale", false); err != nil {
			return nil, err
		}
		for _, hfProj := range projectionExportOrder {
			if err := add(hfPrefix+hfProj+".weight", layerScope+"/"+projectionNames[hfProj], "weight", true); err != nil {
				return nil, err
			}
		}
	}
	if err := add("model.norm.weight", "/"+Scope+"/norm/rms_norm", "scale", false); err != nil {
		return nil, err
	}
	if !cfg.TieWordEmbeddings {
		if err := add("lm_head.weight", "/"+Scope+"/output", "weight", true); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func copyTokenizerFiles(tokenizerName, authToken, outputDir string) error {
	repo := hub.New(tokenizerName)
	if authToken != "" {
		repo = repo.WithAuth(authToken)
	}
	copied := 0
	for _, name := range tokenizerFiles {
		srcPath, err := repo.DownloadFile(name)
		if err != nil {
			klog.V(1).Infof("Tokenizer repo %q has no %s, skipping", tokenizerName, name)
			continue
		}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return errors.Wrapf(llamatune.ErrExternalIO, "reading tokenizer file %s: %v", srcPath, err)
		}
		if err = os.WriteFile(filepath.Join(outputDir, name), data, 0644); err != nil {
			return errors.Wrapf(llamatune.ErrExternalIO, "writing tokenizer file %s: %v", name, err)
		}
		copied++
	}
	if copied == 0 {
		klog.Warningf("Tokenizer repo %q yielded no tokenizer files, export has weights and config only", tokenizerName)
	}
	return nil
}
