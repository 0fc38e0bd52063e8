// Package llama builds and runs Llama-family causal language models:
// loading pretrained weights from a HuggingFace repository, building the
// forward graph with optional low-rank adapters on every projection, and
// exporting trained weights back to the HuggingFace safetensors layout.
package llama

import (
	"encoding/json"
	"os"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"

	"github.com/llamatune/llamatune"
)

// Config is the structural configuration of a Llama-family model, in the
// HuggingFace config.json schema. Only the fields the forward pass and
// the exporter need are kept.
type Config struct {
	Architectures         []string `json:"architectures,omitempty"`
	ModelType             string   `json:"model_type,omitempty"`
	VocabSize             int      `json:"vocab_size"`
	HiddenSize            int      `json:"hidden_size"`
	IntermediateSize      int      `json:"intermediate_size"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	NumKeyValueHeads      int      `json:"num_key_value_heads"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	RMSNormEps            float64  `json:"rms_norm_eps"`
	RopeTheta             float64  `json:"rope_theta"`
	TieWordEmbeddings     bool     `json:"tie_word_embeddings"`
	TorchDType            string   `json:"torch_dtype,omitempty"`
	BosTokenID            int      `json:"bos_token_id,omitempty"`
	EosTokenID            int      `json:"eos_token_id,omitempty"`
}

// HeadDim returns the per-head dimension of the attention projections.
func (c *Config) HeadDim() int {
	return c.HiddenSize / c.NumAttentionHeads
}

// DType returns the parameter dtype declared by the checkpoint,
// defaulting to float32 when absent or unknown.
func (c *Config) DType() dtypes.DType {
	switch c.TorchDType {
	case "float16":
		return dtypes.Float16
	case "bfloat16":
		return dtypes.BFloat16
	default:
		return dtypes.Float32
	}
}

// Validate checks the config describes a model the forward pass can
// actually build. Errors wrap llamatune.ErrConfiguration.
func (c *Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return errors.Wrapf(llamatune.ErrConfiguration, "vocab_size=%d", c.VocabSize)
	case c.HiddenSize <= 0 || c.IntermediateSize <= 0:
		return errors.Wrapf(llamatune.ErrConfiguration,
			"hidden_size=%d, intermediate_size=%d", c.HiddenSize, c.IntermediateSize)
	case c.NumHiddenLayers <= 0:
		return errors.Wrapf(llamatune.ErrConfiguration, "num_hidden_layers=%d", c.NumHiddenLayers)
	case c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0:
		return errors.Wrapf(llamatune.ErrConfiguration,
			"num_attention_heads=%d doesn't divide hidden_size=%d", c.NumAttentionHeads, c.HiddenSize)
	case c.NumKeyValueHeads <= 0 || c.NumAttentionHeads%c.NumKeyValueHeads != 0:
		return errors.Wrapf(llamatune.ErrConfiguration,
			"num_key_value_heads=%d doesn't divide num_attention_heads=%d",
			c.NumKeyValueHeads, c.NumAttentionHeads)
	case c.MaxPositionEmbeddings <= 0:
		return errors.Wrapf(llamatune.ErrConfiguration,
			"max_position_embeddings=%d", c.MaxPositionEmbeddings)
	}
	return nil
}

// ReadConfig parses a HuggingFace config.json file.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(llamatune.ErrExternalIO, "reading model config %s: %v", path, err)
	}
	cfg := &Config{
		NumKeyValueHeads: 0, // Defaults to NumAttentionHeads below.
		RMSNormEps:       1e-6,
		RopeTheta:        10000.0,
	}
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(llamatune.ErrExternalIO, "parsing model config %s: %v", path, err)
	}
	if cfg.NumKeyValueHeads == 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write serializes the config back to a HuggingFace config.json file.
func (c *Config) Write(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "serializing model config: %v", err)
	}
	data = append(data, '\n')
	if err = os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "writing model config %s: %v", path, err)
	}
	return nil
}
