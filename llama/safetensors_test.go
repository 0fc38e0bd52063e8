package llama

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestSafetensorsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	want := map[string]*tensors.Tensor{
		"dense.weight": tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}),
		"dense.bias":   tensors.FromValue([]float32{-1, 0.5, 2}),
		"norm.scale": tensors.FromFlatDataAndDimensions([]bfloat16.BFloat16{
			bfloat16.FromFloat32(1), bfloat16.FromFloat32(0.5)}, 2),
		"half.scale": tensors.FromFlatDataAndDimensions([]float16.Float16{
			float16.Fromfloat32(1), float16.Fromfloat32(-0.25)}, 2),
		"ids": tensors.FromValue([]int64{7, 8, 9}),
	}
	entries := make([]safetensorEntry, 0, len(want))
	for name, tensor := range want {
		entries = append(entries, safetensorEntry{Name: name, Tensor: tensor})
	}
	require.NoError(t, writeSafetensors(path, entries))

	got := make(map[string]*tensors.Tensor)
	require.NoError(t, readSafetensors(path, func(name string, tensor *tensors.Tensor) error {
		got[name] = tensor
		return nil
	}))
	require.Len(t, got, len(want))
	for name, tensor := range want {
		require.Containsf(t, got, name, "tensor %q lost", name)
		assert.Truef(t, tensor.Equal(got[name]), "tensor %q: want %s, got %s",
			name, tensor.GoStr(), got[name].GoStr())
	}
}

func TestReadSafetensorsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.safetensors")
	require.Error(t, readSafetensors(path, func(string, *tensors.Tensor) error { return nil }))
}

func TestTranspose2D(t *testing.T) {
	transposed, err := transpose2D(tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 4}, {2, 5}, {3, 6}}, transposed.Value())

	_, err = transpose2D(tensors.FromValue([]float32{1, 2}))
	require.Error(t, err)
}

func TestMapWeightName(t *testing.T) {
	for name, want := range map[string]struct {
		scope, varName string
		transposed     bool
	}{
		"model.embed_tokens.weight":                    {"/llama/embed", "embeddings", false},
		"model.norm.weight":                            {"/llama/norm/rms_norm", "scale", false},
		"lm_head.weight":                               {"/llama/output", "weight", true},
		"model.layers.0.input_layernorm.weight":        {"/llama/layer_0/attn_norm/rms_norm", "scale", false},
		"model.layers.3.post_attention_layernorm.weight": {"/llama/layer_3/ffn_norm/rms_norm", "scale", false},
		"model.layers.1.self_attn.q_proj.weight":       {"/llama/layer_1/attn/q_proj", "weight", true},
		"model.layers.12.mlp.down_proj.weight":         {"/llama/layer_12/ffn/down_proj", "weight", true},
	} {
		scope, varName, transposed, ok := mapWeightName(name)
		require.Truef(t, ok, "%s should map", name)
		assert.Equal(t, want.scope, scope, name)
		assert.Equal(t, want.varName, varName, name)
		assert.Equal(t, want.transposed, transposed, name)
	}

	for _, name := range []string{
		"model.rotary_emb.inv_freq",
		"model.layers.0.self_attn.rotary_emb.inv_freq",
		"optimizer_state.whatever",
	} {
		_, _, _, ok := mapWeightName(name)
		assert.Falsef(t, ok, "%s should be skipped", name)
	}
}
