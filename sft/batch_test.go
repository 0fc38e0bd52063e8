package sft

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llamatune/llamatune"
)

func TestPreprocess(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	raw := &RawBatch{
		InputIDs:      tensors.FromValue([][]int64{{5, 6, 7, 0}, {8, 9, 0, 0}}),
		Labels:        tensors.FromValue([][]int64{{-100, 6, 7, -100}, {-100, 9, -100, -100}}),
		AttentionMask: tensors.FromValue([][]int64{{1, 1, 1, 0}, {1, 1, 0, 0}}),
	}
	batch, err := Preprocess(backend, raw)
	require.NoError(t, err)

	assert.Equal(t, dtypes.Int32, batch.InputIDs.DType())
	assert.Equal(t, dtypes.Int32, batch.Labels.DType())
	assert.Equal(t, [][]int32{{5, 6, 7, 0}, {8, 9, 0, 0}}, batch.InputIDs.Value())
	assert.Equal(t, [][]int32{{-100, 6, 7, -100}, {-100, 9, -100, -100}}, batch.Labels.Value())

	// Position ids are always synthesized as 0..seqLen-1, per example.
	assert.Equal(t, [][]int32{{0, 1, 2, 3}, {0, 1, 2, 3}}, batch.PositionIDs.Value())

	assert.Equal(t, dtypes.Bool, batch.AttentionMask.DType())
	assert.Equal(t, [][]bool{{true, true, true, false}, {true, true, false, false}},
		batch.AttentionMask.Value())
}

func TestPreprocessWithoutMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	batch, err := Preprocess(backend, &RawBatch{
		InputIDs: tensors.FromValue([][]int32{{1, 2}}),
		Labels:   tensors.FromValue([][]int32{{2, 3}}),
	})
	require.NoError(t, err)
	assert.Nil(t, batch.AttentionMask)
	assert.Equal(t, [][]int32{{0, 1}}, batch.PositionIDs.Value())
}

func TestPreprocessShapeErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for name, raw := range map[string]*RawBatch{
		"missing labels": {InputIDs: tensors.FromValue([][]int32{{1, 2}})},
		"disagreeing shapes": {
			InputIDs: tensors.FromValue([][]int32{{1, 2, 3}}),
			Labels:   tensors.FromValue([][]int32{{1, 2}}),
		},
		"wrong rank": {
			InputIDs: tensors.FromValue([]int32{1, 2, 3}),
			Labels:   tensors.FromValue([]int32{1, 2, 3}),
		},
		"mask mismatch": {
			InputIDs:      tensors.FromValue([][]int32{{1, 2}}),
			Labels:        tensors.FromValue([][]int32{{1, 2}}),
			AttentionMask: tensors.FromValue([][]bool{{true, true, false}}),
		},
	} {
		_, err := Preprocess(backend, raw)
		require.Errorf(t, err, "%s should fail", name)
		assert.Truef(t, errors.Is(err, llamatune.ErrShape), "%s: got %v", name, err)
	}
}
