package sft

import (
	"io"
	"strings"
	"testing"

	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llamatune/llamatune"
)

// wordTokenizer maps every whitespace-separated word to a fixed id.
type wordTokenizer struct{}

func (wordTokenizer) Encode(text string) []int {
	words := strings.Fields(text)
	tokens := make([]int, len(words))
	for i, w := range words {
		tokens[i] = 10 + len(w) // deterministic, irrelevant which.
	}
	return tokens
}

func (wordTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokEndOfSentence:
		return 2, nil
	case api.TokPad:
		return 0, nil
	}
	return 0, errors.New("undefined special token")
}

// oneLiner is a minimal template so token counts stay predictable.
type oneLiner struct{}

func (oneLiner) Format(ex *Example) string { return ex.Instruction + " :" }

func threeExamples() []Example {
	return []Example{
		{Instruction: "add two plus two", Output: "four"},
		{Instruction: "name a color", Output: "blue maybe"},
		{Instruction: "say hi", Output: "hi"},
	}
}

func TestInstructionDatasetYield(t *testing.T) {
	ds, err := NewInstructionDataset("toy", wordTokenizer{}, oneLiner{}, threeExamples(), 2, 8)
	require.NoError(t, err)
	assert.Equal(t, "toy", ds.Name())

	raw, err := ds.Yield()
	require.NoError(t, err)
	require.Equal(t, []int{2, 8}, raw.InputIDs.Shape().Dimensions)
	require.Equal(t, []int{2, 8}, raw.Labels.Shape().Dimensions)

	// "add two plus two :" is 5 prompt tokens, "four" + eos is 2 response tokens.
	assert.Equal(t, []int32{5, 4}, raw.PromptLengths)
	assert.Equal(t, []int32{2, 3}, raw.ResponseLengths)

	labels := raw.Labels.Value().([][]int32)
	mask := raw.AttentionMask.Value().([][]bool)
	for i, promptLen := range raw.PromptLengths {
		total := int(promptLen + raw.ResponseLengths[i])
		for pos := 0; pos < 8; pos++ {
			switch {
			case pos < int(promptLen):
				assert.Equal(t, IgnoreLabel, labels[i][pos], "prompt position %d of example %d", pos, i)
				assert.True(t, mask[i][pos])
			case pos < total:
				assert.NotEqual(t, IgnoreLabel, labels[i][pos], "response position %d of example %d", pos, i)
				assert.True(t, mask[i][pos])
			default:
				assert.Equal(t, IgnoreLabel, labels[i][pos], "padding position %d of example %d", pos, i)
				assert.False(t, mask[i][pos])
			}
		}
	}

	// One leftover example is not a full batch: the epoch ends.
	_, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	// Reset starts the next epoch from the first example.
	require.NoError(t, ds.Reset())
	again, err := ds.Yield()
	require.NoError(t, err)
	assert.True(t, raw.InputIDs.Equal(again.InputIDs))
}

func TestInstructionDatasetPromptTooLong(t *testing.T) {
	ds, err := NewInstructionDataset("toy", wordTokenizer{}, oneLiner{}, threeExamples(), 2, 4)
	require.NoError(t, err)
	_, err = ds.Yield()
	require.Error(t, err)
	assert.True(t, errors.Is(err, llamatune.ErrShape), "got %v", err)
}

func TestInstructionDatasetConfigErrors(t *testing.T) {
	_, err := NewInstructionDataset("toy", wordTokenizer{}, oneLiner{}, threeExamples(), 0, 8)
	assert.True(t, errors.Is(err, llamatune.ErrConfiguration), "got %v", err)
	_, err = NewInstructionDataset("toy", wordTokenizer{}, oneLiner{}, threeExamples(), 4, 8)
	assert.True(t, errors.Is(err, llamatune.ErrConfiguration), "got %v", err)
}

func TestAlpacaTemplate(t *testing.T) {
	var tmpl AlpacaTemplate
	withInput := tmpl.Format(&Example{Instruction: "translate", Input: "bonjour", Output: "hello"})
	assert.Contains(t, withInput, "### Instruction:\ntranslate")
	assert.Contains(t, withInput, "### Input:\nbonjour")
	assert.True(t, strings.HasSuffix(withInput, "### Response:\n"))

	withoutInput := tmpl.Format(&Example{Instruction: "say hi", Output: "hi"})
	assert.NotContains(t, withoutInput, "### Input:")
	assert.True(t, strings.HasSuffix(withoutInput, "### Response:\n"))
}
