package sft

import (
	"encoding/json"
	"io"
	"os"

	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/llamatune/llamatune"
)

// Tokenizer is the subset of the HuggingFace tokenizer API the dataset
// needs; api.Tokenizer satisfies it.
type Tokenizer interface {
	Encode(text string) []int
	SpecialTokenID(token api.SpecialToken) (int, error)
}

// InstructionDataset tokenizes instruction-tuning examples into fixed
// shape [batchSize, seqLen] batches. Prompt tokens and padding carry
// IgnoreLabel in the labels, so only response tokens are scored.
//
// Examples that don't fill a whole batch at the end of an epoch are
// dropped; batches must keep a fixed shape so the compiled training
// graph is reused across steps.
type InstructionDataset struct {
	name      string
	tok       Tokenizer
	template  PromptTemplate
	examples  []Example
	batchSize int
	seqLen    int
	bosID     int32
	hasBOS    bool
	eosID     int32
	padID     int32

	next int
}

var _ Dataset = (*InstructionDataset)(nil)

// NewInstructionDataset builds a dataset over the given examples. When the
// tokenizer defines them, a beginning-of-sentence id is prepended to every
// prompt and an end-of-sentence id terminates every response; padding uses
// the pad id, falling back to the end-of-sentence id and then to 0.
func NewInstructionDataset(name string, tok Tokenizer, template PromptTemplate,
	examples []Example, batchSize, seqLen int) (*InstructionDataset, error) {
	if batchSize <= 0 || seqLen <= 1 {
		return nil, errors.Wrapf(llamatune.ErrConfiguration,
			"dataset %q needs batchSize > 0 and seqLen > 1, got %d and %d", name, batchSize, seqLen)
	}
	if len(examples) < batchSize {
		return nil, errors.Wrapf(llamatune.ErrConfiguration,
			"dataset %q has %d example(s), fewer than one batch of %d", name, len(examples), batchSize)
	}
	ds := &InstructionDataset{
		name:      name,
		tok:       tok,
		template:  template,
		examples:  examples,
		batchSize: batchSize,
		seqLen:    seqLen,
	}
	if bosID, err := tok.SpecialTokenID(api.TokBeginningOfSentence); err == nil {
		ds.bosID = int32(bosID)
		ds.hasBOS = true
	}
	if eosID, err := tok.SpecialTokenID(api.TokEndOfSentence); err == nil {
		ds.eosID = int32(eosID)
	}
	ds.padID = ds.eosID
	if padID, err := tok.SpecialTokenID(api.TokPad); err == nil {
		ds.padID = int32(padID)
	}
	return ds, nil
}

// Name implements Dataset.
func (ds *InstructionDataset) Name() string { return ds.name }

// Reset implements Dataset, rewinding to the first example.
func (ds *InstructionDataset) Reset() error {
	ds.next = 0
	return nil
}

// Yield implements Dataset, returning io.EOF once fewer than a full
// batch of examples remain.
func (ds *InstructionDataset) Yield() (*RawBatch, error) {
	if ds.next+ds.batchSize > len(ds.examples) {
		return nil, io.EOF
	}
	batch := ds.examples[ds.next : ds.next+ds.batchSize]
	ds.next += ds.batchSize

	n := ds.batchSize * ds.seqLen
	inputIDs := make([]int32, 0, n)
	labels := make([]int32, 0, n)
	mask := make([]bool, 0, n)
	promptLengths := make([]int32, 0, ds.batchSize)
	responseLengths := make([]int32, 0, ds.batchSize)

	for i := range batch {
		ex := &batch[i]
		var promptTokens []int32
		if ds.hasBOS {
			promptTokens = append(promptTokens, ds.bosID)
		}
		promptTokens = append(promptTokens, encodeInt32(ds.tok, ds.template.Format(ex))...)
		if len(promptTokens) >= ds.seqLen {
			return nil, errors.Wrapf(llamatune.ErrShape,
				"dataset %q: prompt of example %d takes %d tokens, leaving no room for a response within seqLen=%d",
				ds.name, ds.next-ds.batchSize+i, len(promptTokens), ds.seqLen)
		}
		full := append(promptTokens, encodeInt32(ds.tok, ex.Output)...)
		full = append(full, ds.eosID)
		if len(full) > ds.seqLen {
			full = full[:ds.seqLen]
		}
		promptLengths = append(promptLengths, int32(len(promptTokens)))
		responseLengths = append(responseLengths, int32(len(full)-len(promptTokens)))

		for pos := 0; pos < ds.seqLen; pos++ {
			switch {
			case pos < len(promptTokens):
				inputIDs = append(inputIDs, full[pos])
				labels = append(labels, IgnoreLabel)
				mask = append(mask, true)
			case pos < len(full):
				inputIDs = append(inputIDs, full[pos])
				labels = append(labels, full[pos])
				mask = append(mask, true)
			default:
				inputIDs = append(inputIDs, ds.padID)
				labels = append(labels, IgnoreLabel)
				mask = append(mask, false)
			}
		}
	}

	return &RawBatch{
		InputIDs:        tensors.FromFlatDataAndDimensions(inputIDs, ds.batchSize, ds.seqLen),
		Labels:          tensors.FromFlatDataAndDimensions(labels, ds.batchSize, ds.seqLen),
		AttentionMask:   tensors.FromFlatDataAndDimensions(mask, ds.batchSize, ds.seqLen),
		PromptLengths:   promptLengths,
		ResponseLengths: responseLengths,
	}, nil
}

func encodeInt32(tok Tokenizer, text string) []int32 {
	encoded := tok.Encode(text)
	tokens := make([]int32, len(encoded))
	for i, t := range encoded {
		tokens[i] = int32(t)
	}
	return tokens
}

// LoadExamples reads instruction examples from a JSON file holding an
// array of {"instruction", "input", "output"} records.
func LoadExamples(path string) ([]Example, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(llamatune.ErrExternalIO, "reading examples from %s: %v", path, err)
	}
	var examples []Example
	if err = json.Unmarshal(data, &examples); err != nil {
		return nil, errors.Wrapf(llamatune.ErrExternalIO, "parsing examples from %s: %v", path, err)
	}
	return examples, nil
}
