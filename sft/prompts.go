package sft

import (
	"fmt"
	"strings"
)

// Example is one instruction-tuning record.
type Example struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// PromptTemplate formats an Example into the prompt the model is
// conditioned on. The response (Example.Output) is appended after the
// prompt by the dataset; only prompt tokens are masked out of the loss.
type PromptTemplate interface {
	Format(ex *Example) string
}

// AlpacaTemplate is the Stanford Alpaca instruction format, with the
// variant for examples that carry extra input context.
type AlpacaTemplate struct{}

const (
	alpacaHeader = "Below is an instruction that describes a task" +
		"%s. Write a response that appropriately completes the request.\n\n"
	alpacaWithInput = ", paired with an input that provides further context"
)

// Format implements PromptTemplate.
func (AlpacaTemplate) Format(ex *Example) string {
	var sb strings.Builder
	if strings.TrimSpace(ex.Input) == "" {
		sb.WriteString(fmt.Sprintf(alpacaHeader, ""))
		sb.WriteString(fmt.Sprintf("### Instruction:\n%s\n\n### Response:\n", ex.Instruction))
	} else {
		sb.WriteString(fmt.Sprintf(alpacaHeader, alpacaWithInput))
		sb.WriteString(fmt.Sprintf("### Instruction:\n%s\n\n### Input:\n%s\n\n### Response:\n",
			ex.Instruction, ex.Input))
	}
	return sb.String()
}
