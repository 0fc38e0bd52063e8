package trainer

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// lossDenominatorFloor keeps the per-sequence mean defined when a
// sequence has no target tokens at all (fully padded or fully masked).
const lossDenominatorFloor = 1e-10

// nextTokenLossAndAccuracy computes the causal language-modeling loss
// and token accuracy for one batch.
//
// Logits at position t predict the token at position t+1, so the last
// logit column and the first label column are dropped before comparing.
// A target position counts only when the (shifted) attention mask is on
// and its label is non-negative; ignored positions use label 0 in the
// cross-entropy so they stay finite, and their contribution is zeroed by
// the mask. Logits are upcast to float32 before the softmax, whatever
// dtype the model runs in.
//
//	logits:        [batch, seqLen, vocab]
//	labels:        [batch, seqLen] int32, negative means "don't score"
//	attentionMask: [batch, seqLen] bool
//
// Both returns are float32 scalars, normalized the same way: the
// per-sequence mean (token loss, or argmax hit rate) averaged across
// the batch, so short sequences weigh as much as long ones.
func nextTokenLossAndAccuracy(logits, labels, attentionMask *Node) (loss, accuracy *Node) {
	seqLen := logits.Shape().Dim(1)
	vocabSize := logits.Shape().Dim(-1)

	shiftLogits := Slice(logits, AxisRange(), AxisRangeFromStart(seqLen-1), AxisRange())
	shiftLabels := Slice(labels, AxisRange(), AxisRangeToEnd(1))
	shiftMask := Slice(attentionMask, AxisRange(), AxisRangeToEnd(1))

	valid := LogicalAnd(shiftMask, GreaterOrEqual(shiftLabels, ZerosLike(shiftLabels)))
	safeLabels := Where(valid, shiftLabels, ZerosLike(shiftLabels))
	validF := ConvertDType(valid, dtypes.Float32)

	logits32 := ConvertDType(shiftLogits, dtypes.Float32)
	logProbs := LogSoftmax(logits32, -1)
	targetLogProb := ReduceSum(Mul(logProbs, OneHot(safeLabels, vocabSize, dtypes.Float32)), -1)
	tokenLoss := Neg(Mul(targetLogProb, validF)) // [batch, seqLen-1]

	perSeqCount := MaxScalar(ReduceSum(validF, -1), lossDenominatorFloor)
	loss = ReduceAllMean(Div(ReduceSum(tokenLoss, -1), perSeqCount))

	predictions := ArgMax(logits32, -1, shiftLabels.DType())
	hits := Mul(ConvertDType(Equal(predictions, shiftLabels), dtypes.Float32), validF)
	accuracy = ReduceAllMean(Div(ReduceSum(hits, -1), perSeqCount))
	return
}
