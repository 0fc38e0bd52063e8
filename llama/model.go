package llama

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention/pos"

	"github.com/llamatune/llamatune/lora"
)

// Scope is the root scope all model variables live under.
const Scope = "llama"

// Model builds the forward graph of a Llama-family causal LM. When
// LoraRank > 0 every attention and feed-forward projection carries a
// low-rank adapter, registered in Registry.
type Model struct {
	Config   *Config
	LoraRank int
	Registry *lora.Registry

	rope *pos.RoPE
}

// New creates a model builder for the given configuration. loraRank 0
// disables adapters.
func New(cfg *Config, loraRank int) *Model {
	return &Model{
		Config:   cfg,
		LoraRank: loraRank,
		Registry: lora.NewRegistry(),
		rope:     pos.NewRoPE(cfg.RopeTheta),
	}
}

// Forward builds the full-sequence forward pass and returns logits shaped
// [batch, seqLen, vocabSize], in the model's parameter dtype.
//
// inputIDs and positionIDs are [batch, seqLen] int32; positionIDs rows
// are all 0..seqLen-1 (the preprocessor guarantees this). attentionMask
// is [batch, seqLen] bool or nil for all-valid.
func (m *Model) Forward(ctx *context.Context, inputIDs, positionIDs, attentionMask *Node) *Node {
	cfg := m.Config
	if inputIDs.Rank() != 2 {
		exceptions.Panicf("inputIDs must be [batch, seqLen], got %s", inputIDs.Shape())
	}
	if !inputIDs.Shape().EqualDimensions(positionIDs.Shape()) {
		exceptions.Panicf("positionIDs shape %s does not match inputIDs shape %s",
			positionIDs.Shape(), inputIDs.Shape())
	}
	// Checked(false): weights may already exist (loaded or declared
	// eagerly by CreateVariables) while adapters may not.
	ctx = ctx.In(Scope).Checked(false)
	g := inputIDs.Graph()
	seqLen := inputIDs.Shape().Dim(1)

	embedVar := ctx.In("embed").VariableWithShape("embeddings",
		shapes.Make(cfg.DType(), cfg.VocabSize, cfg.HiddenSize))
	x := Gather(embedVar.ValueGraph(g), InsertAxes(inputIDs, -1))

	// Every row of positionIDs is the same 0..seqLen-1 ramp, so the
	// rotary embedding only needs the first one.
	positions := Reshape(Slice(positionIDs, AxisRange(0, 1), AxisRange()), seqLen)

	for layer := range cfg.NumHiddenLayers {
		layerCtx := ctx.Inf("layer_%d", layer)

		residual := x
		x = layers.RMSNorm(layerCtx.In("attn_norm"), x).WithEpsilon(cfg.RMSNormEps).Done()
		x = Add(residual, m.attention(layerCtx.In("attn"), x, positions, attentionMask))

		residual = x
		x = layers.RMSNorm(layerCtx.In("ffn_norm"), x).WithEpsilon(cfg.RMSNormEps).Done()
		x = Add(residual, m.feedForward(layerCtx.In("ffn"), x))
	}

	x = layers.RMSNorm(ctx.In("norm"), x).WithEpsilon(cfg.RMSNormEps).Done()

	if cfg.TieWordEmbeddings {
		return Einsum("bsh,vh->bsv", x, embedVar.ValueGraph(g))
	}
	outputVar := ctx.In("output").VariableWithShape("weight",
		shapes.Make(cfg.DType(), cfg.HiddenSize, cfg.VocabSize))
	m.Registry.Register(outputVar, lora.RoleBase)
	return Einsum("bsh,hv->bsv", x, outputVar.ValueGraph(g))
}

// attention is one causal self-attention block with rotary embeddings and
// grouped-query key/value heads.
func (m *Model) attention(ctx *context.Context, x, positions, attentionMask *Node) *Node {
	cfg := m.Config
	g := x.Graph()
	batchSize, seqLen := x.Shape().Dim(0), x.Shape().Dim(1)
	numHeads, numKV, headDim := cfg.NumAttentionHeads, cfg.NumKeyValueHeads, cfg.HeadDim()

	q := lora.Projection(ctx.In("q_proj"), m.Registry, x, numHeads*headDim, m.LoraRank)
	k := lora.Projection(ctx.In("k_proj"), m.Registry, x, numKV*headDim, m.LoraRank)
	v := lora.Projection(ctx.In("v_proj"), m.Registry, x, numKV*headDim, m.LoraRank)

	q = Reshape(q, batchSize, seqLen, numHeads, headDim)
	k = Reshape(k, batchSize, seqLen, numKV, headDim)
	v = Reshape(v, batchSize, seqLen, numKV, headDim)

	// The rotary embedding reads the sequence from the second-to-last
	// axis, so heads move ahead of the sequence for the rest of the block.
	q = TransposeAllDims(q, 0, 2, 1, 3) // [batch, heads, seqLen, headDim]
	k = TransposeAllDims(k, 0, 2, 1, 3)
	v = TransposeAllDims(v, 0, 2, 1, 3)

	q = m.rope.Apply(q, positions)
	k = m.rope.Apply(k, positions)

	if numKV < numHeads {
		k = repeatKVHeads(k, numHeads/numKV)
		v = repeatKVHeads(v, numHeads/numKV)
	}

	scores := Einsum("bhqd,bhkd->bhqk", q, k)
	scores = MulScalar(scores, 1.0/math.Sqrt(float64(headDim)))

	// Causal mask: query position q attends to key positions <= q. Padded
	// key positions are masked out too when an attention mask is given.
	causal := GreaterOrEqual(
		Iota(g, shapes.Make(scores.DType(), seqLen, seqLen), 0),
		Iota(g, shapes.Make(scores.DType(), seqLen, seqLen), 1))
	mask := BroadcastToShape(ExpandLeftToRank(causal, 4), scores.Shape())
	if attentionMask != nil {
		keyMask := InsertAxes(attentionMask, 1, 1) // [batch, 1, 1, seqLen]
		mask = LogicalAnd(mask, BroadcastToShape(keyMask, scores.Shape()))
	}

	weights := MaskedSoftmax(scores, mask, -1)
	out := Einsum("bhqk,bhkd->bhqd", weights, v)
	out = TransposeAllDims(out, 0, 2, 1, 3) // back to [batch, seqLen, heads, headDim]
	out = Reshape(out, batchSize, seqLen, numHeads*headDim)
	return lora.Projection(ctx.In("o_proj"), m.Registry, out, cfg.HiddenSize, m.LoraRank)
}

// feedForward is the SwiGLU block: down(silu(gate(x)) * up(x)).
func (m *Model) feedForward(ctx *context.Context, x *Node) *Node {
	cfg := m.Config
	gate := lora.Projection(ctx.In("gate_proj"), m.Registry, x, cfg.IntermediateSize, m.LoraRank)
	up := lora.Projection(ctx.In("up_proj"), m.Registry, x, cfg.IntermediateSize, m.LoraRank)
	hidden := Mul(Mul(gate, Sigmoid(gate)), up)
	return lora.Projection(ctx.In("down_proj"), m.Registry, hidden, cfg.HiddenSize, m.LoraRank)
}

// repeatKVHeads expands grouped key/value heads [b, kv, s, d] to the full
// head count [b, kv*repeats, s, d], each group serving adjacent heads.
func repeatKVHeads(x *Node, repeats int) *Node {
	b, kv, s, d := x.Shape().Dim(0), x.Shape().Dim(1), x.Shape().Dim(2), x.Shape().Dim(3)
	x = InsertAxes(x, 2)                       // [b, kv, 1, s, d]
	x = BroadcastToDims(x, b, kv, repeats, s, d)
	return Reshape(x, b, kv*repeats, s, d)
}

// CreateVariables declares every model variable in ctx ahead of graph
// building: the embedding table, per-layer norms and projections (with
// their adapter factors when LoraRank > 0) and the output head. Variables
// that already exist, typically loaded from a checkpoint, are reused.
//
// Calling this before the first forward pass lets variable partitioning
// and checkpointing see the complete parameter tree immediately.
func (m *Model) CreateVariables(ctx *context.Context) {
	cfg := m.Config
	dtype := cfg.DType()
	ctx = ctx.In(Scope).Checked(false)

	ctx.In("embed").VariableWithShape("embeddings",
		shapes.Make(dtype, cfg.VocabSize, cfg.HiddenSize))

	declareScale := func(scaleCtx *context.Context) {
		scaleCtx.In("rms_norm").Checked(false).WithInitializer(initializers.One).
			VariableWithShape("scale", shapes.Make(dtype, cfg.HiddenSize))
	}
	numHeads, numKV, headDim := cfg.NumAttentionHeads, cfg.NumKeyValueHeads, cfg.HeadDim()
	for layer := range cfg.NumHiddenLayers {
		layerCtx := ctx.Inf("layer_%d", layer)
		declareScale(layerCtx.In("attn_norm"))
		declareScale(layerCtx.In("ffn_norm"))

		attn := layerCtx.In("attn")
		lora.DeclareProjection(attn.In("q_proj"), m.Registry, dtype, cfg.HiddenSize, numHeads*headDim, m.LoraRank)
		lora.DeclareProjection(attn.In("k_proj"), m.Registry, dtype, cfg.HiddenSize, numKV*headDim, m.LoraRank)
		lora.DeclareProjection(attn.In("v_proj"), m.Registry, dtype, cfg.HiddenSize, numKV*headDim, m.LoraRank)
		lora.DeclareProjection(attn.In("o_proj"), m.Registry, dtype, numHeads*headDim, cfg.HiddenSize, m.LoraRank)

		ffn := layerCtx.In("ffn")
		lora.DeclareProjection(ffn.In("gate_proj"), m.Registry, dtype, cfg.HiddenSize, cfg.IntermediateSize, m.LoraRank)
		lora.DeclareProjection(ffn.In("up_proj"), m.Registry, dtype, cfg.HiddenSize, cfg.IntermediateSize, m.LoraRank)
		lora.DeclareProjection(ffn.In("down_proj"), m.Registry, dtype, cfg.IntermediateSize, cfg.HiddenSize, m.LoraRank)
	}
	declareScale(ctx.In("norm"))

	if !cfg.TieWordEmbeddings {
		outputVar := ctx.In("output").VariableWithShape("weight",
			shapes.Make(dtype, cfg.HiddenSize, cfg.VocabSize))
		m.Registry.Register(outputVar, lora.RoleBase)
	}
}

// LayerScopes returns the scope paths of all adapter-bearing projections,
// in layer order. Useful for diagnostics and tests.
func (m *Model) LayerScopes() []string {
	scopePaths := make([]string, 0, m.Config.NumHiddenLayers*7)
	for layer := range m.Config.NumHiddenLayers {
		for _, proj := range []string{"attn/q_proj", "attn/k_proj", "attn/v_proj", "attn/o_proj",
			"ffn/gate_proj", "ffn/up_proj", "ffn/down_proj"} {
			scopePaths = append(scopePaths, fmt.Sprintf("/%s/layer_%d/%s", Scope, layer, proj))
		}
	}
	return scopePaths
}
