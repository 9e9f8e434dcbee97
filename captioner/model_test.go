package captioner

import (
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/gomlx/gocaption/flickr8k"
)

func TestModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParam(ParamVocabSize, 11)
	ctx.SetParam(ParamEmbedSize, 8)
	ctx.SetParam(ParamHiddenSize, 8)

	exec := context.NewExec(backend, ctx.In("model"), func(ctx *context.Context, features, tokens *Node) *Node {
		return ModelGraph(ctx, nil, []*Node{features, tokens})[0]
	})

	batchSize, seqLen, featureSize := 3, 5, 16
	features := tensors.FromFlatDataAndDimensions(make([]float32, batchSize*featureSize), batchSize, featureSize)
	tokensFlat := make([]int32, batchSize*seqLen)
	for i := range tokensFlat {
		tokensFlat[i] = int32(i % 11)
	}
	tokens := tensors.FromFlatDataAndDimensions(tokensFlat, batchSize, seqLen)

	var outputs []*tensors.Tensor
	require.NoError(t, exceptions.TryCatch[error](func() { outputs = exec.Call(features, tokens) }))
	require.Len(t, outputs, 1)
	assert.Equal(t, []int{batchSize, seqLen, 11}, outputs[0].Shape().Dimensions)
	assert.Equal(t, DType, outputs[0].DType())
}

func TestModelGraphRequiresVocabSize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext() // No ParamVocabSize set.
	exec := context.NewExec(backend, ctx.In("model"), func(ctx *context.Context, features, tokens *Node) *Node {
		return ModelGraph(ctx, nil, []*Node{features, tokens})[0]
	})
	features := tensors.FromFlatDataAndDimensions(make([]float32, 4), 1, 4)
	tokens := tensors.FromFlatDataAndDimensions([]int32{flickr8k.StartID, flickr8k.EndID}, 1, 2)
	err := exceptions.TryCatch[error](func() { exec.Call(features, tokens) })
	require.Error(t, err)
}

func TestMaskedTokenAccuracyGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, targets, mask, logits *Node) *Node {
		return MaskedTokenAccuracyGraph(ctx, []*Node{targets, mask}, []*Node{logits})
	})

	// Predictions (by argmax) are [1, 0, 0]; targets are [1, 2, 0], but the
	// last position is masked out: accuracy is 1 of 2.
	targets := tensors.FromFlatDataAndDimensions([]int32{1, 2, 0}, 1, 3, 1)
	mask := tensors.FromFlatDataAndDimensions([]bool{true, true, false}, 1, 3)
	logits := tensors.FromFlatDataAndDimensions([]float32{
		0, 9, 0, 0,
		9, 0, 0, 0,
		9, 0, 0, 0,
	}, 1, 3, 4)

	var outputs []*tensors.Tensor
	require.NoError(t, exceptions.TryCatch[error](func() { outputs = exec.Call(targets, mask, logits) }))
	assert.InDelta(t, 0.5, tensors.ToScalar[float32](outputs[0]), 1e-6)
}
