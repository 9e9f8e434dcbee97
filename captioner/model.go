// Package captioner trains and serves an image captioning model on the
// Flickr8k dataset.
//
// The model is a classic "show and tell" decoder: images are embedded once
// with a pre-trained InceptionV3 backbone (see Extractor), captions are
// embedded per token and decoded by an LSTM, with the projected image
// embedding added to every step's hidden state before the output layer.
//
// TrainModel runs the training loop, checkpointing whenever the validation
// loss improves, and Captioner loads a checkpoint and generates captions
// for new images with greedy decoding.
package captioner

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/lstm"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/gocaption/flickr8k"
)

// DType of the model.
var DType = dtypes.Float32

// Context hyperparameters used by the model. See CreateDefaultContext for
// the defaults, and commandline.ParseContextSettings to override them from
// flags.
const (
	// ParamVocabSize is the vocabulary size, reserved tokens included.
	// Set by TrainModel from the corpus, there is no meaningful default.
	ParamVocabSize = "vocab_size"

	// ParamMaxCaptionLength is the fixed caption encoding length.
	// Set by TrainModel from the corpus.
	ParamMaxCaptionLength = "max_caption_length"

	// ParamEmbedSize is the dimension of the token embeddings.
	ParamEmbedSize = "embed_size"

	// ParamHiddenSize is the dimension of the LSTM hidden state and of the
	// image embedding projection.
	ParamHiddenSize = "hidden_size"

	// ParamEpochs is the number of training epochs.
	ParamEpochs = "epochs"

	// ParamMaxDecodeLength is the maximum number of tokens generated at
	// inference time.
	ParamMaxDecodeLength = "max_decode_length"
)

// ParamsExcludedFromSaving is the list of parameters (see
// CreateDefaultContext) that shouldn't be saved along on the models
// checkpoints, and may be overwritten in further training sessions.
var ParamsExcludedFromSaving = []string{
	"data_dir", "epochs", "num_checkpoints",
}

// CreateDefaultContext sets the parameters with their default values in a
// fresh context.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		// Model geometry.
		ParamEmbedSize:  256,
		ParamHiddenSize: 256,

		// Training.
		"batch_size":                 32,
		"min_word_count":             5,
		ParamEpochs:                  20,
		"num_checkpoints":            1,
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,

		// Inference.
		ParamMaxDecodeLength: 20,
	})
	return ctx
}

// ModelGraph builds the captioning model. It takes inputs[0] as the image
// embeddings, Float32 shaped [batchSize, featureSize], and inputs[1] as the
// input token ids, Int32 shaped [batchSize, seqLen], and returns the logits
// over the vocabulary, shaped [batchSize, seqLen, vocabSize].
//
// The model itself is stateless: all learned weights live as variables in
// ctx, so the same function serves training (teacher-forced, full
// sequences) and greedy decoding (growing sequences).
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	features, tokens := inputs[0], inputs[1]
	g := features.Graph()

	vocabSize := context.GetParamOr(ctx, ParamVocabSize, 0)
	if vocabSize <= int(flickr8k.NumReservedIDs) {
		exceptions.Panicf("invalid %q hyperparameter (%d): was the model trained (or the checkpoint loaded)?",
			ParamVocabSize, vocabSize)
	}
	embedSize := context.GetParamOr(ctx, ParamEmbedSize, 256)
	hiddenSize := context.GetParamOr(ctx, ParamHiddenSize, 256)

	// Image embedding projected to the LSTM hidden size.
	imageProjection := layers.Dense(ctx.In("image_projection"), features, true, hiddenSize)

	// Token embeddings, with the pad positions zeroed out.
	embedded := layers.Embedding(ctx.In("token_embedding"), tokens, DType, vocabSize, embedSize)
	notPad := NotEqual(tokens, Scalar(g, tokens.DType(), int(flickr8k.PadID)))
	embedded = Mul(embedded, ConvertDType(ExpandAxes(notPad, -1), DType))

	// LSTM returns the per-step hidden states shaped
	// [seqLen, numDirections=1, batchSize, hiddenSize].
	hidden, _, _ := lstm.New(ctx.In("decoder"), embedded, hiddenSize).Done()
	hidden = Squeeze(hidden, 1)
	hidden = Transpose(hidden, 0, 1) // [batchSize, seqLen, hiddenSize]

	// The image is added to every step of the decoded sequence.
	combined := Add(hidden, ExpandAxes(imageProjection, 1))

	logits := layers.Dense(ctx.In("output"), combined, true, vocabSize)
	return []*Node{logits}
}
