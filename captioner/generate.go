package captioner

import (
	"image"
	"path"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/gocaption/flickr8k"
)

// VocabularyFileName is the name of the vocabulary file saved by TrainModel
// in the checkpoint directory, and loaded back by NewCaptioner.
const VocabularyFileName = "vocabulary.json"

// Captioner generates captions for arbitrary images, using a model trained
// with TrainModel.
//
// This is an example of how to serve a model for inference.
type Captioner struct {
	backend backends.Backend

	// ctx with the model's weights, loaded from the checkpoint.
	ctx *context.Context

	vocab     *flickr8k.Vocabulary
	extractor *Extractor

	// exec runs the model over (embedding, sequence so far) and returns
	// the greedy choice of the next token.
	exec *context.Exec

	maxDecodeLength int
}

// NewCaptioner loads the model from checkpointDir (weights, hyperparameters
// and vocabulary) and creates the InceptionV3 extractor, with its weights
// stored in dataDir.
func NewCaptioner(backend backends.Backend, checkpointDir, dataDir string) (*Captioner, error) {
	c := &Captioner{
		backend: backend,
		ctx:     context.New(),
	}

	// Notice all hyperparameters are read from the checkpoint as well, so
	// it will build the same model.
	_, err := checkpoints.Load(c.ctx).
		Dir(checkpointDir).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load captioning model from %q", checkpointDir)
	}
	c.ctx = c.ctx.Reuse() // It will be an error to create a new variable, for extra sanity checking.
	c.maxDecodeLength = context.GetParamOr(c.ctx, ParamMaxDecodeLength, 20)

	c.vocab, err = flickr8k.LoadVocabulary(path.Join(checkpointDir, VocabularyFileName))
	if err != nil {
		return nil, err
	}

	c.extractor, err = NewExtractor(backend, dataDir)
	if err != nil {
		return nil, err
	}

	// One graph is compiled (and cached by the Exec) per sequence length.
	c.exec = context.NewExec(c.backend, c.ctx.In("model"), func(ctx *context.Context, feature, sequence *Node) *Node {
		logits := ModelGraph(ctx, nil, []*Node{feature, sequence})[0]
		seqLen := logits.Shape().Dimensions[1]
		last := Slice(logits, AxisRange(), AxisElem(seqLen-1), AxisRange())
		next := ArgMax(last, -1, dtypes.Int32)
		return Reshape(next) // No dimensions given, means a scalar.
	})
	return c, nil
}

// Caption generates a caption for the image: its embedding is extracted
// and then tokens are greedily decoded, starting from the start marker,
// until the model generates the end marker or MaxDecodeLength tokens.
func (c *Captioner) Caption(img image.Image) (string, error) {
	feature, err := c.extractor.Extract(img)
	if err != nil {
		return "", err
	}
	return greedyDecode(c.vocab, c.maxDecodeLength, func(sequence []int32) (int32, error) {
		featureT := tensors.FromFlatDataAndDimensions(feature, 1, len(feature))
		sequenceT := tensors.FromFlatDataAndDimensions(slices.Clone(sequence), 1, len(sequence))
		var outputs []*tensors.Tensor
		err := exceptions.TryCatch[error](func() { outputs = c.exec.Call(featureT, sequenceT) })
		if err != nil {
			return 0, errors.WithMessage(err, "failed to execute captioning model")
		}
		return tensors.ToScalar[int32](outputs[0]), nil
	})
}

// CaptionFile loads, decodes and captions one image file.
func (c *Captioner) CaptionFile(imagePath string) (string, error) {
	img, err := loadImage(imagePath)
	if err != nil {
		return "", err
	}
	return c.Caption(img)
}

// greedyDecode grows a sequence from the start marker, one token at a
// time, by calling nextFn with the sequence so far. It stops at the end
// marker or after maxDecodeLength generated tokens, and returns the
// cleaned-up caption, which is empty if the first generated token is
// already the end marker.
func greedyDecode(vocab *flickr8k.Vocabulary, maxDecodeLength int, nextFn func(sequence []int32) (int32, error)) (string, error) {
	sequence := make([]int32, 1, maxDecodeLength+1)
	sequence[0] = flickr8k.StartID
	for step := 0; step < maxDecodeLength; step++ {
		next, err := nextFn(sequence)
		if err != nil {
			return "", err
		}
		sequence = append(sequence, next)
		if next == flickr8k.EndID {
			break
		}
	}
	return vocab.CleanSequence(sequence), nil
}
