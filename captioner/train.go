package captioner

import (
	"fmt"
	"math"
	"path"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/gomlx/gocaption/flickr8k"
)

// BuildFeatures returns the image embeddings for the captioned images:
// loaded from config.FeaturesFile if cached there, otherwise extracted with
// a fresh Extractor and saved for the next time.
func BuildFeatures(backend backends.Backend, config *flickr8k.Configuration, captions map[string][]string) (flickr8k.FeatureTable, error) {
	if data.FileExists(config.FeaturesFile) {
		return flickr8k.LoadFeatures(config.FeaturesFile)
	}
	extractor, err := NewExtractor(backend, config.DataDir)
	if err != nil {
		return nil, err
	}
	ids := maps.Keys(captions)
	sort.Strings(ids)
	table, numFailed, err := extractor.ExtractDir(config.ImagesDir, ids)
	if err != nil {
		return nil, err
	}
	if numFailed > 0 {
		klog.Warningf("Failed to extract features of %d images, they are excluded from training.", numFailed)
	}
	fmt.Printf("Extracted features of %s images (%d failed), cached to %q\n",
		humanize.Comma(int64(len(table))), numFailed, config.FeaturesFile)
	if err := table.Save(config.FeaturesFile); err != nil {
		return nil, err
	}
	return table, nil
}

// MaskedTokenAccuracyGraph computes the fraction of the non-pad positions
// where the largest logit matches the target token.
func MaskedTokenAccuracyGraph(_ *context.Context, labels, logits []*Node) *Node {
	targets := Squeeze(labels[0], -1)
	mask := ConvertDType(labels[1], DType)
	predicted := ArgMax(logits[0], -1, targets.DType())
	correct := ConvertDType(Equal(predicted, targets), DType)
	return Div(ReduceAllSum(Mul(correct, mask)), ReduceAllSum(mask))
}

// lossMetricShortName identifies the epoch-mean loss metric attached to
// both the training and the evaluation metrics of the Trainer.
const lossMetricShortName = "#mloss"

// meanMaskedLossGraph computes the same masked sparse cross-entropy used as
// the training loss. Wrapped in a mean metric it accumulates over all the
// batches of an epoch, so it reports the epoch mean and not the value of
// whichever batch came last.
func meanMaskedLossGraph(_ *context.Context, labels, logits []*Node) *Node {
	return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits(labels, logits))
}

// TrainModel trains the captioning model for the configured number of
// epochs, evaluating on the validation split after every epoch and saving
// a checkpoint (if checkpointDir is given) whenever the validation loss
// improves over the best seen so far. The vocabulary is saved next to the
// checkpoint, so Captioner can load both later.
//
// paramsSet are hyperparameters overridden on the command line: they are
// not saved with the checkpoint, so they can be changed when resuming.
// It panics on any error other than individual image extraction failures.
func TrainModel(ctx *context.Context, config *flickr8k.Configuration, checkpointDir string, paramsSet []string) {
	backend := backends.MustNew()
	captions := must.M1(flickr8k.LoadCaptions(config.CaptionsFile))
	features := must.M1(BuildFeatures(backend, config, captions))
	vocab := flickr8k.NewVocabulary(captions, config.MinWordCount)
	fmt.Printf("Vocabulary: %s entries, captions encoded to %d tokens\n",
		humanize.Comma(int64(vocab.Size())), vocab.MaxCaptionLength)
	ctx.SetParam(ParamVocabSize, vocab.Size())
	ctx.SetParam(ParamMaxCaptionLength, vocab.MaxCaptionLength)

	// Checkpoints saving: it also loads any previous checkpoint in
	// checkpointDir, to continue training.
	var checkpoint *checkpoints.Handler
	if checkpointDir != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 1)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointDir, config.DataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
		must.M(vocab.Save(path.Join(checkpoint.Dir(), VocabularyFileName)))
	}

	trainDS, validDS := must.M2(flickr8k.CreateDatasets(config, captions, features, vocab))
	fmt.Printf("Datasets: %s training images, %s validation images\n",
		humanize.Comma(int64(trainDS.NumExamples())), humanize.Comma(int64(validDS.NumExamples())))
	var trainingDS train.Dataset = trainDS
	if config.UseParallelism {
		trainingDS = data.CustomParallel(trainDS).Buffer(config.BufferSize).Start()
	}

	// Metrics we are interested in. The mean loss metric is attached to
	// both sides, so the reported training and validation losses are epoch
	// means computed the same way.
	meanLossMetric := metrics.NewMeanMetric(
		"Mean Masked Loss", lossMetricShortName, metrics.LossMetricType, meanMaskedLossGraph, nil)
	meanAccuracyMetric := metrics.NewMeanMetric(
		"Mean Token Accuracy", "#acc", metrics.AccuracyMetricType, MaskedTokenAccuracyGraph, nil)
	movingAccuracyMetric := metrics.NewExponentialMovingAverageMetric(
		"Moving Average Token Accuracy", "~acc", metrics.AccuracyMetricType, MaskedTokenAccuracyGraph, nil, 0.01)

	// Create a train.Trainer: this object will orchestrate running the
	// model, feeding results to the optimizer, evaluating the metrics, etc.
	ctx = ctx.In("model") // Convention scope used for model creation.
	trainer := train.NewTrainer(backend, ctx, ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric, meanLossMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric, meanLossMetric})   // evalMetrics
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	// One training pass and one validation pass per epoch, keeping the
	// checkpoint of the best validation loss seen.
	numEpochs := context.GetParamOr(ctx, ParamEpochs, 20)
	bestValidLoss := math.Inf(1)
	for epoch := 1; epoch <= numEpochs; epoch++ {
		trainingDS.Reset()
		trainValues := must.M1(loop.RunEpochs(trainingDS, 1))
		trainLoss := lossFromMetrics(trainer.TrainMetrics(), trainValues, lossMetricShortName)
		validValues := trainer.Eval(validDS) // Eval resets validDS when done.
		validLoss := lossFromMetrics(trainer.EvalMetrics(), validValues, lossMetricShortName)
		fmt.Printf("Epoch %d of %d: training loss=%.4f, validation loss=%.4f\n",
			epoch, numEpochs, trainLoss, validLoss)
		if validLoss < bestValidLoss {
			bestValidLoss = validLoss
			if checkpoint != nil {
				must.M(checkpoint.Save())
				fmt.Println("\tValidation loss improved, checkpoint saved.")
			}
		}
	}

	// Finally, print an evaluation on the datasets.
	fmt.Println()
	must.M(commandline.ReportEval(trainer, validDS, trainDS))
}

// lossFromMetrics returns the value of the metric with the given short
// name, with metricsList and values aligned as returned by the Trainer and
// Loop methods. It returns NaN if the metric is not there.
func lossFromMetrics(metricsList []metrics.Interface, values []*tensors.Tensor, shortName string) float64 {
	for i, metric := range metricsList {
		if metric.ShortName() == shortName {
			return scalarToFloat64(values[i])
		}
	}
	return math.NaN()
}

func scalarToFloat64(t *tensors.Tensor) float64 {
	if t.DType() == dtypes.Float64 {
		return tensors.ToScalar[float64](t)
	}
	return float64(tensors.ToScalar[float32](t))
}
