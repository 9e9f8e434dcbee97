package flickr8k

import (
	"fmt"
	"hash/crc32"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Dataset implements train.Dataset for the captioning task. Each example
// pairs a pre-extracted image embedding with one of the image's captions,
// sampled uniformly at random at every access, encoded to the fixed length
// Vocabulary.MaxCaptionLength.
//
// Per batch it yields:
//
//   - inputs[0]: image embeddings, Float32 shaped [batchSize, featureSize];
//   - inputs[1]: teacher-forced input tokens (encoded caption minus its
//     last position), Int32 shaped [batchSize, maxLen-1];
//   - labels[0]: target tokens (encoded caption shifted left by one), Int32
//     shaped [batchSize, maxLen-1, 1];
//   - labels[1]: mask of positions to include in the loss (target != pad),
//     Bool shaped [batchSize, maxLen-1].
//
// Only image ids with both captions and an embedding in the FeatureTable
// become examples. The final partial batch of an epoch is dropped.
//
// Dataset is safe for concurrent Yield calls.
type Dataset struct {
	name      string
	captions  map[string][]string
	features  FeatureTable
	vocab     *Vocabulary
	batchSize int

	ids         []string
	featureSize int
	shuffle     bool
	infinite    bool

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	pos   int
}

// Assert *Dataset implements train.Dataset.
var _ train.Dataset = &Dataset{}

// NewDataset creates a Dataset from the captions of LoadCaptions and the
// embeddings of a FeatureTable. It reads sequentially by default, see
// Shuffle and Infinite.
func NewDataset(name string, captions map[string][]string, features FeatureTable, vocab *Vocabulary, batchSize int) *Dataset {
	ids := make([]string, 0, len(captions))
	featureSize := 0
	for id := range captions {
		feature, found := features[id]
		if !found {
			continue
		}
		ids = append(ids, id)
		featureSize = len(feature)
	}
	sort.Strings(ids)
	ds := &Dataset{
		name:        name,
		captions:    captions,
		features:    features,
		vocab:       vocab,
		batchSize:   batchSize,
		ids:         ids,
		featureSize: featureSize,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		order:       make([]int, len(ids)),
	}
	for i := range ds.order {
		ds.order[i] = i
	}
	return ds
}

// Shuffle sets the dataset to yield examples in random order, reshuffled at
// every Reset. It returns the updated dataset, for chaining.
func (ds *Dataset) Shuffle() *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.shuffle = true
	ds.shuffleLocked()
	return ds
}

// Infinite sets whether the dataset loops indefinitely, reshuffling (if
// set to Shuffle) at every restart, instead of returning io.EOF at the end
// of an epoch. It returns the updated dataset, for chaining.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.infinite = infinite
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples returns the number of images with both captions and
// embeddings.
func (ds *Dataset) NumExamples() int { return len(ds.ids) }

// At returns the embedding and the encoded tokens of the example at index
// i. The caption is sampled uniformly at random among the image's captions,
// at each call.
func (ds *Dataset) At(i int) (feature []float32, encoded []int32) {
	id := ds.ids[i]
	feature = ds.features[id]
	imageCaptions := ds.captions[id]
	ds.mu.Lock()
	caption := imageCaptions[ds.rng.Intn(len(imageCaptions))]
	ds.mu.Unlock()
	encoded = ds.vocab.Encode(caption, ds.vocab.MaxCaptionLength)
	return
}

func (ds *Dataset) shuffleLocked() {
	ds.rng.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	if ds.batchSize > len(ds.order) {
		ds.mu.Unlock()
		err = io.EOF
		return
	}
	if ds.pos+ds.batchSize > len(ds.order) {
		if !ds.infinite {
			ds.mu.Unlock()
			err = io.EOF
			return
		}
		ds.pos = 0
		if ds.shuffle {
			ds.shuffleLocked()
		}
	}
	indices := make([]int, ds.batchSize)
	copy(indices, ds.order[ds.pos:ds.pos+ds.batchSize])
	ds.pos += ds.batchSize
	ds.mu.Unlock()

	seqLen := ds.vocab.MaxCaptionLength - 1
	featuresFlat := make([]float32, 0, ds.batchSize*ds.featureSize)
	inputsFlat := make([]int32, 0, ds.batchSize*seqLen)
	targetsFlat := make([]int32, 0, ds.batchSize*seqLen)
	maskFlat := make([]bool, 0, ds.batchSize*seqLen)
	for _, idx := range indices {
		feature, encoded := ds.At(idx)
		featuresFlat = append(featuresFlat, feature...)
		inputsFlat = append(inputsFlat, encoded[:seqLen]...)
		targetsFlat = append(targetsFlat, encoded[1:]...)
		for _, target := range encoded[1:] {
			maskFlat = append(maskFlat, target != PadID)
		}
	}
	spec = ds
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(featuresFlat, ds.batchSize, ds.featureSize),
		tensors.FromFlatDataAndDimensions(inputsFlat, ds.batchSize, seqLen),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(targetsFlat, ds.batchSize, seqLen, 1),
		tensors.FromFlatDataAndDimensions(maskFlat, ds.batchSize, seqLen),
	}
	return
}

// Reset implements train.Dataset, restarting the dataset for a new epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.pos = 0
	if ds.shuffle {
		ds.shuffleLocked()
	}
}

// foldOf deterministically assigns an image id to one of numFolds folds.
func foldOf(id string, numFolds int, seed int32) int {
	return int(crc32.ChecksumIEEE([]byte(fmt.Sprintf("%d:%s", seed, id))) % uint32(numFolds))
}

// CreateDatasets splits the corpus into a training and a validation
// Dataset, according to config's fold settings. The split is a
// deterministic function of the image ids and config.FoldsSeed, so it is
// stable across runs and machines.
func CreateDatasets(config *Configuration, captions map[string][]string, features FeatureTable, vocab *Vocabulary) (trainDS, validDS *Dataset, err error) {
	if config.NumFolds < 2 || len(config.ValidationFolds) == 0 || len(config.ValidationFolds) >= config.NumFolds {
		err = errors.Errorf("invalid fold configuration: %d folds with %v held out for validation",
			config.NumFolds, config.ValidationFolds)
		return
	}
	validationFolds := make(map[int]bool, len(config.ValidationFolds))
	for _, fold := range config.ValidationFolds {
		validationFolds[fold] = true
	}
	trainCaptions := make(map[string][]string)
	validCaptions := make(map[string][]string)
	for id, imageCaptions := range captions {
		if validationFolds[foldOf(id, config.NumFolds, config.FoldsSeed)] {
			validCaptions[id] = imageCaptions
		} else {
			trainCaptions[id] = imageCaptions
		}
	}
	trainDS = NewDataset("train", trainCaptions, features, vocab, config.BatchSize).Shuffle()
	validDS = NewDataset("validation", validCaptions, features, vocab, config.BatchSize)
	return
}
