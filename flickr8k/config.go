package flickr8k

import "path"

// Configuration for the Flickr8k data pipeline: where the files live and
// how the examples are split and batched. Notice model hyperparameters are
// kept separately, in the models' context.
type Configuration struct {
	// DataDir is the base directory where the dataset and derived files
	// are stored.
	DataDir string

	// ImagesDir is the directory with the .jpg image files.
	ImagesDir string

	// CaptionsFile is the comma-separated captions file (see LoadCaptions).
	CaptionsFile string

	// FeaturesFile caches the extracted image embeddings (see FeatureTable).
	FeaturesFile string

	// BatchSize of yielded batches. Partial batches are dropped.
	BatchSize int

	// MinWordCount is the minimum corpus frequency for a word to enter the
	// vocabulary.
	MinWordCount int

	// Train/validation split: each image id is deterministically hashed
	// (with FoldsSeed) into one of NumFolds folds, and ValidationFolds
	// lists the folds held out for validation. All other folds train.
	NumFolds        int
	ValidationFolds []int
	FoldsSeed       int32

	// UseParallelism wraps the training dataset in a parallelized one.
	UseParallelism bool

	// BufferSize used for the parallelized dataset, to cache pre-generated
	// batches.
	BufferSize int
}

// NewDefaultConfig returns a Configuration with the default values, and
// file locations relative to baseDir.
func NewDefaultConfig(baseDir string) *Configuration {
	return &Configuration{
		DataDir:         baseDir,
		ImagesDir:       path.Join(baseDir, ImagesSubDir),
		CaptionsFile:    path.Join(baseDir, CaptionsFileName),
		FeaturesFile:    path.Join(baseDir, "features.bin"),
		BatchSize:       32,
		MinWordCount:    5,
		NumFolds:        5,
		ValidationFolds: []int{4},
		FoldsSeed:       42,
		UseParallelism:  true,
		BufferSize:      32,
	}
}
