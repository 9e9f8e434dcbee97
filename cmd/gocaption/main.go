// gocaption trains and runs an image captioning model on the Flickr8k
// dataset.
//
// Typical usage, in order:
//
//	gocaption --download            # Fetch the dataset (~1GB).
//	gocaption --extract             # Pre-compute the image embeddings.
//	gocaption --train               # Train, checkpointing the best model.
//	gocaption --caption photo.jpg   # Caption a new image.
//
// The stages are idempotent and can be combined: "--train" extracts the
// embeddings if they are not cached yet. Hyperparameters can be overridden
// with --set, e.g. --set="batch_size=64;learning_rate=0.0005".
package main

import (
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/gomlx/gocaption/captioner"
	"github.com/gomlx/gocaption/flickr8k"
)

var (
	flagDataDir = flag.String("data", "~/work/flickr8k",
		"Directory to cache the downloaded dataset and generated files.")
	flagDownload = flag.Bool("download", false,
		"Download and unpack the Flickr8k dataset, if not yet there.")
	flagExtract = flag.Bool("extract", false,
		"Extract the image embeddings with InceptionV3, if not yet cached.")
	flagTrain = flag.Bool("train", false,
		"Train the captioning model.")
	flagCaption = flag.String("caption", "",
		"Image file to generate a caption for, printed to the standard output.")
	flagCheckpoint = flag.String("checkpoint", "captioner",
		"Directory to save and load the model checkpoint from. If relative, it is under the data directory.")
)

func main() {
	ctx := captioner.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	if !*flagDownload && !*flagExtract && !*flagTrain && *flagCaption == "" {
		_, _ = fmt.Fprintln(os.Stderr, "At least one of --download, --extract, --train or --caption is required.")
		flag.Usage()
		os.Exit(1)
	}

	dataDir := data.ReplaceTildeInDir(*flagDataDir)
	config := flickr8k.NewDefaultConfig(dataDir)
	config.BatchSize = context.GetParamOr(ctx, "batch_size", config.BatchSize)
	config.MinWordCount = context.GetParamOr(ctx, "min_word_count", config.MinWordCount)

	if *flagDownload {
		must.M(flickr8k.Download(dataDir))
		fmt.Printf("Flickr8k dataset available in %q\n", dataDir)
	}
	if *flagExtract {
		captions := must.M1(flickr8k.LoadCaptions(config.CaptionsFile))
		table := must.M1(captioner.BuildFeatures(backends.MustNew(), config, captions))
		fmt.Printf("Embeddings of %d images cached in %q\n", len(table), config.FeaturesFile)
	}
	if *flagTrain {
		captioner.TrainModel(ctx, config, *flagCheckpoint, paramsSet)
	}
	if *flagCaption != "" {
		c := must.M1(captioner.NewCaptioner(backends.MustNew(), checkpointDir(dataDir), dataDir))
		fmt.Println(must.M1(c.CaptionFile(*flagCaption)))
	}
}

// checkpointDir resolves the --checkpoint flag relative to the data
// directory, mirroring how the checkpoint is saved during training.
func checkpointDir(dataDir string) string {
	dir := *flagCheckpoint
	if dir == "" || path.IsAbs(dir) {
		return dir
	}
	return path.Join(dataDir, dir)
}
