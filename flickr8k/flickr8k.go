// Package flickr8k provides tools to download and manipulate the Flickr8k
// captioning dataset: ~8000 photographs, each annotated with 5 independent
// human-written captions.
//
// The dataset is described in "Framing Image Description as a Ranking Task:
// Data, Models and Evaluation Metrics" (Hodosh, Young and Hockenmaier, 2013).
//
// The package offers:
//
//   - Download: fetches and unpacks the images and captions archives.
//   - LoadCaptions: parses the captions file into a map of image id to its
//     list of captions.
//   - Vocabulary: word/id mapping built from the captions corpus.
//   - FeatureTable: cached image embeddings, saved/loaded from disk.
//   - Dataset: a train.Dataset implementation that yields batches of
//     (image embedding, token sequence) pairs ready for training.
package flickr8k

import (
	"bufio"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
)

const (
	// CaptionsFileName is the comma-separated captions file consumed by
	// LoadCaptions. It follows the layout popularized by the Kaggle
	// distribution of Flickr8k: one "imageFile,caption" pair per line.
	CaptionsFileName = "captions.txt"

	// ImagesSubDir is the directory holding the .jpg files, after Download.
	// The misspelling is preserved from the original archive.
	ImagesSubDir = "Flicker8k_Dataset"
)

// LoadCaptions parses the captions file and returns a map from image id
// (the image file name without extension) to the list of its captions.
//
// Each line is "imageFile,caption text": only the first comma separates the
// fields, any further commas belong to the caption. Captions are lower-cased
// and trimmed of surrounding spaces. Lines without a comma, and the
// "image,caption" header line present in some distributions, are skipped.
func LoadCaptions(captionsPath string) (map[string][]string, error) {
	f, err := os.Open(captionsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open captions file %q", captionsPath)
	}
	defer func() { _ = f.Close() }()

	captions := make(map[string][]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "image,caption" {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) < 2 {
			// Malformed line, ignore.
			continue
		}
		imageFile := strings.TrimSpace(parts[0])
		caption := strings.ToLower(strings.TrimSpace(parts[1]))
		id := strings.TrimSuffix(imageFile, path.Ext(imageFile))
		if id == "" {
			continue
		}
		captions[id] = append(captions[id], caption)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read captions file %q", captionsPath)
	}
	return captions, nil
}
