package flickr8k

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FeatureTable maps an image id to its embedding vector, as produced by the
// feature extractor. It should be treated as read-only after being built.
type FeatureTable map[string][]float32

// Save serializes the table with encoding/gob to the given path. The file
// is written atomically, first to a temporary file then renamed.
func (ft FeatureTable) Save(filePath string) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(filePath), ".features_*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary file for feature table")
	}
	enc := gob.NewEncoder(tmpFile)
	if err := enc.Encode(ft); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
		return errors.Wrapf(err, "failed to encode feature table to %q", filePath)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpFile.Name())
		return errors.Wrapf(err, "failed to close temporary feature table file %q", tmpFile.Name())
	}
	if err := os.Rename(tmpFile.Name(), filePath); err != nil {
		_ = os.Remove(tmpFile.Name())
		return errors.Wrapf(err, "failed to move feature table to %q", filePath)
	}
	return nil
}

// LoadFeatures reads back a feature table written by FeatureTable.Save.
func LoadFeatures(filePath string) (FeatureTable, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open feature table %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var ft FeatureTable
	if err := gob.NewDecoder(f).Decode(&ft); err != nil {
		return nil, errors.Wrapf(err, "failed to decode feature table %q", filePath)
	}
	return ft, nil
}
