package flickr8k

import (
	"bufio"
	"os"
	"path"
	"strings"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
)

const (
	// ImagesURL and TextURL are mirrors of the original UIUC distribution.
	ImagesURL = "https://github.com/jbrownlee/Datasets/releases/download/Flickr8k/Flickr8k_Dataset.zip"
	TextURL   = "https://github.com/jbrownlee/Datasets/releases/download/Flickr8k/Flickr8k_text.zip"

	imagesZipName = "Flickr8k_Dataset.zip"
	textZipName   = "Flickr8k_text.zip"

	// TokenFileName is the original captions file, with lines in the form
	// "imageFile#n<TAB>caption". ConvertTokenFile rewrites it to the
	// comma-separated format of CaptionsFileName.
	TokenFileName = "Flickr8k.token.txt"
)

// Download fetches the Flickr8k images and text archives into baseDir,
// unpacking them if not yet there, and converts the original token file to
// the comma-separated captions format, written to CaptionsFileName.
//
// It is idempotent: anything already downloaded or converted is skipped.
// The whole download is ~1GB.
func Download(baseDir string) error {
	baseDir = data.ReplaceTildeInDir(baseDir)
	if err := os.MkdirAll(baseDir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", baseDir)
	}
	if err := data.DownloadAndUnzipIfMissing(
		ImagesURL, path.Join(baseDir, imagesZipName),
		baseDir, path.Join(baseDir, ImagesSubDir), ""); err != nil {
		return errors.WithMessagef(err, "failed to download Flickr8k images to %q", baseDir)
	}
	if err := data.DownloadAndUnzipIfMissing(
		TextURL, path.Join(baseDir, textZipName),
		baseDir, path.Join(baseDir, TokenFileName), ""); err != nil {
		return errors.WithMessagef(err, "failed to download Flickr8k captions to %q", baseDir)
	}
	captionsPath := path.Join(baseDir, CaptionsFileName)
	if !data.FileExists(captionsPath) {
		if err := ConvertTokenFile(path.Join(baseDir, TokenFileName), captionsPath); err != nil {
			return err
		}
	}
	return nil
}

// ConvertTokenFile rewrites the original "imageFile#n<TAB>caption" token
// file into the "imageFile,caption" format consumed by LoadCaptions.
// Lines that don't parse are dropped.
func ConvertTokenFile(tokenPath, captionsPath string) error {
	in, err := os.Open(tokenPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open token file %q", tokenPath)
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(captionsPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create captions file %q", captionsPath)
	}
	w := bufio.NewWriter(out)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), "\t", 2)
		if len(parts) < 2 {
			continue
		}
		imageFile, _, found := strings.Cut(parts[0], "#")
		if !found || imageFile == "" {
			continue
		}
		caption := strings.TrimSpace(parts[1])
		if _, err := w.WriteString(imageFile + "," + caption + "\n"); err != nil {
			_ = out.Close()
			return errors.Wrapf(err, "failed to write to %q", captionsPath)
		}
	}
	if err := scanner.Err(); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to read token file %q", tokenPath)
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to write to %q", captionsPath)
	}
	return errors.Wrapf(out.Close(), "failed to close %q", captionsPath)
}
