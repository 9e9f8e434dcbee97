package captioner

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResizeWithPadding(t *testing.T) {
	// Wide image: fits the width, vertically padded.
	img := image.NewRGBA(image.Rect(0, 0, 100, 50))
	resized := ResizeWithPadding(img, 299, 299)
	assert.Equal(t, image.Pt(299, 299), resized.Bounds().Size())

	// Tall image.
	img = image.NewRGBA(image.Rect(0, 0, 50, 100))
	resized = ResizeWithPadding(img, 299, 299)
	assert.Equal(t, image.Pt(299, 299), resized.Bounds().Size())

	// Already the right size: returned as is.
	img = image.NewRGBA(image.Rect(0, 0, 299, 299))
	assert.Equal(t, image.Image(img), ResizeWithPadding(img, 299, 299))
}

func writeTestJPEG(t *testing.T, imagePath string) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 32), G: uint8(y * 32), B: 128, A: 255})
		}
	}
	f, err := os.Create(imagePath)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, img, nil))
	require.NoError(t, f.Close())
}

func TestExtractImages(t *testing.T) {
	dir := t.TempDir()
	writeTestJPEG(t, path.Join(dir, "img1.jpg"))
	writeTestJPEG(t, path.Join(dir, "img2.jpg"))
	require.NoError(t, os.WriteFile(path.Join(dir, "img3.jpg"), []byte("not an image"), 0666))

	fakeFeature := []float32{1, 2, 3}
	extractFn := func(img image.Image) ([]float32, error) {
		return fakeFeature, nil
	}

	// "img3" doesn't decode and "img4" doesn't exist: both are counted as
	// failed and left out of the table, without aborting the extraction.
	table, numFailed, err := extractImages(dir, []string{"img1", "img2", "img3", "img4"}, extractFn)
	require.NoError(t, err)
	assert.Equal(t, 2, numFailed)
	require.Len(t, table, 2)
	assert.Equal(t, fakeFeature, table["img1"])
	assert.Equal(t, fakeFeature, table["img2"])
}

func TestExtractImagesAborts(t *testing.T) {
	dir := t.TempDir()
	writeTestJPEG(t, path.Join(dir, "img1.jpg"))

	// A failure of the extraction graph itself is fatal.
	_, _, err := extractImages(dir, []string{"img1"}, func(image.Image) ([]float32, error) {
		return nil, assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
}
