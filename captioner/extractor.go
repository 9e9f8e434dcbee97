package captioner

import (
	"image"
	"os"
	"path"
	"runtime"
	"sync"

	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/models/inceptionv3"
	"github.com/gomlx/gomlx/types/tensors"
	timage "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/gocaption/flickr8k"
)

// FeatureSize is the length of the embedding vectors generated by
// Extractor: InceptionV3's last layer before the classification top,
// mean-pooled over the spatial axes.
const FeatureSize = 2048

// Extractor embeds images with a pre-trained InceptionV3, with the
// classification top removed. The embeddings are what the captioning model
// consumes, see flickr8k.FeatureTable.
//
// It is safe for concurrent use.
type Extractor struct {
	backend backends.Backend
	ctx     *context.Context
	exec    *context.Exec
}

// NewExtractor creates an Extractor, downloading and unpacking the
// InceptionV3 weights into dataDir if not yet there.
func NewExtractor(backend backends.Backend, dataDir string) (*Extractor, error) {
	dataDir = data.ReplaceTildeInDir(dataDir)
	if err := inceptionv3.DownloadAndUnpackWeights(dataDir); err != nil {
		return nil, errors.WithMessagef(err, "failed to download InceptionV3 weights to %q", dataDir)
	}
	e := &Extractor{
		backend: backend,
		ctx:     context.New(),
	}
	e.exec = context.NewExec(backend, e.ctx, func(ctx *context.Context, img *Node) *Node {
		img = ExpandAxes(img, 0) // Create a batch dimension of size 1.
		img = inceptionv3.PreprocessImage(img, 1.0, timage.ChannelsLast)
		return inceptionv3.BuildGraph(ctx, img).
			PreTrained(dataDir).
			SetPooling(inceptionv3.MeanPooling).
			ClassificationTop(false).
			Trainable(false).
			Done()
	})
	return e, nil
}

// Extract returns the embedding of the image, shaped [FeatureSize]. The
// image can be of any size: it is resized (preserving the aspect ratio,
// black padding) to the resolution InceptionV3 expects.
func (e *Extractor) Extract(img image.Image) ([]float32, error) {
	img = ResizeWithPadding(img, inceptionv3.ClassificationImageSize, inceptionv3.ClassificationImageSize)
	input := timage.ToTensor(DType).Single(img)
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = e.exec.Call(input) })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to execute InceptionV3 embedding graph")
	}
	return tensors.CopyFlatData[float32](outputs[0]), nil
}

// ExtractFile loads, decodes and embeds one image file.
func (e *Extractor) ExtractFile(imagePath string) ([]float32, error) {
	img, err := loadImage(imagePath)
	if err != nil {
		return nil, err
	}
	return e.Extract(img)
}

// ExtractDir embeds the images in imagesDir named "<id>.jpg" for each of
// the given ids, in parallel. Images that fail to load or decode are
// skipped and counted in numFailed, they don't take part in training. Any
// failure of the embedding graph itself is returned as an error.
func (e *Extractor) ExtractDir(imagesDir string, ids []string) (table flickr8k.FeatureTable, numFailed int, err error) {
	return extractImages(imagesDir, ids, e.Extract)
}

// extractImages runs extractFn over the images of the given ids, with
// runtime.NumCPU() workers. Load/decode failures are counted, extractFn
// failures abort.
func extractImages(imagesDir string, ids []string, extractFn func(image.Image) ([]float32, error)) (
	table flickr8k.FeatureTable, numFailed int, err error) {
	table = make(flickr8k.FeatureTable, len(ids))
	bar := progressbar.Default(int64(len(ids)), "extracting image features")
	idsChan := make(chan string, len(ids))
	for _, id := range ids {
		idsChan <- id
	}
	close(idsChan)

	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	for worker := 0; worker < runtime.NumCPU(); worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range idsChan {
				mu.Lock()
				aborted := firstErr != nil
				mu.Unlock()
				if aborted {
					return
				}
				img, loadErr := loadImage(path.Join(imagesDir, id+".jpg"))
				if loadErr != nil {
					klog.V(1).Infof("skipping image %q: %v", id, loadErr)
					mu.Lock()
					numFailed++
					mu.Unlock()
					_ = bar.Add(1)
					continue
				}
				feature, extractErr := extractFn(img)
				mu.Lock()
				if extractErr != nil {
					if firstErr == nil {
						firstErr = errors.WithMessagef(extractErr, "failed to extract features of image %q", id)
					}
					mu.Unlock()
					return
				}
				table[id] = feature
				mu.Unlock()
				_ = bar.Add(1)
			}
		}()
	}
	wg.Wait()
	_ = bar.Close()
	if firstErr != nil {
		return nil, 0, firstErr
	}
	return table, numFailed, nil
}

func loadImage(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", imagePath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", imagePath)
	}
	return img, nil
}

// ResizeWithPadding resizes the image to (width, height) preserving its
// aspect ratio, centered over a black background where it doesn't fit
// exactly.
func ResizeWithPadding(img image.Image, width, height int) image.Image {
	size := img.Bounds().Size()
	if size.X == width && size.Y == height {
		return img
	}
	ratioX := float64(width) / float64(size.X)
	ratioY := float64(height) / float64(size.Y)
	var resized image.Image
	if ratioX < ratioY {
		resized = imaging.Resize(img, width, 0, imaging.Lanczos)
	} else {
		resized = imaging.Resize(img, 0, height, imaging.Lanczos)
	}
	background := image.NewRGBA(image.Rect(0, 0, width, height))
	return imaging.PasteCenter(background, resized)
}
