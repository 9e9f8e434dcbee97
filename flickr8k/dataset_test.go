package flickr8k

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFeatureSize = 4

func testDatasetParts() (captions map[string][]string, features FeatureTable, vocab *Vocabulary) {
	captions = map[string][]string{
		"img1": {"a dog runs", "a dog sprinting"},
		"img2": {"a cat sleeps"},
		"img3": {"a bird flies"},
	}
	features = FeatureTable{}
	for i, id := range []string{"img1", "img2", "img3"} {
		feature := make([]float32, testFeatureSize)
		for j := range feature {
			feature[j] = float32(i)
		}
		features[id] = feature
	}
	vocab = NewVocabulary(captions, 1)
	return
}

func TestDatasetExcludesMissingFeatures(t *testing.T) {
	captions, features, vocab := testDatasetParts()
	delete(features, "img2")
	ds := NewDataset("test", captions, features, vocab, 1)
	assert.Equal(t, 2, ds.NumExamples())
}

func TestDatasetYield(t *testing.T) {
	captions, features, vocab := testDatasetParts()
	ds := NewDataset("test", captions, features, vocab, 2)
	require.Equal(t, 3, ds.NumExamples())

	seqLen := vocab.MaxCaptionLength - 1
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Len(t, labels, 2)
	assert.Equal(t, []int{2, testFeatureSize}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, seqLen}, inputs[1].Shape().Dimensions)
	assert.Equal(t, []int{2, seqLen, 1}, labels[0].Shape().Dimensions)
	assert.Equal(t, []int{2, seqLen}, labels[1].Shape().Dimensions)

	// Targets are the input tokens shifted left by one, and the mask marks
	// the non-pad targets.
	inTokens := inputs[1].Value().([][]int32)
	targets := labels[0].Value().([][][]int32)
	mask := labels[1].Value().([][]bool)
	for row := range inTokens {
		assert.Equal(t, StartID, inTokens[row][0])
		for col := 0; col < seqLen-1; col++ {
			assert.Equal(t, inTokens[row][col+1], targets[row][col][0])
		}
		for col := 0; col < seqLen; col++ {
			assert.Equal(t, targets[row][col][0] != PadID, mask[row][col])
		}
	}

	// Second batch would be partial (3 examples, batch of 2): epoch ends.
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	// After a Reset a full epoch is available again.
	ds.Reset()
	_, _, _, err = ds.Yield()
	assert.NoError(t, err)
}

func TestDatasetInfinite(t *testing.T) {
	captions, features, vocab := testDatasetParts()
	ds := NewDataset("test", captions, features, vocab, 2).Shuffle().Infinite(true)
	for i := 0; i < 10; i++ {
		_, inputs, _, err := ds.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, 2)
	}
}

func TestDatasetRandomCaptionSampling(t *testing.T) {
	captions, features, vocab := testDatasetParts()
	ds := NewDataset("test", captions, features, vocab, 1)

	// "img1" is index 0 (ids are sorted) and has two captions: over enough
	// draws both must show up.
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		_, encoded := ds.At(0)
		seen[vocab.CleanSequence(encoded)] = true
	}
	assert.Len(t, seen, 2)
	assert.True(t, seen["a dog runs"])
	assert.True(t, seen["a dog sprinting"])
}

func TestCreateDatasets(t *testing.T) {
	captions, features, vocab := testDatasetParts()
	config := NewDefaultConfig(t.TempDir())
	config.BatchSize = 1
	trainDS, validDS, err := CreateDatasets(config, captions, features, vocab)
	require.NoError(t, err)

	// Every example lands in exactly one of the two datasets.
	assert.Equal(t, len(captions), trainDS.NumExamples()+validDS.NumExamples())

	// The fold split is a pure function of ids and seed.
	trainDS2, validDS2, err := CreateDatasets(config, captions, features, vocab)
	require.NoError(t, err)
	assert.Equal(t, trainDS.NumExamples(), trainDS2.NumExamples())
	assert.Equal(t, validDS.NumExamples(), validDS2.NumExamples())

	config.NumFolds = 1
	_, _, err = CreateDatasets(config, captions, features, vocab)
	assert.Error(t, err)
}
