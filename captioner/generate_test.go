package captioner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gocaption/flickr8k"
)

func testVocabulary() *flickr8k.Vocabulary {
	return flickr8k.NewVocabulary(map[string][]string{
		"img1": {"a dog runs"},
	}, 1)
}

func TestGreedyDecode(t *testing.T) {
	vocab := testVocabulary()
	script := []int32{vocab.IDForWord("a"), vocab.IDForWord("dog"), flickr8k.EndID}
	step := 0
	caption, err := greedyDecode(vocab, 20, func(sequence []int32) (int32, error) {
		// The model always sees the start marker plus everything generated
		// so far.
		require.Equal(t, flickr8k.StartID, sequence[0])
		require.Len(t, sequence, step+1)
		next := script[step]
		step++
		return next, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a dog", caption)
	assert.Equal(t, len(script), step)
}

func TestGreedyDecodeImmediateEnd(t *testing.T) {
	// A model that predicts the end marker right away produces the empty
	// caption.
	caption, err := greedyDecode(testVocabulary(), 20, func([]int32) (int32, error) {
		return flickr8k.EndID, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "", caption)
}

func TestGreedyDecodeMaxLength(t *testing.T) {
	vocab := testVocabulary()
	calls := 0
	caption, err := greedyDecode(vocab, 5, func([]int32) (int32, error) {
		calls++
		return vocab.IDForWord("dog"), nil
	})
	require.NoError(t, err)
	// Generation is capped even though the end marker never shows up.
	assert.Equal(t, 5, calls)
	assert.Equal(t, "dog dog dog dog dog", caption)
}

func TestGreedyDecodeError(t *testing.T) {
	_, err := greedyDecode(testVocabulary(), 5, func([]int32) (int32, error) {
		return 0, assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
}
