package flickr8k

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Reserved tokens: they always occupy the first 4 ids of any Vocabulary,
// in this order, independent of the corpus it was built from.
const (
	PadToken     = "<pad>"
	StartToken   = "<start>"
	EndToken     = "<end>"
	UnknownToken = "<unk>"
)

// Ids of the reserved tokens.
const (
	PadID int32 = iota
	StartID
	EndID
	UnknownID

	// NumReservedIDs is the number of reserved token ids above.
	NumReservedIDs
)

// Vocabulary maps caption words to dense int ids and back. It is immutable
// once built (by NewVocabulary or Load), so it is safe for concurrent use.
type Vocabulary struct {
	// words maps id -> word; the first NumReservedIDs entries are the
	// reserved tokens.
	words []string

	// ids maps word -> id, the inverse of words.
	ids map[string]int32

	// MaxCaptionLength is the number of tokens of the longest caption in
	// the corpus the vocabulary was built from, plus 2 for the start and
	// end markers. It is the fixed length Dataset encodes captions to.
	MaxCaptionLength int
}

// NewVocabulary builds a Vocabulary from the captions corpus, as returned by
// LoadCaptions. Captions are tokenized by whitespace, and only words
// appearing at least minWordCount times across the whole corpus are kept.
//
// Id assignment is deterministic: reserved tokens first, then words by
// decreasing corpus frequency, ties broken alphabetically.
func NewVocabulary(captions map[string][]string, minWordCount int) *Vocabulary {
	counts := make(map[string]int)
	maxLen := 0
	for _, imageCaptions := range captions {
		for _, caption := range imageCaptions {
			tokens := strings.Fields(caption)
			if len(tokens) > maxLen {
				maxLen = len(tokens)
			}
			for _, token := range tokens {
				counts[token]++
			}
		}
	}
	kept := make([]string, 0, len(counts))
	for word, count := range counts {
		if count >= minWordCount {
			kept = append(kept, word)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if counts[kept[i]] != counts[kept[j]] {
			return counts[kept[i]] > counts[kept[j]]
		}
		return kept[i] < kept[j]
	})

	v := &Vocabulary{
		words:            append([]string{PadToken, StartToken, EndToken, UnknownToken}, kept...),
		MaxCaptionLength: maxLen + 2,
	}
	v.buildIDs()
	return v
}

func (v *Vocabulary) buildIDs() {
	v.ids = make(map[string]int32, len(v.words))
	for id, word := range v.words {
		v.ids[word] = int32(id)
	}
}

// Size returns the number of entries, reserved tokens included.
func (v *Vocabulary) Size() int { return len(v.words) }

// IDForWord returns the id for the word, or UnknownID if it is not part of
// the vocabulary.
func (v *Vocabulary) IDForWord(word string) int32 {
	if id, found := v.ids[word]; found {
		return id
	}
	return UnknownID
}

// WordForID returns the word for the id, or UnknownToken for ids out of
// range.
func (v *Vocabulary) WordForID(id int32) string {
	if id < 0 || int(id) >= len(v.words) {
		return UnknownToken
	}
	return v.words[id]
}

// Encode converts a caption to a sequence of exactly maxLen token ids:
// StartID, the word ids (UnknownID for out-of-vocabulary words), EndID, and
// PadID padding. Longer captions are truncated to fit maxLen.
func (v *Vocabulary) Encode(caption string, maxLen int) []int32 {
	encoded := make([]int32, 0, maxLen)
	encoded = append(encoded, StartID)
	for _, token := range strings.Fields(caption) {
		if len(encoded) >= maxLen {
			break
		}
		encoded = append(encoded, v.IDForWord(token))
	}
	if len(encoded) < maxLen {
		encoded = append(encoded, EndID)
	}
	for len(encoded) < maxLen {
		encoded = append(encoded, PadID)
	}
	return encoded[:maxLen]
}

// CleanSequence converts a sequence of token ids back to a caption, with
// words joined by single spaces. The pad, start and end markers are
// dropped; unknown tokens are kept, visible as UnknownToken.
func (v *Vocabulary) CleanSequence(ids []int32) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == PadID || id == StartID || id == EndID {
			continue
		}
		words = append(words, v.WordForID(id))
	}
	return strings.Join(words, " ")
}

// vocabularyJSON is the serialized form of a Vocabulary.
type vocabularyJSON struct {
	Words            []string
	MaxCaptionLength int
}

// Save serializes the vocabulary as JSON to the given path.
func (v *Vocabulary) Save(filePath string) error {
	encoded, err := json.Marshal(vocabularyJSON{Words: v.words, MaxCaptionLength: v.MaxCaptionLength})
	if err != nil {
		return errors.Wrap(err, "failed to encode vocabulary")
	}
	if err := os.WriteFile(filePath, encoded, 0666); err != nil {
		return errors.Wrapf(err, "failed to write vocabulary to %q", filePath)
	}
	return nil
}

// LoadVocabulary reads back a vocabulary written by Vocabulary.Save.
func LoadVocabulary(filePath string) (*Vocabulary, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary from %q", filePath)
	}
	var decoded vocabularyJSON
	if err := json.Unmarshal(contents, &decoded); err != nil {
		return nil, errors.Wrapf(err, "failed to parse vocabulary from %q", filePath)
	}
	if len(decoded.Words) < int(NumReservedIDs) {
		return nil, errors.Errorf("vocabulary in %q has only %d entries, at least the %d reserved tokens are expected",
			filePath, len(decoded.Words), NumReservedIDs)
	}
	v := &Vocabulary{words: decoded.Words, MaxCaptionLength: decoded.MaxCaptionLength}
	v.buildIDs()
	return v, nil
}
