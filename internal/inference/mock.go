package inference

import (
	"hash/fnv"
	"image"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/tphakala/birdcam-go/internal/detection"
)

// MockSpecies are the species the development backend reports
var MockSpecies = []string{
	"Northern Cardinal", "American Robin", "Blue Jay",
	"House Sparrow", "American Goldfinch", "Chickadee",
	"Mourning Dove", "House Finch", "Red-winged Blackbird",
	"Downy Woodpecker", "European Starling", "Common Grackle",
}

// mockNamedConfidence is reported when the file name names the bird
const mockNamedConfidence = 0.92

var mockNoBirdMarkers = []string{"nobird", "no_bird", "no-bird", "empty", "blank"}

// mockBackend is a deterministic stand-in for a real model. The result
// depends only on the file name:
//
//	cardinal.jpg     -> "Cardinal" at 0.92
//	empty_feeder.png -> nothing
//	IMG_0001.jpg     -> one of MockSpecies picked by name hash
type mockBackend struct{}

func newMockBackend() *mockBackend { return &mockBackend{} }

func (m *mockBackend) Name() string { return ModelMock }

func (m *mockBackend) Close() error { return nil }

func (m *mockBackend) Predict(img image.Image) ([]RawDetection, error) {
	return m.PredictNamed(img, "")
}

func (m *mockBackend) PredictNamed(img image.Image, name string) ([]RawDetection, error) {
	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	for _, marker := range mockNoBirdMarkers {
		if strings.Contains(stem, marker) {
			return nil, nil
		}
	}

	bounds := img.Bounds()
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	box := detection.BBox{w * 0.3, h * 0.3, w * 0.4, h * 0.4}

	if species, ok := namedSpecies(stem); ok {
		return []RawDetection{{ClassName: species, Confidence: mockNamedConfidence, BBox: box}}, nil
	}

	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(stem))
	sum := hasher.Sum32()
	idx := int(sum % uint32(len(MockSpecies))) //nolint:gosec // list is short
	confidence := 0.6 + float64(sum%38)/100

	return []RawDetection{{
		ClassID:    idx,
		ClassName:  MockSpecies[idx],
		Confidence: confidence,
		BBox:       box,
	}}, nil
}

// namedSpecies returns the first word of the stem, capitalized, that is the
// last word of a known species name, e.g. "cardinal" or "robin".
func namedSpecies(stem string) (string, bool) {
	words := strings.FieldsFunc(stem, func(r rune) bool { return !unicode.IsLetter(r) })
	for _, word := range words {
		for _, species := range MockSpecies {
			parts := strings.Fields(strings.ToLower(species))
			if parts[len(parts)-1] == word {
				return strings.ToUpper(word[:1]) + word[1:], true
			}
		}
	}
	return "", false
}
