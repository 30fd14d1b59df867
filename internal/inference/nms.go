package inference

import (
	"cmp"
	"slices"
)

// nonMaxSuppression keeps the highest scoring box among overlapping boxes
// of the same class. The result is ordered by descending confidence.
func nonMaxSuppression(candidates []RawDetection, iouThreshold float64) []RawDetection {
	if len(candidates) == 0 {
		return nil
	}

	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, func(a, b RawDetection) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})

	kept := make([]RawDetection, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].ClassID != sorted[i].ClassID {
				continue
			}
			if sorted[i].BBox.IoU(sorted[j].BBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
