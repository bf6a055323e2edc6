package detection

import (
	"errors"
	"image"
	"sort"
	"time"
)

// AnyScore passed as a minimum score returns every label of a result
const AnyScore = -1.0

var (
	ErrUnknownDetector = errors.New("unknown detector kind")
	ErrEmptyFrame      = errors.New("empty frame")
	ErrUnavailable     = errors.New("detection service unavailable")
)

// Box is one labelled, scored bounding box in pixel coordinates
type Box struct {
	Label string  `json:"class"`
	Score float64 `json:"confidence"`
	X1    float64 `json:"x1"`
	Y1    float64 `json:"y1"`
	X2    float64 `json:"x2"`
	Y2    float64 `json:"y2"`
}

// Result is the detector output for one frame. The pipeline never looks
// inside it; it only asks the detector for scored labels and a plot.
type Result struct {
	Frame         image.Image
	Boxes         []Box
	InferenceTime time.Duration
	Device        string
}

// ScoredLabel is a (label, score) pair extracted from a Result
type ScoredLabel struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// ScoredLabels returns every box with score >= minScore, highest score first.
// Boxes sharing a label are all reported.
func ScoredLabels(res *Result, minScore float64) []ScoredLabel {
	if res == nil {
		return nil
	}

	labels := make([]ScoredLabel, 0, len(res.Boxes))
	for _, b := range res.Boxes {
		if minScore != AnyScore && b.Score < minScore {
			continue
		}
		labels = append(labels, ScoredLabel{Label: b.Label, Score: b.Score})
	}

	sort.SliceStable(labels, func(i, j int) bool {
		return labels[i].Score > labels[j].Score
	})
	return labels
}
