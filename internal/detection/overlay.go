package detection

import (
	"image"
	"math"

	"catwatch/internal/imaging"
)

// Plot renders every box of a result on a copy of its frame
func Plot(res *Result) (image.Image, error) {
	if res == nil || res.Frame == nil {
		return nil, ErrEmptyFrame
	}

	overlays := make([]imaging.Overlay, 0, len(res.Boxes))
	for _, b := range res.Boxes {
		overlays = append(overlays, imaging.Overlay{
			Label: b.Label,
			Score: b.Score,
			Rect: image.Rect(
				int(math.Round(b.X1)), int(math.Round(b.Y1)),
				int(math.Round(b.X2)), int(math.Round(b.Y2)),
			),
		})
	}

	return imaging.Annotate(res.Frame, overlays), nil
}
