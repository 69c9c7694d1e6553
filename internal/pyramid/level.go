package pyramid

import (
	"fmt"
	"math"
)

// LevelDescriptor describes one resolution level of a slide pyramid.
type LevelDescriptor struct {
	Index      int     `json:"index"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Downsample float64 `json:"downsample"`
}

// ValidateLevels checks that levels form a usable pyramid: indices are
// sequential, level 0 has downsample exactly 1 and downsamples never decrease.
func ValidateLevels(levels []LevelDescriptor) error {
	if len(levels) == 0 {
		return fmt.Errorf("pyramid has no levels")
	}
	for i, l := range levels {
		if l.Index != i {
			return fmt.Errorf("level %d has index %d", i, l.Index)
		}
		if l.Width <= 0 || l.Height <= 0 {
			return fmt.Errorf("level %d has invalid size %dx%d", i, l.Width, l.Height)
		}
		if i == 0 {
			if l.Downsample != 1.0 {
				return fmt.Errorf("level 0 downsample is %g, want 1", l.Downsample)
			}
			continue
		}
		if l.Downsample < levels[i-1].Downsample {
			return fmt.Errorf("level %d downsample %g is below level %d downsample %g",
				i, l.Downsample, i-1, levels[i-1].Downsample)
		}
	}
	return nil
}

// SelectLevel picks the level whose downsample is closest to
// sqrt(width*height/targetPixelBudget) of level 0. Ties go to the lower
// index. The result is always a valid index; an empty slice yields 0.
func SelectLevel(levels []LevelDescriptor, targetPixelBudget float64) int {
	if len(levels) <= 1 || targetPixelBudget <= 0 {
		return 0
	}
	full := float64(levels[0].Width) * float64(levels[0].Height)
	return closestDownsample(levels, math.Sqrt(full/targetPixelBudget))
}

// LevelForScale picks the level best suited to display the slide at the
// given scale, expressed as viewport pixels per level-0 pixel.
func LevelForScale(levels []LevelDescriptor, level0Scale float64) int {
	if len(levels) <= 1 || level0Scale <= 0 {
		return 0
	}
	return closestDownsample(levels, 1/level0Scale)
}

func closestDownsample(levels []LevelDescriptor, ideal float64) int {
	best := 0
	bestDiff := math.Abs(levels[0].Downsample - ideal)
	for i := 1; i < len(levels); i++ {
		// strict comparison keeps the lower index on ties
		if d := math.Abs(levels[i].Downsample - ideal); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best
}
