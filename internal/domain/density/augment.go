package density

import (
	"fmt"
	"image"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

// Augmenter produces a randomly perturbed copy of an input image.
type Augmenter interface {
	Augment(img Image) (image.Image, error)
}

// JitterRange is a closed interval of enhancement factors, 1.0 = unchanged.
type JitterRange struct {
	Min float64
	Max float64
}

func (r JitterRange) sample(rng *rand.Rand) float64 {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

// JitterRanges bounds each enhancement applied by JitterAugmenter.
type JitterRanges struct {
	Contrast   JitterRange
	Sharpness  JitterRange
	Saturation JitterRange
}

// DefaultJitterRanges approximates scanning different microscope fields.
func DefaultJitterRanges() JitterRanges {
	return JitterRanges{
		Contrast:   JitterRange{Min: 1.0, Max: 2.0},
		Sharpness:  JitterRange{Min: 1.0, Max: 3.0},
		Saturation: JitterRange{Min: 0.5, Max: 1.5},
	}
}

// JitterAugmenter applies contrast, sharpness and saturation jitter.
type JitterAugmenter struct {
	ranges JitterRanges

	mu  sync.Mutex
	rng *rand.Rand
}

// NewJitterAugmenter builds an augmenter. A zero seed draws one from the clock.
func NewJitterAugmenter(ranges JitterRanges, seed uint64) *JitterAugmenter {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &JitterAugmenter{
		ranges: ranges,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Factors draws one set of enhancement factors.
func (a *JitterAugmenter) Factors() (contrast, sharpness, saturation float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ranges.Contrast.sample(a.rng),
		a.ranges.Sharpness.sample(a.rng),
		a.ranges.Saturation.sample(a.rng)
}

// Augment decodes img and applies one random draw of each enhancement.
func (a *JitterAugmenter) Augment(img Image) (image.Image, error) {
	rc, err := img.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", img.Ref(), err)
	}
	defer rc.Close()

	src, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", img.Ref(), err)
	}

	contrast, sharpness, saturation := a.Factors()
	out := imaging.AdjustContrast(src, factorToPercent(contrast))
	if sigma := sharpness - 1; sigma > 0 {
		out = imaging.Sharpen(out, sigma)
	}
	out = imaging.AdjustSaturation(out, factorToPercent(saturation))
	return out, nil
}

// factorToPercent converts an enhancement factor (1.0 = identity) to the
// percentage scale used by imaging, clamped to [-100, 100].
func factorToPercent(f float64) float64 {
	return min(max((f-1)*100, -100), 100)
}
