package density

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{R: uint8(x * 20), G: uint8(y * 20), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestJitterAugmenter_Augment(t *testing.T) {
	aug := NewJitterAugmenter(DefaultJitterRanges(), 42)

	out, err := aug.Augment(memImage{ref: "smear.png", data: pngBytes(t, 8, 6)})
	require.NoError(t, err)
	assert.Equal(t, 8, out.Bounds().Dx())
	assert.Equal(t, 6, out.Bounds().Dy())
}

func TestJitterAugmenter_UnreadableInput(t *testing.T) {
	aug := NewJitterAugmenter(DefaultJitterRanges(), 1)

	_, err := aug.Augment(memImage{ref: "broken.jpg", data: []byte("not an image")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.jpg")
}

func TestJitterAugmenter_FactorsWithinRanges(t *testing.T) {
	ranges := DefaultJitterRanges()
	aug := NewJitterAugmenter(ranges, 7)

	for range 500 {
		c, s, sat := aug.Factors()
		assert.GreaterOrEqual(t, c, ranges.Contrast.Min)
		assert.LessOrEqual(t, c, ranges.Contrast.Max)
		assert.GreaterOrEqual(t, s, ranges.Sharpness.Min)
		assert.LessOrEqual(t, s, ranges.Sharpness.Max)
		assert.GreaterOrEqual(t, sat, ranges.Saturation.Min)
		assert.LessOrEqual(t, sat, ranges.Saturation.Max)
	}
}

func TestJitterAugmenter_SeedIsDeterministic(t *testing.T) {
	a := NewJitterAugmenter(DefaultJitterRanges(), 99)
	b := NewJitterAugmenter(DefaultJitterRanges(), 99)
	for range 10 {
		ac, as, asat := a.Factors()
		bc, bs, bsat := b.Factors()
		assert.Equal(t, ac, bc)
		assert.Equal(t, as, bs)
		assert.Equal(t, asat, bsat)
	}
}

func TestFactorToPercent(t *testing.T) {
	assert.InDelta(t, 0.0, factorToPercent(1.0), 1e-9)
	assert.InDelta(t, 50.0, factorToPercent(1.5), 1e-9)
	assert.InDelta(t, -50.0, factorToPercent(0.5), 1e-9)
	assert.InDelta(t, 100.0, factorToPercent(3.0), 1e-9)
}
