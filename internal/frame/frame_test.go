package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"microcal/pkg/geometry"
)

func testMeta() Metadata {
	return Metadata{PixelSize: geometry.Point2D{X: 2e-6, Y: 2e-6}}
}

func TestToPhysicalInvertsVerticalAxis(t *testing.T) {
	f := New(9, 9, testMeta())

	// Image rows grow downward, physical Y grows upward.
	p := f.ToPhysical(geometry.Point2D{X: 4, Y: 4})
	assert.Equal(t, geometry.Point2D{}, p)

	p = f.ToPhysical(geometry.Point2D{X: 6, Y: 6})
	assert.InDelta(t, 4e-6, p.X, 1e-18)
	assert.InDelta(t, -4e-6, p.Y, 1e-18)
}

func TestCropClampsToBounds(t *testing.T) {
	f := New(8, 8, testMeta())
	f.Set(7, 7, 3)

	c := f.Crop(geometry.RectInt{X: 6, Y: 6, Width: 10, Height: 10})
	assert.Equal(t, 2, c.W)
	assert.Equal(t, 2, c.H)
	assert.Equal(t, float32(3), c.At(1, 1))
}

func TestMinMax(t *testing.T) {
	f := New(4, 4, testMeta())
	f.Set(1, 2, -2)
	f.Set(3, 0, 5)

	minV, maxV := f.MinMax()
	assert.Equal(t, float32(-2), minV)
	assert.Equal(t, float32(5), maxV)
}

func TestToGray16StretchesRange(t *testing.T) {
	f := New(2, 1, testMeta())
	f.Set(0, 0, 10)
	f.Set(1, 0, 20)

	img := f.ToGray16()
	assert.Equal(t, uint16(0), img.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(65535), img.Gray16At(1, 0).Y)
}
