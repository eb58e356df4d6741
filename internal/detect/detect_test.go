package detect

import (
	"math"
	"testing"

	"microcal/internal/frame"
	"microcal/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pixelSize = 1e-6 // 1 um/px

func testMeta() frame.Metadata {
	return frame.Metadata{PixelSize: geometry.Point2D{X: pixelSize, Y: pixelSize}}
}

// darkCircleFrame renders a bright background with one dark filled circle.
func darkCircleFrame(w, h int, cx, cy, r float64) *frame.Frame {
	f := frame.New(w, h, testMeta())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			if math.Sqrt(dx*dx+dy*dy) <= r {
				f.Set(x, y, 20)
			} else {
				f.Set(x, y, 200)
			}
		}
	}
	return f
}

// ringFrame renders a bright ring (annulus) on a dark background.
func ringFrame(w, h int, cx, cy, rInner, rOuter float64) *frame.Frame {
	f := frame.New(w, h, testMeta())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			d := math.Sqrt(dx*dx + dy*dy)
			if d >= rInner && d <= rOuter {
				f.Set(x, y, 230)
			} else {
				f.Set(x, y, 15)
			}
		}
	}
	return f
}

func TestFindCircleLocatesSingleCircle(t *testing.T) {
	const (
		cx = 70.0
		cy = 50.0
		r  = 20.0
	)
	f := darkCircleFrame(128, 128, cx, cy, r)

	got, err := FindCircle(f, r, 5, true)
	require.NoError(t, err)

	c := f.Center()
	wantX := (cx - c.X) * pixelSize
	wantY := -(cy - c.Y) * pixelSize // vertical axis inverted
	assert.InDelta(t, wantX, got.X, 2*pixelSize)
	assert.InDelta(t, wantY, got.Y, 2*pixelSize)
}

func TestFindCircleNoMatchReturnsNotFound(t *testing.T) {
	f := frame.New(128, 128, testMeta())
	for i := range f.Pix {
		f.Pix[i] = 128
	}

	_, err := FindCircle(f, 20, 5, true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindRingLocatesRingCenter(t *testing.T) {
	const (
		cx = 60.0
		cy = 72.0
	)
	f := ringFrame(128, 128, cx, cy, 18, 28)

	got, err := FindRing(f)
	require.NoError(t, err)

	c := f.Center()
	assert.InDelta(t, (cx-c.X)*pixelSize, got.X, 2*pixelSize)
	assert.InDelta(t, -(cy-c.Y)*pixelSize, got.Y, 2*pixelSize)
}

func TestFindRingEmptyImage(t *testing.T) {
	f := frame.New(64, 64, testMeta())
	_, err := FindRing(f)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindSpotLocatesGaussianBlob(t *testing.T) {
	const (
		cx = 40.0
		cy = 25.0
	)
	f := frame.New(96, 96, testMeta())
	for y := 0; y < f.H; y++ {
		for x := 0; x < f.W; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			f.Set(x, y, 10+float32(240*math.Exp(-(dx*dx+dy*dy)/(2*3*3))))
		}
	}

	got, err := FindSpot(f)
	require.NoError(t, err)

	c := f.Center()
	assert.InDelta(t, (cx-c.X)*pixelSize, got.X, pixelSize)
	assert.InDelta(t, -(cy-c.Y)*pixelSize, got.Y, pixelSize)
}

func TestFindSpotFlatImage(t *testing.T) {
	f := frame.New(64, 64, testMeta())
	for i := range f.Pix {
		f.Pix[i] = 50
	}
	_, err := FindSpot(f)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBrightestPixelOffset(t *testing.T) {
	f := frame.New(32, 32, testMeta())
	f.Set(20, 8, 100)

	got := BrightestPixelOffset(f)
	c := f.Center()
	assert.InDelta(t, (20-c.X)*pixelSize, got.X, 1e-12)
	assert.InDelta(t, -(8-c.Y)*pixelSize, got.Y, 1e-12)
}
