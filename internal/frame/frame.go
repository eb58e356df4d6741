// Package frame provides the acquired-image type shared by the detectors
// and shift estimators: a grayscale pixel buffer plus the physical metadata
// needed to convert pixel offsets into stage coordinates.
package frame

import (
	"fmt"
	"image"
	"math"
	"os"

	"microcal/pkg/geometry"

	"gocv.io/x/gocv"
	"golang.org/x/image/tiff"
)

// Metadata carries the physical context of an acquisition.
type Metadata struct {
	// PixelSize is the physical size of one pixel (meters per pixel).
	PixelSize geometry.Point2D
	// StagePos is the stage position of the image center at acquisition.
	StagePos geometry.Point2D
	// ExposureTime in seconds, zero when not applicable (scanned images).
	ExposureTime float64
}

// Frame is a single grayscale acquisition, row-major, origin at top-left.
type Frame struct {
	W, H int
	Pix  []float32
	Meta Metadata
}

// New allocates a zeroed frame.
func New(w, h int, meta Metadata) *Frame {
	return &Frame{W: w, H: h, Pix: make([]float32, w*h), Meta: meta}
}

// At returns the pixel value at (x, y). No bounds check.
func (f *Frame) At(x, y int) float32 {
	return f.Pix[y*f.W+x]
}

// Set assigns the pixel value at (x, y). No bounds check.
func (f *Frame) Set(x, y int, v float32) {
	f.Pix[y*f.W+x] = v
}

// Center returns the image center in pixel coordinates.
func (f *Frame) Center() geometry.Point2D {
	return geometry.Point2D{X: float64(f.W-1) / 2, Y: float64(f.H-1) / 2}
}

// MinMax returns the minimum and maximum pixel value.
func (f *Frame) MinMax() (minV, maxV float32) {
	if len(f.Pix) == 0 {
		return 0, 0
	}
	minV, maxV = f.Pix[0], f.Pix[0]
	for _, v := range f.Pix[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return minV, maxV
}

// ToPhysical converts a pixel position into a physical offset from the
// image center. The vertical axis is inverted: image rows increase
// downward while physical Y increases upward.
func (f *Frame) ToPhysical(pixel geometry.Point2D) geometry.Point2D {
	c := f.Center()
	return geometry.Point2D{
		X: (pixel.X - c.X) * f.Meta.PixelSize.X,
		Y: -(pixel.Y - c.Y) * f.Meta.PixelSize.Y,
	}
}

// Crop returns a copy of the given pixel region. The region is clamped to
// the frame bounds; pixel size metadata is preserved.
func (f *Frame) Crop(r geometry.RectInt) *Frame {
	x0 := max(r.X, 0)
	y0 := max(r.Y, 0)
	x1 := min(r.X+r.Width, f.W)
	y1 := min(r.Y+r.Height, f.H)
	if x1 <= x0 || y1 <= y0 {
		return New(0, 0, f.Meta)
	}

	out := New(x1-x0, y1-y0, f.Meta)
	for y := y0; y < y1; y++ {
		copy(out.Pix[(y-y0)*out.W:(y-y0+1)*out.W], f.Pix[y*f.W+x0:y*f.W+x1])
	}
	return out
}

// Resample resizes the frame to w x h with bilinear interpolation and
// rescales the pixel size metadata accordingly.
func (f *Frame) Resample(w, h int) *Frame {
	src := f.ToMat32F()
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Point{X: w, Y: h}, 0, 0, gocv.InterpolationLinear)

	out := fromMat32F(dst)
	out.Meta = f.Meta
	out.Meta.PixelSize = geometry.Point2D{
		X: f.Meta.PixelSize.X * float64(f.W) / float64(w),
		Y: f.Meta.PixelSize.Y * float64(f.H) / float64(h),
	}
	return out
}

// ToMat32F converts the frame to a single-channel 32-bit float Mat.
// The caller owns the returned Mat.
func (f *Frame) ToMat32F() gocv.Mat {
	mat := gocv.NewMatWithSize(f.H, f.W, gocv.MatTypeCV32F)
	for y := 0; y < f.H; y++ {
		for x := 0; x < f.W; x++ {
			mat.SetFloatAt(y, x, f.Pix[y*f.W+x])
		}
	}
	return mat
}

// ToMat8U converts the frame to an 8-bit grayscale Mat, stretching the
// intensity range to 0..255. The caller owns the returned Mat.
func (f *Frame) ToMat8U() gocv.Mat {
	minV, maxV := f.MinMax()
	scale := float64(0)
	if maxV > minV {
		scale = 255.0 / float64(maxV-minV)
	}

	mat := gocv.NewMatWithSize(f.H, f.W, gocv.MatTypeCV8U)
	for y := 0; y < f.H; y++ {
		for x := 0; x < f.W; x++ {
			v := float64(f.Pix[y*f.W+x]-minV) * scale
			mat.SetUCharAt(y, x, uint8(math.Round(v)))
		}
	}
	return mat
}

// fromMat32F copies a single-channel 32F Mat into a new frame without
// metadata.
func fromMat32F(mat gocv.Mat) *Frame {
	h, w := mat.Rows(), mat.Cols()
	out := New(w, h, Metadata{})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Pix[y*w+x] = mat.GetFloatAt(y, x)
		}
	}
	return out
}

// Smooth returns a Gaussian-blurred copy of the frame. ksize must be odd.
func (f *Frame) Smooth(ksize int) *Frame {
	src := f.ToMat32F()
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.GaussianBlur(src, &dst, image.Point{X: ksize, Y: ksize}, 0, 0, gocv.BorderDefault)

	out := fromMat32F(dst)
	out.Meta = f.Meta
	return out
}

// ToGray16 converts the frame to a 16-bit grayscale Go image with the
// intensity range stretched to the full 16-bit range.
func (f *Frame) ToGray16() *image.Gray16 {
	minV, maxV := f.MinMax()
	scale := float64(0)
	if maxV > minV {
		scale = 65535.0 / float64(maxV-minV)
	}

	img := image.NewGray16(image.Rect(0, 0, f.W, f.H))
	for y := 0; y < f.H; y++ {
		for x := 0; x < f.W; x++ {
			v := uint16(math.Round(float64(f.Pix[y*f.W+x]-minV) * scale))
			// Gray16 stores big-endian samples.
			img.Pix[y*img.Stride+x*2] = uint8(v >> 8)
			img.Pix[y*img.Stride+x*2+1] = uint8(v)
		}
	}
	return img
}

// SaveTIFF writes the frame as a 16-bit grayscale TIFF file.
func (f *Frame) SaveTIFF(path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer out.Close()

	if err := tiff.Encode(out, f.ToGray16(), nil); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}
