// Package estimate implements the numeric estimators of the calibration
// pipeline: sub-pixel phase-correlation shift measurement, least-squares
// affine solving, and ordinary least-squares line fitting.
package estimate

import (
	"fmt"
	"math"
	"math/cmplx"

	"microcal/internal/frame"
	"microcal/pkg/geometry"

	"gonum.org/v1/gonum/dsp/fourier"
)

// PhaseCorrelationShift measures the sub-pixel translation of b relative to
// a using the phase of the cross-power spectrum. Both frames must have the
// same dimensions; marginPx is cropped from every border first to suppress
// edge effects from the scan borders. The returned shift is in pixels:
// b(x, y) ~= a(x - sx, y - sy).
func PhaseCorrelationShift(a, b *frame.Frame, marginPx int) (geometry.Point2D, error) {
	if a.W != b.W || a.H != b.H {
		return geometry.Point2D{}, fmt.Errorf("frame size mismatch: %dx%d vs %dx%d", a.W, a.H, b.W, b.H)
	}

	if marginPx > 0 {
		r := geometry.RectInt{X: marginPx, Y: marginPx, Width: a.W - 2*marginPx, Height: a.H - 2*marginPx}
		a = a.Crop(r)
		b = b.Crop(r)
	}
	w, h := a.W, a.H
	if w < 8 || h < 8 {
		return geometry.Point2D{}, fmt.Errorf("image too small after margin crop: %dx%d", w, h)
	}

	fa := fft2(windowed(a))
	fb := fft2(windowed(b))

	// Normalized cross-power spectrum: conj(A)*B / |conj(A)*B|.
	// Its inverse transform peaks at the displacement of b relative to a.
	cross := make([][]complex128, h)
	for y := 0; y < h; y++ {
		cross[y] = make([]complex128, w)
		for x := 0; x < w; x++ {
			v := cmplx.Conj(fa[y][x]) * fb[y][x]
			if m := cmplx.Abs(v); m > 1e-15 {
				v = complex(real(v)/m, imag(v)/m)
			}
			cross[y][x] = v
		}
	}
	corr := ifft2Real(cross)

	// Locate the correlation peak.
	px, py := 0, 0
	peak := corr[0][0]
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if corr[y][x] > peak {
				peak = corr[y][x]
				px, py = x, y
			}
		}
	}

	// Parabolic interpolation around the peak gives sub-pixel precision.
	// Neighbor indices wrap: the correlation surface is cyclic.
	sx := float64(px) + parabolicOffset(
		corr[py][(px-1+w)%w], corr[py][px], corr[py][(px+1)%w])
	sy := float64(py) + parabolicOffset(
		corr[(py-1+h)%h][px], corr[py][px], corr[(py+1)%h][px])

	// Shifts beyond half the image wrap around to negative values.
	if sx > float64(w)/2 {
		sx -= float64(w)
	}
	if sy > float64(h)/2 {
		sy -= float64(h)
	}

	return geometry.Point2D{X: sx, Y: sy}, nil
}

// parabolicOffset fits a parabola through three samples around a peak and
// returns the fractional offset of its apex from the center sample.
func parabolicOffset(cm, c0, cp float64) float64 {
	denom := cm - 2*c0 + cp
	if math.Abs(denom) < 1e-15 {
		return 0
	}
	off := 0.5 * (cm - cp) / denom
	// Clamp: interpolation past the neighbors means the peak is degenerate.
	if off > 0.5 {
		off = 0.5
	} else if off < -0.5 {
		off = -0.5
	}
	return off
}

// windowed applies a 2-D Hann window and returns the pixels as complex
// values, removing the mean first so the DC term does not dominate.
func windowed(f *frame.Frame) [][]complex128 {
	var mean float64
	for _, v := range f.Pix {
		mean += float64(v)
	}
	mean /= float64(len(f.Pix))

	out := make([][]complex128, f.H)
	for y := 0; y < f.H; y++ {
		out[y] = make([]complex128, f.W)
		wy := hann(y, f.H)
		for x := 0; x < f.W; x++ {
			v := (float64(f.At(x, y)) - mean) * wy * hann(x, f.W)
			out[y][x] = complex(v, 0)
		}
	}
	return out
}

func hann(i, n int) float64 {
	return 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
}

// fft2 computes the 2-D DFT by transforming rows then columns.
func fft2(data [][]complex128) [][]complex128 {
	h := len(data)
	w := len(data[0])
	rowFFT := fourier.NewCmplxFFT(w)
	colFFT := fourier.NewCmplxFFT(h)

	out := make([][]complex128, h)
	for y := 0; y < h; y++ {
		out[y] = rowFFT.Coefficients(nil, data[y])
	}

	col := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = out[y][x]
		}
		res := colFFT.Coefficients(nil, col)
		for y := 0; y < h; y++ {
			out[y][x] = res[y]
		}
	}
	return out
}

// ifft2Real computes the inverse 2-D DFT and returns the real part,
// normalized by the element count.
func ifft2Real(data [][]complex128) [][]float64 {
	h := len(data)
	w := len(data[0])
	rowFFT := fourier.NewCmplxFFT(w)
	colFFT := fourier.NewCmplxFFT(h)

	tmp := make([][]complex128, h)
	col := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = data[y][x]
		}
		res := colFFT.Sequence(nil, col)
		for y := 0; y < h; y++ {
			if tmp[y] == nil {
				tmp[y] = make([]complex128, w)
			}
			tmp[y][x] = res[y]
		}
	}

	norm := float64(w * h)
	out := make([][]float64, h)
	for y := 0; y < h; y++ {
		res := rowFFT.Sequence(nil, tmp[y])
		out[y] = make([]float64, w)
		for x := 0; x < w; x++ {
			out[y][x] = real(res[x]) / norm
		}
	}
	return out
}
