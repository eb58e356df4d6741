// Command detecttest runs one of the feature detectors on an image file and
// prints the detected offset, for tuning detector parameters against real
// acquisitions.
package main

import (
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"microcal/internal/detect"
	"microcal/internal/frame"
	"microcal/pkg/geometry"

	_ "golang.org/x/image/tiff"
)

func main() {
	imagePath := flag.String("image", "", "Path to acquisition (TIFF, PNG, or JPEG)")
	feature := flag.String("feature", "circle", "Feature to detect: circle, ring or spot")
	pixelSize := flag.Float64("pixelsize", 1e-6, "Pixel size in meters")
	radius := flag.Float64("radius", 90e-6, "Expected circle radius in meters")
	tolerance := flag.Float64("tolerance", 0.3, "Radius tolerance as a fraction")
	flag.Parse()

	if *imagePath == "" {
		fmt.Println("Usage: detecttest -image <path> [-feature circle|ring|spot] [-pixelsize 1e-6]")
		os.Exit(1)
	}

	f, err := loadFrame(*imagePath, *pixelSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load image: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %dx%d pixels, pixel size %.3g m\n", f.W, f.H, *pixelSize)

	var offset geometry.Point2D
	switch *feature {
	case "circle":
		radiusPx := *radius / *pixelSize
		offset, err = detect.FindCircle(f, radiusPx, radiusPx*(*tolerance), true)
	case "ring":
		offset, err = detect.FindRing(f)
	case "spot":
		offset, err = detect.FindSpot(f)
	default:
		fmt.Fprintf(os.Stderr, "Unknown feature %q\n", *feature)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Detection failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Detected %s offset from center: (%.3g, %.3g) m\n", *feature, offset.X, offset.Y)
	px := offset.X / *pixelSize
	py := -offset.Y / *pixelSize
	fmt.Printf("In pixels: (%.2f, %.2f)\n", px, py)
}

// loadFrame decodes an image file into a grayscale frame.
func loadFrame(path string, pixelSize float64) (*frame.Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	f := frame.New(bounds.Dx(), bounds.Dy(), frame.Metadata{
		PixelSize: geometry.Point2D{X: pixelSize, Y: pixelSize},
	})
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			gray := (0.299*float32(r) + 0.587*float32(g) + 0.114*float32(b)) / 65535
			f.Set(x-bounds.Min.X, y-bounds.Min.Y, gray)
		}
	}
	return f, nil
}
