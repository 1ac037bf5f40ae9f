package similarity

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"
	"strconv"
)

const (
	hashGridSize = 8
	hashBits     = hashGridSize * hashGridSize

	// MaxDistance is the Hamming distance reported for hashes that cannot
	// be compared (malformed hex input).
	MaxDistance = hashBits
)

// Hash computes a 64-bit perceptual fingerprint of an image: the picture is
// reduced to single-channel luma, averaged onto an 8x8 grid, and each cell
// contributes a 1 bit when it is at least as bright as the grid mean. The
// result is encoded as 16 lowercase hex characters.
func Hash(imageBytes []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	grid := lumaGrid(img)

	var mean float64
	for _, v := range grid {
		mean += v
	}
	mean /= float64(len(grid))

	var hash uint64
	for _, v := range grid {
		hash <<= 1
		if v >= mean {
			hash |= 1
		}
	}
	return fmt.Sprintf("%016x", hash), nil
}

// lumaGrid averages the image's luma onto an 8x8 grid (row-major). Cells
// that receive no pixels (images narrower or shorter than the grid) sample
// the nearest pixel instead.
func lumaGrid(img image.Image) [hashBits]float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	var sums [hashBits]float64
	var counts [hashBits]int

	for y := 0; y < height; y++ {
		row := y * hashGridSize / height
		for x := 0; x < width; x++ {
			col := x * hashGridSize / width
			cell := row*hashGridSize + col
			sums[cell] += luma(img, bounds.Min.X+x, bounds.Min.Y+y)
			counts[cell]++
		}
	}

	var grid [hashBits]float64
	for cell := 0; cell < hashBits; cell++ {
		if counts[cell] > 0 {
			grid[cell] = sums[cell] / float64(counts[cell])
			continue
		}
		col := cell % hashGridSize
		row := cell / hashGridSize
		x := bounds.Min.X + min(col*width/hashGridSize, width-1)
		y := bounds.Min.Y + min(row*height/hashGridSize, height-1)
		grid[cell] = luma(img, x, y)
	}
	return grid
}

func luma(img image.Image, x, y int) float64 {
	gray := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
	return float64(gray.Y)
}

// Distance reports the Hamming distance between two hex-encoded 64-bit
// hashes. Inputs that don't parse are treated as maximally dissimilar.
func Distance(a, b string) int {
	valueA, errA := strconv.ParseUint(a, 16, 64)
	valueB, errB := strconv.ParseUint(b, 16, 64)
	if errA != nil || errB != nil || len(a) != 16 || len(b) != 16 {
		return MaxDistance
	}
	return bits.OnesCount64(valueA ^ valueB)
}
