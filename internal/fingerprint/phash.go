package fingerprint

import (
	"encoding/hex"
	"image"
	"math"
	"sort"

	"golang.org/x/image/draw"
)

const (
	// PHashSize is the side of the grid the image is stretched to before the DCT.
	PHashSize = 32
	// PHashBlock is the side of the low-frequency coefficient block kept (256 bits).
	PHashBlock = 16
)

// dctTable[u][x] = cos((2x+1)uπ / 2N)
var dctTable = func() [PHashSize][PHashSize]float64 {
	var t [PHashSize][PHashSize]float64
	for u := 0; u < PHashSize; u++ {
		for x := 0; x < PHashSize; x++ {
			t[u][x] = math.Cos(float64(2*x+1) * float64(u) * math.Pi / (2 * PHashSize))
		}
	}
	return t
}()

// PHash returns the DCT perceptual hash of img as 64 hex characters.
func PHash(img image.Image) string {
	return phashGray(toGray(img))
}

func phashGray(g *image.Gray) string {
	px := resizeGray(g, PHashSize, PHashSize)
	coef := dct2(px)

	vals := make([]float64, 0, PHashBlock*PHashBlock)
	for v := 0; v < PHashBlock; v++ {
		for u := 0; u < PHashBlock; u++ {
			vals = append(vals, coef[v][u])
		}
	}
	// DC term is left out of the median.
	rest := append([]float64(nil), vals[1:]...)
	sort.Float64s(rest)
	median := rest[len(rest)/2]
	if len(rest)%2 == 0 {
		median = (rest[len(rest)/2-1] + rest[len(rest)/2]) / 2
	}

	bits := make([]byte, len(vals)/8)
	for i, c := range vals {
		if c > median {
			bits[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return hex.EncodeToString(bits)
}

// dct2 applies a separable, unnormalized 2-D DCT-II. It is indexed [v][u]
// (row frequency, column frequency).
func dct2(px [][]float64) [PHashSize][PHashSize]float64 {
	var tmp, out [PHashSize][PHashSize]float64
	for y := 0; y < PHashSize; y++ {
		for u := 0; u < PHashSize; u++ {
			var s float64
			for x := 0; x < PHashSize; x++ {
				s += px[y][x] * dctTable[u][x]
			}
			tmp[y][u] = s
		}
	}
	for u := 0; u < PHashSize; u++ {
		for v := 0; v < PHashSize; v++ {
			var s float64
			for y := 0; y < PHashSize; y++ {
				s += tmp[y][u] * dctTable[v][y]
			}
			out[v][u] = s
		}
	}
	return out
}

// toGray converts img to a zero-origin grayscale copy.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// crop copies r out of g into a new zero-origin image so resampling never
// reads pixels outside the region.
func crop(g *image.Gray, r image.Rectangle) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), g, r.Min, draw.Src)
	return out
}

// resizeGray stretches g to w×h and returns intensities as [y][x].
func resizeGray(g *image.Gray, w, h int) [][]float64 {
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), g, g.Bounds(), draw.Src, nil)
	out := make([][]float64, h)
	for y := 0; y < h; y++ {
		row := make([]float64, w)
		for x := 0; x < w; x++ {
			row[x] = float64(dst.Pix[y*dst.Stride+x])
		}
		out[y] = row
	}
	return out
}
