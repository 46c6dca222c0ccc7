package fingerprint

import (
	"fmt"
	"image"
)

const (
	dhashWidth  = 8
	dhashHeight = 8
)

// DHash returns the 64-bit difference hash of img as 16 hex characters. The
// image is stretched to 9×8 and each bit records whether a pixel is brighter
// than its right neighbour, row-major.
func DHash(img image.Image) string {
	return dhashGray(toGray(img))
}

func dhashGray(g *image.Gray) string {
	px := resizeGray(g, dhashWidth+1, dhashHeight)
	var v uint64
	i := 0
	for y := 0; y < dhashHeight; y++ {
		for x := 0; x < dhashWidth; x++ {
			if px[y][x] > px[y][x+1] {
				v |= 1 << (63 - uint(i))
			}
			i++
		}
	}
	return fmt.Sprintf("%016x", v)
}
