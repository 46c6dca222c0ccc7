package fingerprint

import "image"

// MinRegion is the smallest region side, in pixels, that gets its own
// quadrant hash. Smaller regions use the whole-image hash.
const MinRegion = 8

// QuadrantRects splits b into top-left, top-right, bottom-left and
// bottom-right regions. The second half takes the extra pixel of odd sizes.
func QuadrantRects(b image.Rectangle) [4]image.Rectangle {
	hw, hh := b.Dx()/2, b.Dy()/2
	midX, midY := b.Min.X+hw, b.Min.Y+hh
	return [4]image.Rectangle{
		image.Rect(b.Min.X, b.Min.Y, midX, midY),
		image.Rect(midX, b.Min.Y, b.Max.X, midY),
		image.Rect(b.Min.X, midY, midX, b.Max.Y),
		image.Rect(midX, midY, b.Max.X, b.Max.Y),
	}
}

// Quadrants returns the perceptual hash of each quadrant of img.
func Quadrants(img image.Image) [4]string {
	g := toGray(img)
	q, _ := quadrantsGray(g, phashGray(g))
	return q
}

func quadrantsGray(g *image.Gray, global string) (out [4]string, degraded bool) {
	for i, r := range QuadrantRects(g.Bounds()) {
		if r.Dx() < MinRegion || r.Dy() < MinRegion {
			out[i] = global
			degraded = true
			continue
		}
		out[i] = phashGray(crop(g, r))
	}
	return out, degraded
}
