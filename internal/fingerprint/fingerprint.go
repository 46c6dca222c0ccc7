// Package fingerprint turns submitted content into fixed-width hex
// fingerprints: a SimHash for text and a set of perceptual hashes plus a
// byte digest for images.
//
// Every function here is deterministic and free of shared mutable state, so
// callers may hash on any goroutine without synchronization. The package does
// not log; decoding problems are reported through ErrUndecodable and the
// Degraded flag on ImageHashes.
package fingerprint

import (
	"bytes"
	"errors"
	"image"

	// Decoders registered with image.Decode.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrUndecodable is returned by HashImage when the bytes are not an image in
// any registered format. The digest is still filled in.
var ErrUndecodable = errors.New("fingerprint: undecodable image")

// ImageHashes groups every fingerprint derived from one image.
type ImageHashes struct {
	Digest    string    // BLAKE3-256 of the raw bytes
	Global    string    // DCT perceptual hash of the whole image
	DHash     string    // difference hash
	Quadrants [4]string // TL, TR, BL, BR perceptual hashes
	Width     int
	Height    int
	// Degraded is set when at least one quadrant fell back to Global
	// because the region was below MinRegion.
	Degraded bool
}

// Decoded reports whether the perceptual hashes are populated.
func (h ImageHashes) Decoded() bool { return h.Global != "" }

// HashImage decodes data and computes all image fingerprints. When the bytes
// cannot be decoded it returns the digest-only result and ErrUndecodable.
func HashImage(data []byte) (ImageHashes, error) {
	out := ImageHashes{Digest: Digest(data)}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return out, ErrUndecodable
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return out, ErrUndecodable
	}
	g := toGray(img)
	out.Width, out.Height = b.Dx(), b.Dy()
	out.Global = phashGray(g)
	out.DHash = dhashGray(g)
	out.Quadrants, out.Degraded = quadrantsGray(g, out.Global)
	return out, nil
}
