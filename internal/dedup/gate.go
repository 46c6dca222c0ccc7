// Package dedup decides whether new content may enter a scope's pool.
//
// Work is split in two phases. Prepare does the CPU-heavy hashing and may run
// anywhere. Evaluate only consults the similarity index and is cheap, so the
// caller can run it inside the per-scope commit critical section, right
// before persisting, which closes the race between two concurrent
// near-duplicates.
package dedup

import (
	"context"
	"errors"

	"github.com/tbourn/go-cave-backend/internal/domain"
	"github.com/tbourn/go-cave-backend/internal/fingerprint"
	"github.com/tbourn/go-cave-backend/internal/similarity"
)

// Searcher is the read side of the similarity index.
type Searcher interface {
	Best(scope string, kind domain.Kind, hash string) (similarity.Match, bool)
	Exact(scope string, kind domain.Kind, hash string) []int
}

// ImageHasher computes image fingerprints; *fingerprint.Hasher implements it.
type ImageHasher interface {
	Hash(data []byte) (fingerprint.ImageHashes, error)
}

// Image is one image element's bytes. Index is its 1-based media position.
type Image struct {
	Index int
	Data  []byte
}

// PreparedImage is an image after hashing.
type PreparedImage struct {
	Index  int
	Hashes fingerprint.ImageHashes
}

// Prepared holds everything Evaluate needs.
type Prepared struct {
	Text   string // SimHash of the concatenated text, "" when there is none
	Images []PreparedImage
}

// Gate evaluates submissions against an index.
type Gate struct {
	Index      Searcher
	Hasher     ImageHasher
	Thresholds Thresholds
	Policy     QuadrantPolicy
}

// New validates th and returns a Gate.
func New(idx Searcher, hasher ImageHasher, th Thresholds, policy QuadrantPolicy) (*Gate, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if policy == "" {
		policy = QuadrantWarn
	}
	return &Gate{Index: idx, Hasher: hasher, Thresholds: th, Policy: policy}, nil
}

// Prepare hashes text and images. Undecodable images are kept with a
// digest only; any other hashing error aborts.
func (g *Gate) Prepare(ctx context.Context, text string, images []Image) (*Prepared, error) {
	p := &Prepared{}
	if h, ok := fingerprint.SimHash(text); ok {
		p.Text = h
	}
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hs, err := g.Hasher.Hash(img.Data)
		if err != nil && !errors.Is(err, fingerprint.ErrUndecodable) {
			return nil, err
		}
		p.Images = append(p.Images, PreparedImage{Index: img.Index, Hashes: hs})
	}
	return p, nil
}

// Check runs Prepare followed by Evaluate.
func (g *Gate) Check(ctx context.Context, scope, text string, images []Image) (Verdict, error) {
	p, err := g.Prepare(ctx, text, images)
	if err != nil {
		return Verdict{}, err
	}
	return g.Evaluate(scope, p), nil
}

// Evaluate compares p against what scope already holds.
func (g *Gate) Evaluate(scope string, p *Prepared) Verdict {
	var v Verdict
	seen := make(map[Hash]struct{})
	keep := func(kind domain.Kind, hash string) {
		h := Hash{Kind: kind, Hash: hash}
		if _, dup := seen[h]; dup {
			return
		}
		seen[h] = struct{}{}
		v.Hashes = append(v.Hashes, h)
	}

	if p.Text != "" {
		if r := g.similar(scope, domain.KindTextSimHash, p.Text, g.Thresholds.Text, 0); r != nil {
			return Verdict{Rejection: r}
		}
		keep(domain.KindTextSimHash, p.Text)
	}

	for _, img := range p.Images {
		hs := img.Hashes
		if refs := g.Index.Exact(scope, domain.KindImageDigest, hs.Digest); len(refs) > 0 {
			return Verdict{Rejection: &Rejection{
				Reason: ReasonExact, Kind: domain.KindImageDigest,
				RefID: refs[0], Score: 1, Element: img.Index,
			}}
		}
		keep(domain.KindImageDigest, hs.Digest)

		if !hs.Decoded() {
			v.Undecodable = append(v.Undecodable, img.Index)
			continue
		}

		if r := g.similar(scope, domain.KindImageGlobal, hs.Global, g.Thresholds.Image, img.Index); r != nil {
			return Verdict{Rejection: r}
		}
		if g.Thresholds.DHash > 0 {
			if r := g.similar(scope, domain.KindImageDHash, hs.DHash, g.Thresholds.DHash, img.Index); r != nil {
				return Verdict{Rejection: r}
			}
		}
		keep(domain.KindImageGlobal, hs.Global)
		keep(domain.KindImageDHash, hs.DHash)

		for i, qh := range hs.Quadrants {
			kind := domain.QuadrantKind(i + 1)
			if refs := g.Index.Exact(scope, kind, qh); len(refs) > 0 {
				if g.Policy == QuadrantReject {
					return Verdict{Rejection: &Rejection{
						Reason: ReasonPartial, Kind: kind,
						RefID: refs[0], Score: 1, Element: img.Index,
					}}
				}
				v.Warnings = append(v.Warnings, domain.PartialMatch{
					Element: img.Index, Quadrant: i + 1, Hash: qh, RefIDs: refs,
				})
			}
			keep(kind, qh)
		}
	}
	return v
}

func (g *Gate) similar(scope string, kind domain.Kind, hash string, threshold float64, element int) *Rejection {
	m, ok := g.Index.Best(scope, kind, hash)
	if !ok || !similarity.AtLeast(m.Score, threshold) {
		return nil
	}
	reason := ReasonSimilar
	if m.Hash == hash {
		reason = ReasonExact
	}
	return &Rejection{Reason: reason, Kind: kind, RefID: m.Owner, Score: m.Score, Element: element}
}
