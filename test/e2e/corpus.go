// Package e2e provides end-to-end tests over a synthetic ukbench-style corpus.
package e2e

import (
	"fmt"
	"math/rand/v2"
)

// Image is one synthetic item of the corpus.
type Image struct {
	Name  string
	Data  []byte
	Group int
}

// Corpus holds groups of near-duplicate images named like the ukbench set, so that
// ukbench%05d / groupSize is the group number.
type Corpus struct {
	Images    []Image
	Groups    int
	GroupSize int
}

const (
	imageSize = 256
	// mutations per variant; each one changes at most shingle-many windows
	mutations = 4
)

// BuildCorpus returns groups×groupSize images. Images of one group share a random base and differ
// in a handful of bytes; bases of different groups are independent. The same seed gives the same
// corpus.
func BuildCorpus(groups, groupSize int, seed uint64) *Corpus {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	c := &Corpus{Groups: groups, GroupSize: groupSize}
	for g := 0; g < groups; g++ {
		base := make([]byte, imageSize)
		for i := range base {
			base[i] = byte(rng.UintN(256))
		}
		for v := 0; v < groupSize; v++ {
			data := append([]byte(nil), base...)
			if v > 0 {
				for m := 0; m < mutations; m++ {
					data[rng.IntN(len(data))] ^= byte(1 + rng.UintN(255))
				}
			}
			c.Images = append(c.Images, Image{
				Name:  fmt.Sprintf("ukbench%05d.jpg", g*groupSize+v),
				Data:  data,
				Group: g,
			})
		}
	}
	return c
}

// GroupOf returns the names of the images in group g.
func (c *Corpus) GroupOf(g int) []string {
	var names []string
	for _, img := range c.Images {
		if img.Group == g {
			names = append(names, img.Name)
		}
	}
	return names
}
