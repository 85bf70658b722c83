package processing

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"mritoolbox/internal/models"
)

// axis letters for the positive and negative direction of each world axis
var axisLetters = [3][2]byte{{'R', 'L'}, {'A', 'P'}, {'S', 'I'}}

// Orientation returns the three-letter code naming the world direction in
// which each array axis increases, e.g. "RAS" or "LPS".
func Orientation(affine *mat.Dense) string {
	type entry struct {
		mag          float64
		world, array int
	}
	var entries []entry
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			entries = append(entries, entry{math.Abs(affine.At(i, j)), i, j})
		}
	}
	sort.SliceStable(entries, func(a, b int) bool { return entries[a].mag > entries[b].mag })

	var code [3]byte
	var usedWorld, usedArray [3]bool
	for _, e := range entries {
		if usedWorld[e.world] || usedArray[e.array] {
			continue
		}
		usedWorld[e.world], usedArray[e.array] = true, true
		if affine.At(e.world, e.array) >= 0 {
			code[e.array] = axisLetters[e.world][0]
		} else {
			code[e.array] = axisLetters[e.world][1]
		}
	}
	return string(code[:])
}

// parseOrientation maps a code such as "LAS" to, per output axis, the world
// axis it follows and whether it runs along the negative world direction.
func parseOrientation(code string) (world [3]int, negative [3]bool, err error) {
	code = strings.ToUpper(code)
	if len(code) != 3 {
		return world, negative, fmt.Errorf("%w: orientation %q", ErrInvalidParameter, code)
	}
	var seen [3]bool
	for k := 0; k < 3; k++ {
		found := false
		for w, letters := range axisLetters {
			if code[k] == letters[0] || code[k] == letters[1] {
				if seen[w] {
					return world, negative, fmt.Errorf("%w: orientation %q repeats an axis", ErrInvalidParameter, code)
				}
				seen[w] = true
				world[k] = w
				negative[k] = code[k] == letters[1]
				found = true
			}
		}
		if !found {
			return world, negative, fmt.Errorf("%w: orientation %q", ErrInvalidParameter, code)
		}
	}
	return world, negative, nil
}

// Reorient permutes and flips the array axes of vol so that they follow the
// orientation code target (for example "LAS"). The affine is adjusted so
// every voxel keeps its world position.
func Reorient(vol *models.Volume, target string) (*models.Volume, error) {
	wantWorld, wantNeg, err := parseOrientation(target)
	if err != nil {
		return nil, err
	}
	current := Orientation(vol.Affine)
	curWorld, curNeg, err := parseOrientation(current)
	if err != nil {
		return nil, err
	}

	// For every new axis k: the source axis src[k] and whether to flip it.
	var src [3]int
	var flip [3]bool
	for k := 0; k < 3; k++ {
		for j := 0; j < 3; j++ {
			if curWorld[j] == wantWorld[k] {
				src[k] = j
				flip[k] = curNeg[j] != wantNeg[k]
			}
		}
	}

	old := vol.Dims3()
	var shape [3]int
	for k := 0; k < 3; k++ {
		shape[k] = old[src[k]]
	}

	// T maps new voxel indices to old ones; the new affine is A*T.
	t := mat.NewDense(4, 4, nil)
	t.Set(3, 3, 1)
	for k := 0; k < 3; k++ {
		j := src[k]
		if flip[k] {
			t.Set(j, k, -1)
			t.Set(j, 3, float64(old[j]-1))
		} else {
			t.Set(j, k, 1)
		}
	}
	var affine mat.Dense
	affine.Mul(vol.Affine, t)

	outShape := []int{shape[0], shape[1], shape[2]}
	if len(vol.Shape) == 4 {
		outShape = append(outShape, vol.Shape[3])
	}
	out := models.NewVolume(outShape, &affine)
	out.Datatype = vol.Datatype

	var oldIdx [3]int
	for f := 0; f < vol.Frames(); f++ {
		in, dst := vol.Frame(f), out.Frame(f)
		n := 0
		for z := 0; z < shape[2]; z++ {
			for y := 0; y < shape[1]; y++ {
				for x := 0; x < shape[0]; x++ {
					for k, v := range [3]int{x, y, z} {
						if flip[k] {
							v = shape[k] - 1 - v
						}
						oldIdx[src[k]] = v
					}
					dst[n] = in[oldIdx[0]+old[0]*(oldIdx[1]+old[1]*oldIdx[2])]
					n++
				}
			}
		}
	}
	return out, nil
}
