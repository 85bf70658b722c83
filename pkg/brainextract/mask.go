package brainextract

import "math"

// Mask rasterises the current surface into the image grid and returns 1
// for voxels on or inside it and 0 elsewhere.
func (e *Extractor) Mask() []float64 {
	nx, ny, nz := e.shape[0], e.shape[1], e.shape[2]
	surface := make([]bool, nx*ny*nz)

	m := e.surface
	toVoxel := func(i int) vec3 {
		v := m.Vertices[i]
		return vec3{v[0] / e.spacing[0], v[1] / e.spacing[1], v[2] / e.spacing[2]}
	}
	for _, f := range m.Faces {
		a, b, c := toVoxel(f[0]), toVoxel(f[1]), toVoxel(f[2])
		ab, ac := b.sub(a), c.sub(a)
		longest := math.Max(ab.norm(), math.Max(ac.norm(), c.sub(b).norm()))
		steps := int(math.Ceil(longest*3)) + 1
		for i := 0; i <= steps; i++ {
			for j := 0; j <= steps-i; j++ {
				p := a.add(ab.scale(float64(i) / float64(steps))).add(ac.scale(float64(j) / float64(steps)))
				x, y, z := int(math.Round(p[0])), int(math.Round(p[1])), int(math.Round(p[2]))
				if x >= 0 && y >= 0 && z >= 0 && x < nx && y < ny && z < nz {
					surface[x+nx*(y+ny*z)] = true
				}
			}
		}
	}

	outside := floodOutside(surface, e.shape)
	mask := make([]float64, len(surface))
	for i := range mask {
		if !outside[i] {
			mask[i] = 1
		}
	}
	return mask
}

// floodOutside marks every voxel 6-connected to the grid border without
// crossing a barrier voxel.
func floodOutside(barrier []bool, shape [3]int) []bool {
	nx, ny, nz := shape[0], shape[1], shape[2]
	outside := make([]bool, len(barrier))
	queue := make([]int, 0, 2*(nx*ny+ny*nz+nx*nz))

	push := func(x, y, z int) {
		if x < 0 || y < 0 || z < 0 || x >= nx || y >= ny || z >= nz {
			return
		}
		i := x + nx*(y+ny*z)
		if barrier[i] || outside[i] {
			return
		}
		outside[i] = true
		queue = append(queue, i)
	}

	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if x == 0 || y == 0 || z == 0 || x == nx-1 || y == ny-1 || z == nz-1 {
					push(x, y, z)
				}
			}
		}
	}

	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		x := i % nx
		y := (i / nx) % ny
		z := i / (nx * ny)
		push(x-1, y, z)
		push(x+1, y, z)
		push(x, y-1, z)
		push(x, y+1, z)
		push(x, y, z-1)
		push(x, y, z+1)
	}
	return outside
}
