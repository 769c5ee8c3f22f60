package nifti

import "math"

// AsCanonical returns the image reoriented to the closest RAS+
// orientation: voxel axis 0 increases to the right, axis 1 to the
// front, axis 2 to the top. Images already in RAS+ are returned
// unchanged. Hemisphere arithmetic downstream relies on this.
func (img *Image) AsCanonical() *Image {
	perm, flip := rasOrientation(img.Affine)
	if perm == [3]int{0, 1, 2} && !flip[0] && !flip[1] && !flip[2] {
		return img
	}

	dims := [3]int{img.Dims[perm[0]], img.Dims[perm[1]], img.Dims[perm[2]]}
	pixdim := [3]float64{img.Pixdim[perm[0]], img.Pixdim[perm[1]], img.Pixdim[perm[2]]}

	var affine [4][4]float64
	affine[3][3] = 1
	for r := 0; r < 3; r++ {
		affine[r][3] = img.Affine[r][3]
		for k := 0; k < 3; k++ {
			col := img.Affine[r][perm[k]]
			if flip[k] {
				affine[r][k] = -col
				affine[r][3] += col * float64(img.Dims[perm[k]]-1)
			} else {
				affine[r][k] = col
			}
		}
	}

	data := make([]float64, len(img.Data))
	var old [3]int
	idx := 0
	for k := 0; k < dims[2]; k++ {
		old[perm[2]] = sourceIndex(k, img.Dims[perm[2]], flip[2])
		for j := 0; j < dims[1]; j++ {
			old[perm[1]] = sourceIndex(j, img.Dims[perm[1]], flip[1])
			for i := 0; i < dims[0]; i++ {
				old[perm[0]] = sourceIndex(i, img.Dims[perm[0]], flip[0])
				data[idx] = img.At(old[0], old[1], old[2])
				idx++
			}
		}
	}

	return &Image{
		Dims:     dims,
		Pixdim:   pixdim,
		Affine:   affine,
		Datatype: img.Datatype,
		Data:     data,
	}
}

func sourceIndex(i, dim int, flipped bool) int {
	if flipped {
		return dim - 1 - i
	}
	return i
}

// rasOrientation decides, for each output RAS axis k, which voxel axis
// feeds it (perm) and whether that axis runs backwards (flip). Each
// voxel axis claims the world axis its affine column is most aligned
// with; columns are claimed greedily, which is exact for the
// axis-aligned affines segmentation volumes carry.
func rasOrientation(affine [4][4]float64) (perm [3]int, flip [3]bool) {
	var voxelWorld [3]int
	var voxelNeg [3]bool
	claimed := [3]bool{}

	for j := 0; j < 3; j++ {
		best := -1
		bestAbs := -1.0
		for i := 0; i < 3; i++ {
			if claimed[i] {
				continue
			}
			if abs := math.Abs(affine[i][j]); abs > bestAbs {
				bestAbs = abs
				best = i
			}
		}
		claimed[best] = true
		voxelWorld[j] = best
		voxelNeg[j] = affine[best][j] < 0
	}

	for j := 0; j < 3; j++ {
		perm[voxelWorld[j]] = j
		flip[voxelWorld[j]] = voxelNeg[j]
	}
	return perm, flip
}
