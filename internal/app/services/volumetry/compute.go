package volumetry

import (
	"sort"

	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
	"github.com/voxelcare/volumetry-agent/internal/nifti"
)

// Segmentation label values and their clinical names, in output order.
var segLabels = []struct {
	value float64
	name  string
}{
	{1, "ET"},
	{2, "WT"},
	{3, "TC"},
}

// computeMetrics derives one metric row per known label from a
// canonical segmentation volume.
func computeMetrics(img *nifti.Image, patient string) []study.Metric {
	voxML := img.VoxelVolumeML()
	midX := midsagittalX(img)

	rows := make([]study.Metric, 0, len(segLabels))
	for _, label := range segLabels {
		rows = append(rows, labelRow(img, patient, label.value, label.name, voxML, midX))
	}
	return rows
}

// midsagittalX estimates the midsagittal plane as the median world-x
// over every labeled voxel. An empty segmentation falls back to the
// world-x of the geometric volume center.
func midsagittalX(img *nifti.Image) float64 {
	xs := make([]float64, 0, len(img.Data)/8)
	idx := 0
	for k := 0; k < img.Dims[2]; k++ {
		for j := 0; j < img.Dims[1]; j++ {
			for i := 0; i < img.Dims[0]; i++ {
				if img.Data[idx] > 0 {
					x, _, _ := img.VoxelToWorld(float64(i), float64(j), float64(k))
					xs = append(xs, x)
				}
				idx++
			}
		}
	}
	if len(xs) == 0 {
		x, _, _ := img.VoxelToWorld(
			float64(img.Dims[0]-1)/2,
			float64(img.Dims[1]-1)/2,
			float64(img.Dims[2]-1)/2,
		)
		return x
	}
	return median(xs)
}

// labelRow measures one label: voxel volume, hemispheric asymmetry
// against the midsagittal plane, and the world-space centroid. Absent
// labels yield a zero volume, zero asymmetry and nil centroids.
func labelRow(img *nifti.Image, patient string, value float64, name string, voxML, midX float64) study.Metric {
	var (
		count            int
		sumI, sumJ, sumK float64
		left, right      int
	)
	idx := 0
	for k := 0; k < img.Dims[2]; k++ {
		for j := 0; j < img.Dims[1]; j++ {
			for i := 0; i < img.Dims[0]; i++ {
				if img.Data[idx] == value {
					count++
					sumI += float64(i)
					sumJ += float64(j)
					sumK += float64(k)
					x, _, _ := img.VoxelToWorld(float64(i), float64(j), float64(k))
					if x < midX {
						left++
					} else {
						right++
					}
				}
				idx++
			}
		}
	}

	row := study.Metric{
		Patient:  patient,
		Label:    name,
		VolumeML: float64(count) * voxML,
	}
	if count == 0 {
		return row
	}

	row.AsymmetryIndex = float64(left-right) / float64(left+right)

	n := float64(count)
	cx, cy, cz := img.VoxelToWorld(sumI/n, sumJ/n, sumK/n)
	row.CentroidXMM = &cx
	row.CentroidYMM = &cy
	row.CentroidZMM = &cz
	return row
}

func median(xs []float64) float64 {
	sort.Float64s(xs)
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}
