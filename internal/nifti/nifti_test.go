package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

type volumeSpec struct {
	dims     [3]int
	pixdim   [3]float64
	datatype int16
	order    binary.ByteOrder
	magic    string
	sform    *[3][4]float32
	qform    *[7]float32 // b, c, d, ox, oy, oz, qfac
	sclSlope float32
	sclInter float32
	data     []float64
}

func encodeVolume(t *testing.T, spec volumeSpec) []byte {
	t.Helper()
	order := spec.order
	if order == nil {
		order = binary.LittleEndian
	}
	magic := spec.magic
	if magic == "" {
		magic = "n+1"
	}

	putF32 := func(buf []byte, off int, v float32) {
		order.PutUint32(buf[off:], math.Float32bits(v))
	}

	buf := make([]byte, 352)
	order.PutUint32(buf[0:], 348)
	order.PutUint16(buf[40:], 3)
	order.PutUint16(buf[42:], uint16(spec.dims[0]))
	order.PutUint16(buf[44:], uint16(spec.dims[1]))
	order.PutUint16(buf[46:], uint16(spec.dims[2]))
	order.PutUint16(buf[70:], uint16(spec.datatype))

	qfac := float32(1)
	if spec.qform != nil {
		qfac = spec.qform[6]
	}
	putF32(buf, 76, qfac)
	putF32(buf, 80, float32(spec.pixdim[0]))
	putF32(buf, 84, float32(spec.pixdim[1]))
	putF32(buf, 88, float32(spec.pixdim[2]))
	putF32(buf, 108, 352)
	putF32(buf, 112, spec.sclSlope)
	putF32(buf, 116, spec.sclInter)

	if spec.qform != nil {
		order.PutUint16(buf[252:], 1)
		for i := 0; i < 6; i++ {
			putF32(buf, 256+4*i, spec.qform[i])
		}
	}
	if spec.sform != nil {
		order.PutUint16(buf[254:], 1)
		for r := 0; r < 3; r++ {
			for c := 0; c < 4; c++ {
				putF32(buf, 280+16*r+4*c, spec.sform[r][c])
			}
		}
	}
	copy(buf[344:], magic)

	var data bytes.Buffer
	for _, v := range spec.data {
		switch spec.datatype {
		case DTUint8:
			data.WriteByte(byte(v))
		case DTInt16:
			var b [2]byte
			order.PutUint16(b[:], uint16(int16(v)))
			data.Write(b[:])
		case DTFloat32:
			var b [4]byte
			order.PutUint32(b[:], math.Float32bits(float32(v)))
			data.Write(b[:])
		case DTFloat64:
			var b [8]byte
			order.PutUint64(b[:], math.Float64bits(v))
			data.Write(b[:])
		default:
			t.Fatalf("encodeVolume: datatype %d not handled", spec.datatype)
		}
	}
	return append(buf, data.Bytes()...)
}

func sequentialData(dims [3]int) []float64 {
	data := make([]float64, dims[0]*dims[1]*dims[2])
	for i := range data {
		data[i] = float64(i)
	}
	return data
}

func identitySform(pixdim [3]float64) *[3][4]float32 {
	return &[3][4]float32{
		{float32(pixdim[0]), 0, 0, 0},
		{0, float32(pixdim[1]), 0, 0},
		{0, 0, float32(pixdim[2]), 0},
	}
}

func TestDecodeUint8Volume(t *testing.T) {
	dims := [3]int{3, 2, 2}
	pixdim := [3]float64{1, 2, 3}
	raw := encodeVolume(t, volumeSpec{
		dims:     dims,
		pixdim:   pixdim,
		datatype: DTUint8,
		sform:    identitySform(pixdim),
		data:     sequentialData(dims),
	})

	img, err := Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Dims != dims {
		t.Fatalf("dims = %v, want %v", img.Dims, dims)
	}
	if img.Pixdim != pixdim {
		t.Fatalf("pixdim = %v, want %v", img.Pixdim, pixdim)
	}
	if got := img.At(1, 0, 1); got != 7 {
		t.Fatalf("At(1,0,1) = %v, want 7", got)
	}
	if got, want := img.VoxelVolumeML(), 6.0/1000.0; math.Abs(got-want) > 1e-12 {
		t.Fatalf("voxel volume = %v, want %v", got, want)
	}
}

func TestDecodeGzip(t *testing.T) {
	dims := [3]int{2, 2, 2}
	raw := encodeVolume(t, volumeSpec{
		dims:     dims,
		pixdim:   [3]float64{1, 1, 1},
		datatype: DTUint8,
		sform:    identitySform([3]float64{1, 1, 1}),
		data:     sequentialData(dims),
	})

	var gzipped bytes.Buffer
	gw := gzip.NewWriter(&gzipped)
	if _, err := gw.Write(raw); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	img, err := Decode(bytes.NewReader(gzipped.Bytes()))
	if err != nil {
		t.Fatalf("decode gzip: %v", err)
	}
	if img.Dims != dims {
		t.Fatalf("dims = %v, want %v", img.Dims, dims)
	}
	if got := img.At(1, 1, 1); got != 7 {
		t.Fatalf("At(1,1,1) = %v, want 7", got)
	}
}

func TestDecodeBigEndian(t *testing.T) {
	dims := [3]int{2, 1, 1}
	raw := encodeVolume(t, volumeSpec{
		dims:     dims,
		pixdim:   [3]float64{1, 1, 1},
		datatype: DTInt16,
		order:    binary.BigEndian,
		sform:    identitySform([3]float64{1, 1, 1}),
		data:     []float64{-5, 260},
	})

	img, err := Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.At(0, 0, 0) != -5 || img.At(1, 0, 0) != 260 {
		t.Fatalf("unexpected values %v %v", img.At(0, 0, 0), img.At(1, 0, 0))
	}
}

func TestDecodeAppliesScaling(t *testing.T) {
	dims := [3]int{2, 1, 1}
	raw := encodeVolume(t, volumeSpec{
		dims:     dims,
		pixdim:   [3]float64{1, 1, 1},
		datatype: DTInt16,
		sform:    identitySform([3]float64{1, 1, 1}),
		sclSlope: 2,
		sclInter: 1,
		data:     []float64{3, 4},
	})

	img, err := Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.At(0, 0, 0) != 7 || img.At(1, 0, 0) != 9 {
		t.Fatalf("scaling not applied: %v %v", img.At(0, 0, 0), img.At(1, 0, 0))
	}
}

func TestDecodeQformAffine(t *testing.T) {
	dims := [3]int{2, 2, 2}
	raw := encodeVolume(t, volumeSpec{
		dims:     dims,
		pixdim:   [3]float64{2, 2, 2},
		datatype: DTUint8,
		qform:    &[7]float32{0, 0, 0, 10, 20, 30, 1},
		data:     sequentialData(dims),
	})

	img, err := Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	x, y, z := img.VoxelToWorld(1, 1, 1)
	if x != 12 || y != 22 || z != 32 {
		t.Fatalf("qform affine wrong: (%v,%v,%v)", x, y, z)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	dims := [3]int{1, 1, 1}
	raw := encodeVolume(t, volumeSpec{
		dims:     dims,
		pixdim:   [3]float64{1, 1, 1},
		datatype: DTUint8,
		magic:    "xxx",
		data:     []float64{0},
	})
	if _, err := Decode(bytes.NewReader(raw)); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeRejectsPairedFiles(t *testing.T) {
	dims := [3]int{1, 1, 1}
	raw := encodeVolume(t, volumeSpec{
		dims:     dims,
		pixdim:   [3]float64{1, 1, 1},
		datatype: DTUint8,
		magic:    "ni1",
		data:     []float64{0},
	})
	if _, err := Decode(bytes.NewReader(raw)); !errors.Is(err, ErrPairedFile) {
		t.Fatalf("expected ErrPairedFile, got %v", err)
	}
}

func TestDecodeRejectsUnknownDatatype(t *testing.T) {
	dims := [3]int{1, 1, 1}
	raw := encodeVolume(t, volumeSpec{
		dims:     dims,
		pixdim:   [3]float64{1, 1, 1},
		datatype: DTUint8,
		data:     []float64{0},
	})
	// Overwrite the datatype field with an RGB code the decoder does
	// not handle.
	binary.LittleEndian.PutUint16(raw[70:], 128)
	if _, err := Decode(bytes.NewReader(raw)); !errors.Is(err, ErrUnsupportedDatatype) {
		t.Fatalf("expected ErrUnsupportedDatatype, got %v", err)
	}
}

func TestDecodeRejectsTruncatedData(t *testing.T) {
	dims := [3]int{4, 4, 4}
	raw := encodeVolume(t, volumeSpec{
		dims:     dims,
		pixdim:   [3]float64{1, 1, 1},
		datatype: DTUint8,
		sform:    identitySform([3]float64{1, 1, 1}),
		data:     sequentialData(dims),
	})
	if _, err := Decode(bytes.NewReader(raw[:len(raw)-10])); err == nil {
		t.Fatalf("expected error for truncated voxel data")
	}
}

func worldByValue(img *Image) map[float64][3]float64 {
	m := make(map[float64][3]float64)
	for k := 0; k < img.Dims[2]; k++ {
		for j := 0; j < img.Dims[1]; j++ {
			for i := 0; i < img.Dims[0]; i++ {
				x, y, z := img.VoxelToWorld(float64(i), float64(j), float64(k))
				m[img.At(i, j, k)] = [3]float64{x, y, z}
			}
		}
	}
	return m
}

func assertSameWorldMapping(t *testing.T, a, b *Image) {
	t.Helper()
	wa := worldByValue(a)
	wb := worldByValue(b)
	if len(wa) != len(wb) {
		t.Fatalf("value sets differ: %d vs %d", len(wa), len(wb))
	}
	for v, pa := range wa {
		pb, ok := wb[v]
		if !ok {
			t.Fatalf("value %v missing after reorientation", v)
		}
		for axis := 0; axis < 3; axis++ {
			if math.Abs(pa[axis]-pb[axis]) > 1e-9 {
				t.Fatalf("value %v moved: %v vs %v", v, pa, pb)
			}
		}
	}
}

func TestAsCanonicalIdentityIsNoop(t *testing.T) {
	dims := [3]int{3, 2, 2}
	raw := encodeVolume(t, volumeSpec{
		dims:     dims,
		pixdim:   [3]float64{1, 1, 1},
		datatype: DTUint8,
		sform:    identitySform([3]float64{1, 1, 1}),
		data:     sequentialData(dims),
	})
	img, err := Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := img.AsCanonical(); got != img {
		t.Fatalf("RAS volume should be returned unchanged")
	}
}

func TestAsCanonicalFlipsLPSVolume(t *testing.T) {
	dims := [3]int{3, 2, 2}
	// LPS: first two axes point left and posterior.
	sform := &[3][4]float32{
		{-1, 0, 0, 10},
		{0, -2, 0, 20},
		{0, 0, 3, 30},
	}
	raw := encodeVolume(t, volumeSpec{
		dims:     dims,
		pixdim:   [3]float64{1, 2, 3},
		datatype: DTUint8,
		sform:    sform,
		data:     sequentialData(dims),
	})
	img, err := Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	canon := img.AsCanonical()
	if canon == img {
		t.Fatalf("LPS volume must be reoriented")
	}
	if canon.Affine[0][0] <= 0 || canon.Affine[1][1] <= 0 || canon.Affine[2][2] <= 0 {
		t.Fatalf("canonical affine not RAS+: %v", canon.Affine)
	}
	assertSameWorldMapping(t, img, canon)
}

func TestAsCanonicalPermutesAxes(t *testing.T) {
	dims := [3]int{4, 3, 2}
	// Voxel axis 0 runs superior, axis 1 runs left, axis 2 runs
	// anterior.
	sform := &[3][4]float32{
		{0, -1, 0, 5},
		{0, 0, 1, -3},
		{1, 0, 0, 7},
	}
	raw := encodeVolume(t, volumeSpec{
		dims:     dims,
		pixdim:   [3]float64{1, 1, 1},
		datatype: DTUint8,
		sform:    sform,
		data:     sequentialData(dims),
	})
	img, err := Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	canon := img.AsCanonical()
	want := [3]int{3, 2, 4}
	if canon.Dims != want {
		t.Fatalf("canonical dims = %v, want %v", canon.Dims, want)
	}
	assertSameWorldMapping(t, img, canon)
}
