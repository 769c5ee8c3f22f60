// Package nifti reads NIfTI-1 volumes, the interchange format used by
// the segmentation pipelines feeding the agent. It covers the subset
// the analysis engine needs: single-file .nii and .nii.gz volumes,
// both byte orders, the common scalar datatypes, intensity scaling and
// the sform/qform affine rules.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	headerSize = 348
	magicNew   = "n+1"
	magicPair  = "ni1"
)

// Datatype codes from the NIfTI-1 standard.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

var (
	// ErrBadMagic marks data that is not a NIfTI-1 stream.
	ErrBadMagic = errors.New("nifti: bad magic")
	// ErrPairedFile marks two-file (.hdr/.img) volumes, which the
	// agent does not accept.
	ErrPairedFile = errors.New("nifti: paired hdr/img files not supported")
	// ErrUnsupportedDatatype marks voxel types outside the scalar set.
	ErrUnsupportedDatatype = errors.New("nifti: unsupported datatype")
)

// header mirrors the fixed 348-byte NIfTI-1 header layout.
type header struct {
	SizeofHdr     int32
	DataTypeName  [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Image is a decoded 3D volume. Data is stored in NIfTI order, first
// axis fastest, with intensity scaling already applied.
type Image struct {
	Dims     [3]int
	Pixdim   [3]float64
	Affine   [4][4]float64
	Datatype int16
	Data     []float64
}

// DecodeFile reads a .nii or .nii.gz volume from disk.
func DecodeFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a volume from r, transparently unwrapping gzip.
func Decode(r io.Reader) (*Image, error) {
	br := newPeekReader(r)
	head, err := br.peek(2)
	if err != nil {
		return nil, fmt.Errorf("nifti: read stream: %w", err)
	}
	if head[0] == 0x1f && head[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("nifti: open gzip: %w", err)
		}
		defer gz.Close()
		return decodeRaw(gz)
	}
	return decodeRaw(br)
}

func decodeRaw(r io.Reader) (*Image, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("nifti: read header: %w", err)
	}

	order, err := detectOrder(raw)
	if err != nil {
		return nil, err
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("nifti: parse header: %w", err)
	}

	switch magic := string(h.Magic[:3]); magic {
	case magicNew:
	case magicPair:
		return nil, ErrPairedFile
	default:
		return nil, ErrBadMagic
	}

	dims, err := spatialDims(h.Dim)
	if err != nil {
		return nil, err
	}

	bytesPer, err := bytesPerVoxel(h.Datatype)
	if err != nil {
		return nil, err
	}

	offset := int64(h.VoxOffset)
	if offset < headerSize {
		return nil, fmt.Errorf("nifti: vox_offset %d before end of header", offset)
	}
	if _, err := io.CopyN(io.Discard, r, offset-headerSize); err != nil {
		return nil, fmt.Errorf("nifti: skip to voxel data: %w", err)
	}

	nvox := dims[0] * dims[1] * dims[2]
	buf := make([]byte, nvox*bytesPer)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("nifti: read voxel data: %w", err)
	}

	data, err := decodeVoxels(buf, h.Datatype, nvox, order)
	if err != nil {
		return nil, err
	}
	applyScaling(data, float64(h.SclSlope), float64(h.SclInter))

	pixdim := [3]float64{
		math.Abs(float64(h.Pixdim[1])),
		math.Abs(float64(h.Pixdim[2])),
		math.Abs(float64(h.Pixdim[3])),
	}

	return &Image{
		Dims:     dims,
		Pixdim:   pixdim,
		Affine:   buildAffine(&h, dims),
		Datatype: h.Datatype,
		Data:     data,
	}, nil
}

// detectOrder infers byte order from sizeof_hdr, which is always 348.
func detectOrder(raw []byte) (binary.ByteOrder, error) {
	if binary.LittleEndian.Uint32(raw[:4]) == headerSize {
		return binary.LittleEndian, nil
	}
	if binary.BigEndian.Uint32(raw[:4]) == headerSize {
		return binary.BigEndian, nil
	}
	return nil, ErrBadMagic
}

// spatialDims validates dim[] and collapses the volume to 3D. Trailing
// dimensions are tolerated only when they are of size one.
func spatialDims(dim [8]int16) ([3]int, error) {
	nd := int(dim[0])
	if nd < 1 || nd > 7 {
		return [3]int{}, fmt.Errorf("nifti: dim[0]=%d out of range", nd)
	}
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < nd; i++ {
		d := int(dim[i+1])
		if d < 1 {
			return [3]int{}, fmt.Errorf("nifti: dim[%d]=%d invalid", i+1, d)
		}
		dims[i] = d
	}
	for i := 3; i < nd; i++ {
		if dim[i+1] > 1 {
			return [3]int{}, fmt.Errorf("nifti: %dD volumes not supported", nd)
		}
	}
	return dims, nil
}

func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: code %d", ErrUnsupportedDatatype, datatype)
	}
}

func decodeVoxels(buf []byte, datatype int16, nvox int, order binary.ByteOrder) ([]float64, error) {
	data := make([]float64, nvox)
	switch datatype {
	case DTUint8:
		for i := 0; i < nvox; i++ {
			data[i] = float64(buf[i])
		}
	case DTInt8:
		for i := 0; i < nvox; i++ {
			data[i] = float64(int8(buf[i]))
		}
	case DTInt16:
		for i := 0; i < nvox; i++ {
			data[i] = float64(int16(order.Uint16(buf[2*i:])))
		}
	case DTUint16:
		for i := 0; i < nvox; i++ {
			data[i] = float64(order.Uint16(buf[2*i:]))
		}
	case DTInt32:
		for i := 0; i < nvox; i++ {
			data[i] = float64(int32(order.Uint32(buf[4*i:])))
		}
	case DTUint32:
		for i := 0; i < nvox; i++ {
			data[i] = float64(order.Uint32(buf[4*i:]))
		}
	case DTFloat32:
		for i := 0; i < nvox; i++ {
			data[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
		}
	case DTFloat64:
		for i := 0; i < nvox; i++ {
			data[i] = math.Float64frombits(order.Uint64(buf[8*i:]))
		}
	default:
		return nil, fmt.Errorf("%w: code %d", ErrUnsupportedDatatype, datatype)
	}
	return data, nil
}

// applyScaling applies scl_slope/scl_inter. A zero or NaN slope means
// the file carries no scaling.
func applyScaling(data []float64, slope, inter float64) {
	if slope == 0 || math.IsNaN(slope) {
		return
	}
	if slope == 1 && inter == 0 {
		return
	}
	for i := range data {
		data[i] = data[i]*slope + inter
	}
}

// At returns the voxel value at (i,j,k). The caller is responsible for
// bounds.
func (img *Image) At(i, j, k int) float64 {
	return img.Data[i+img.Dims[0]*(j+img.Dims[1]*k)]
}

// VoxelVolumeML is the volume of one voxel in milliliters. Pixdim is
// in millimeters, so the voxel volume in mm^3 divides by 1000.
func (img *Image) VoxelVolumeML() float64 {
	return img.Pixdim[0] * img.Pixdim[1] * img.Pixdim[2] / 1000.0
}

// VoxelToWorld maps fractional voxel coordinates to world millimeters
// through the affine.
func (img *Image) VoxelToWorld(i, j, k float64) (x, y, z float64) {
	a := img.Affine
	x = a[0][0]*i + a[0][1]*j + a[0][2]*k + a[0][3]
	y = a[1][0]*i + a[1][1]*j + a[1][2]*k + a[1][3]
	z = a[2][0]*i + a[2][1]*j + a[2][2]*k + a[2][3]
	return x, y, z
}

// buildAffine follows the NIfTI precedence: sform when set, then
// qform, then a pixdim-scaled fallback centered on the volume.
func buildAffine(h *header, dims [3]int) [4][4]float64 {
	if h.SformCode > 0 {
		return [4][4]float64{
			{float64(h.SrowX[0]), float64(h.SrowX[1]), float64(h.SrowX[2]), float64(h.SrowX[3])},
			{float64(h.SrowY[0]), float64(h.SrowY[1]), float64(h.SrowY[2]), float64(h.SrowY[3])},
			{float64(h.SrowZ[0]), float64(h.SrowZ[1]), float64(h.SrowZ[2]), float64(h.SrowZ[3])},
			{0, 0, 0, 1},
		}
	}
	if h.QformCode > 0 {
		return quaternAffine(h)
	}
	return baseAffine(h, dims)
}

func quaternAffine(h *header) [4][4]float64 {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	a := 1.0 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Near-180-degree rotation; renormalize b,c,d.
		norm := math.Sqrt(b*b + c*c + d*d)
		b, c, d = b/norm, c/norm, d/norm
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := float64(h.Pixdim[0])
	if qfac == 0 {
		qfac = 1
	}
	sx := math.Abs(float64(h.Pixdim[1]))
	sy := math.Abs(float64(h.Pixdim[2]))
	sz := math.Abs(float64(h.Pixdim[3])) * qfac

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2*b*c - 2*a*d, 2*b*d + 2*a*c},
		{2*b*c + 2*a*d, a*a + c*c - b*b - d*d, 2*c*d - 2*a*b},
		{2*b*d - 2*a*c, 2*c*d + 2*a*b, a*a + d*d - b*b - c*c},
	}

	return [4][4]float64{
		{r[0][0] * sx, r[0][1] * sy, r[0][2] * sz, float64(h.QoffsetX)},
		{r[1][0] * sx, r[1][1] * sy, r[1][2] * sz, float64(h.QoffsetY)},
		{r[2][0] * sx, r[2][1] * sy, r[2][2] * sz, float64(h.QoffsetZ)},
		{0, 0, 0, 1},
	}
}

// baseAffine mirrors the conventional fallback: pixdim scaling with a
// flipped first axis and the origin at the volume center.
func baseAffine(h *header, dims [3]int) [4][4]float64 {
	px := math.Abs(float64(h.Pixdim[1]))
	py := math.Abs(float64(h.Pixdim[2]))
	pz := math.Abs(float64(h.Pixdim[3]))
	return [4][4]float64{
		{-px, 0, 0, px * float64(dims[0]-1) / 2},
		{0, py, 0, -py * float64(dims[1]-1) / 2},
		{0, 0, pz, -pz * float64(dims[2]-1) / 2},
		{0, 0, 0, 1},
	}
}

// peekReader lets Decode sniff the gzip magic without losing bytes on
// a non-seekable stream.
type peekReader struct {
	r      io.Reader
	buffer []byte
}

func newPeekReader(r io.Reader) *peekReader {
	return &peekReader{r: r}
}

func (p *peekReader) peek(n int) ([]byte, error) {
	for len(p.buffer) < n {
		chunk := make([]byte, n-len(p.buffer))
		read, err := p.r.Read(chunk)
		p.buffer = append(p.buffer, chunk[:read]...)
		if err != nil {
			return nil, err
		}
	}
	return p.buffer[:n], nil
}

func (p *peekReader) Read(b []byte) (int, error) {
	if len(p.buffer) > 0 {
		n := copy(b, p.buffer)
		p.buffer = p.buffer[n:]
		return n, nil
	}
	return p.r.Read(b)
}
