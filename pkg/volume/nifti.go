package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrNotNIfTI is returned when a file does not carry a NIfTI-1 header
var ErrNotNIfTI = errors.New("not a NIfTI-1 file")

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352
)

// NIfTI-1 datatype codes
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

// niftiHeader is the on-disk NIfTI-1 header. Field order and sizes match
// the format exactly so it can be read with encoding/binary.
type niftiHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
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
	XYZTUnits     byte
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

// Load reads a single-file NIfTI-1 image (.nii or .nii.gz). A 4D image is
// loaded as a multi-channel volume whose channels are the 4th axis.
func Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening volume: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("error opening gzip stream of %s: %w", filepath.Base(path), err)
		}
		defer gz.Close()
		r = gz
	}

	v, err := Read(r)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", filepath.Base(path), err)
	}
	return v, nil
}

// Read decodes a NIfTI-1 stream
func Read(r io.Reader) (*Volume, error) {
	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != niftiHeaderSize {
		if int32(binary.BigEndian.Uint32(raw)) != niftiHeaderSize {
			return nil, ErrNotNIfTI
		}
		order = binary.BigEndian
	}

	var hdr niftiHeader
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("error decoding header: %w", err)
	}
	if hdr.Magic != [4]byte{'n', '+', '1', 0} {
		return nil, fmt.Errorf("%w: magic %q", ErrNotNIfTI, hdr.Magic[:])
	}

	ndim := int(hdr.Dim[0])
	if ndim < 3 || ndim > 4 {
		return nil, fmt.Errorf("unsupported dimensionality %d", ndim)
	}
	dims := [3]int{int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])}
	channels := 1
	if ndim == 4 && hdr.Dim[4] > 1 {
		channels = int(hdr.Dim[4])
	}
	for _, d := range dims {
		if d < 1 {
			return nil, fmt.Errorf("invalid dimensions %v", dims)
		}
	}

	voxelSize := r3.Vec{
		X: math.Abs(float64(hdr.Pixdim[1])),
		Y: math.Abs(float64(hdr.Pixdim[2])),
		Z: math.Abs(float64(hdr.Pixdim[3])),
	}
	if voxelSize.X == 0 || voxelSize.Y == 0 || voxelSize.Z == 0 {
		voxelSize = r3.Vec{X: 1, Y: 1, Z: 1}
	}

	// Skip extensions up to the data offset
	if skip := int64(hdr.VoxOffset) - niftiHeaderSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("error skipping header extension: %w", err)
		}
	}

	decode, size, err := sampleDecoder(hdr.Datatype, order)
	if err != nil {
		return nil, err
	}

	v := New(dims, channels, voxelSize)
	switch {
	case hdr.SformCode > 0:
		v.Affine = affineFromRows(hdr.SrowX, hdr.SrowY, hdr.SrowZ)
	case hdr.QformCode > 0:
		v.Affine = qformAffine(&hdr)
	}
	nvox := v.NumVoxels()
	buf := make([]byte, nvox*size)
	slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)

	// On disk the 4th axis is slowest; in memory channels are contiguous.
	for c := 0; c < channels; c++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("error reading volume %d: %w", c, err)
		}
		for i := 0; i < nvox; i++ {
			val := decode(buf[i*size:])
			if slope != 0 {
				val = val*slope + inter
			}
			v.Data[i*channels+c] = val
		}
	}

	return v, nil
}

func sampleDecoder(datatype int16, order binary.ByteOrder) (func([]byte) float64, int, error) {
	switch datatype {
	case dtUint8:
		return func(b []byte) float64 { return float64(b[0]) }, 1, nil
	case dtInt8:
		return func(b []byte) float64 { return float64(int8(b[0])) }, 1, nil
	case dtInt16:
		return func(b []byte) float64 { return float64(int16(order.Uint16(b))) }, 2, nil
	case dtUint16:
		return func(b []byte) float64 { return float64(order.Uint16(b)) }, 2, nil
	case dtInt32:
		return func(b []byte) float64 { return float64(int32(order.Uint32(b))) }, 4, nil
	case dtUint32:
		return func(b []byte) float64 { return float64(order.Uint32(b)) }, 4, nil
	case dtFloat32:
		return func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }, 4, nil
	case dtFloat64:
		return func(b []byte) float64 { return math.Float64frombits(order.Uint64(b)) }, 8, nil
	default:
		return nil, 0, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
}

// Save writes v as a little-endian float32 NIfTI-1 file, gzip-compressed
// when the path ends in .gz
func Save(path string, v *Volume) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating volume file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	if err := Write(w, v); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("error closing gzip stream: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("error flushing volume file: %w", err)
	}
	return nil
}

// Write encodes v as a float32 NIfTI-1 stream
func Write(w io.Writer, v *Volume) error {
	hdr := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Regular:   'r',
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: niftiVoxOffset,
		SclSlope:  1,
		XYZTUnits: 2, // mm
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim[0] = 3
	if v.Channels > 1 {
		hdr.Dim[0] = 4
	}
	hdr.Dim[1], hdr.Dim[2], hdr.Dim[3] = int16(v.Dims[0]), int16(v.Dims[1]), int16(v.Dims[2])
	hdr.Dim[4] = int16(v.Channels)
	for i := 5; i < 8; i++ {
		hdr.Dim[i] = 1
	}
	hdr.Pixdim[0] = 1
	hdr.Pixdim[1] = float32(v.VoxelSize.X)
	hdr.Pixdim[2] = float32(v.VoxelSize.Y)
	hdr.Pixdim[3] = float32(v.VoxelSize.Z)
	aff := v.Affine
	if aff == nil {
		aff = DiagonalAffine(v.VoxelSize)
	}
	for j := 0; j < 4; j++ {
		hdr.SrowX[j] = float32(aff.At(0, j))
		hdr.SrowY[j] = float32(aff.At(1, j))
		hdr.SrowZ[j] = float32(aff.At(2, j))
	}

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}
	// Empty extension block
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	nvox := v.NumVoxels()
	buf := make([]byte, 4*nvox)
	for c := 0; c < v.Channels; c++ {
		for i := 0; i < nvox; i++ {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v.Data[i*v.Channels+c])))
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("error writing volume %d: %w", c, err)
		}
	}
	return nil
}
