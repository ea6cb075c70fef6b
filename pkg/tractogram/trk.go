package tractogram

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
	"strconv"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"tissuetrack/pkg/volume"
)

const (
	trkHeaderSize = 1000
	trkVersion    = 2
	seedsProperty = "seeds"
	runIDPrefix   = "run_id="
)

// trkHeader is the TrackVis v2 header. Field order and sizes match the
// format exactly.
type trkHeader struct {
	IDString                [6]byte
	Dim                     [3]int16
	VoxelSize               [3]float32
	Origin                  [3]float32
	NScalars                int16
	ScalarName              [10][20]byte
	NProperties             int16
	PropertyName            [10][20]byte
	VoxToRAS                [4][4]float32
	Reserved                [444]byte
	VoxelOrder              [4]byte
	Pad2                    [4]byte
	ImageOrientationPatient [6]float32
	Pad1                    [2]byte
	InvertX                 byte
	InvertY                 byte
	InvertZ                 byte
	SwapXY                  byte
	SwapYZ                  byte
	SwapZX                  byte
	NCount                  int32
	Version                 int32
	HdrSize                 int32
}

// SaveTRK writes t as a TrackVis v2 file. Points are stored in voxmm with
// the corner origin and the grid affine goes to vox_to_ras; seeds become a
// three-valued "seeds" property.
func SaveTRK(path string, t *Tractogram) error {
	if err := t.validate(); err != nil {
		return fmt.Errorf("error saving %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating tractogram file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if err := WriteTRK(bw, t); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("error flushing tractogram file: %w", err)
	}
	return nil
}

// WriteTRK encodes t as a TrackVis v2 stream
func WriteTRK(w io.Writer, t *Tractogram) error {
	hdr := trkHeader{
		IDString: [6]byte{'T', 'R', 'A', 'C', 'K', 0},
		NCount:   int32(t.Len()),
		Version:  trkVersion,
		HdrSize:  trkHeaderSize,
	}
	for i := 0; i < 3; i++ {
		hdr.Dim[i] = int16(t.Dims[i])
	}
	hdr.VoxelSize = [3]float32{float32(t.VoxelSize.X), float32(t.VoxelSize.Y), float32(t.VoxelSize.Z)}
	aff := t.voxToRAS()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			hdr.VoxToRAS[i][j] = float32(aff.At(i, j))
		}
	}
	copy(hdr.VoxelOrder[:], volume.AxisCodes(aff))
	if t.Seeds != nil {
		hdr.NProperties = 3
		copy(hdr.PropertyName[0][:], seedsProperty+"\x003")
	}
	if t.RunID != uuid.Nil {
		copy(hdr.Reserved[:], runIDPrefix+t.RunID.String())
	}

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	var buf []byte
	for i, s := range t.Streamlines {
		n := 4 + 12*len(s)
		if t.Seeds != nil {
			n += 12
		}
		if cap(buf) < n {
			buf = make([]byte, n)
		}
		buf = buf[:n]
		binary.LittleEndian.PutUint32(buf, uint32(len(s)))
		off := 4
		for _, p := range s {
			off = putVec(buf, off, p)
		}
		if t.Seeds != nil {
			putVec(buf, off, t.Seeds[i])
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("error writing streamline %d: %w", i, err)
		}
	}
	return nil
}

// LoadTRK reads a TrackVis v2 file written by SaveTRK or any other tool
// using little-endian voxmm coordinates
func LoadTRK(path string) (*Tractogram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening tractogram: %w", err)
	}
	defer f.Close()

	t, err := ReadTRK(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", filepath.Base(path), err)
	}
	return t, nil
}

// ReadTRK decodes a TrackVis v2 stream
func ReadTRK(r io.Reader) (*Tractogram, error) {
	var hdr trkHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}
	if string(hdr.IDString[:5]) != "TRACK" || hdr.HdrSize != trkHeaderSize {
		return nil, fmt.Errorf("%w: bad TrackVis header", ErrCorrupt)
	}
	if hdr.Version != trkVersion {
		return nil, fmt.Errorf("%w: unsupported TrackVis version %d", ErrCorrupt, hdr.Version)
	}

	t := &Tractogram{
		VoxelSize: r3.Vec{X: float64(hdr.VoxelSize[0]), Y: float64(hdr.VoxelSize[1]), Z: float64(hdr.VoxelSize[2])},
	}
	for i := 0; i < 3; i++ {
		t.Dims[i] = int(hdr.Dim[i])
	}
	if hdr.VoxToRAS[3][3] == 0 {
		// Older writers leave vox_to_ras empty
		t.Affine = volume.DiagonalAffine(t.VoxelSize)
	} else {
		t.Affine = mat.NewDense(4, 4, nil)
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				t.Affine.Set(i, j, float64(hdr.VoxToRAS[i][j]))
			}
		}
	}
	if s, ok := bytes.CutPrefix(cstring(hdr.Reserved[:]), []byte(runIDPrefix)); ok {
		if id, err := uuid.ParseBytes(s); err == nil {
			t.RunID = id
		}
	}
	seedAt, err := findSeeds(&hdr)
	if err != nil {
		return nil, err
	}
	if seedAt >= 0 {
		t.Seeds = []r3.Vec{}
	}

	stride := 3 + int(hdr.NScalars)
	props := make([]float32, hdr.NProperties)
	var count [4]byte
	for i := 0; hdr.NCount == 0 || i < int(hdr.NCount); i++ {
		if _, err := io.ReadFull(r, count[:]); err != nil {
			if hdr.NCount == 0 && errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: streamline %d: %v", ErrCorrupt, i, err)
		}
		n := int(int32(binary.LittleEndian.Uint32(count[:])))
		if n < 0 {
			return nil, fmt.Errorf("%w: streamline %d has %d points", ErrCorrupt, i, n)
		}
		vals := make([]float32, n*stride)
		if err := binary.Read(r, binary.LittleEndian, vals); err != nil {
			return nil, fmt.Errorf("%w: streamline %d: %v", ErrCorrupt, i, err)
		}
		points := make([]r3.Vec, n)
		for j := range points {
			v := vals[j*stride:]
			points[j] = r3.Vec{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
		}
		t.Streamlines = append(t.Streamlines, points)

		if err := binary.Read(r, binary.LittleEndian, props); err != nil {
			return nil, fmt.Errorf("%w: properties of streamline %d: %v", ErrCorrupt, i, err)
		}
		if seedAt >= 0 {
			p := props[seedAt:]
			t.Seeds = append(t.Seeds, r3.Vec{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])})
		}
	}
	return t, nil
}

// findSeeds returns the offset of the seeds property among the per-streamline
// values, or -1. Names of multi-valued properties carry their width after a
// NUL byte.
func findSeeds(hdr *trkHeader) (int, error) {
	offset := 0
	for i := 0; i < len(hdr.PropertyName) && offset < int(hdr.NProperties); i++ {
		raw := hdr.PropertyName[i][:]
		name := cstring(raw)
		width := 1
		if len(name) < len(raw)-1 {
			if w, err := strconv.Atoi(string(cstring(raw[len(name)+1:]))); err == nil && w > 0 {
				width = w
			}
		}
		if string(name) == seedsProperty {
			if width != 3 || offset+3 > int(hdr.NProperties) {
				return -1, fmt.Errorf("%w: seeds property has width %d", ErrCorrupt, width)
			}
			return offset, nil
		}
		offset += width
	}
	return -1, nil
}

func cstring(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}

func putVec(buf []byte, off int, p r3.Vec) int {
	binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(p.X)))
	binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(float32(p.Y)))
	binary.LittleEndian.PutUint32(buf[off+8:], math.Float32bits(float32(p.Z)))
	return off + 12
}
