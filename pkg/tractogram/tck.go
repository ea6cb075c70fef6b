package tractogram

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"tissuetrack/pkg/volume"
)

const tckMagic = "mrtrix tracks"

// SaveTCK writes t as an MRtrix track file. TCK stores scanner RAS mm, so
// points are mapped through the grid affine; the header records the grid
// and the affine. Seeds are not stored.
func SaveTCK(path string, t *Tractogram) error {
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
	if err := WriteTCK(bw, t); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("error flushing tractogram file: %w", err)
	}
	return nil
}

// WriteTCK encodes t as an MRtrix track stream
func WriteTCK(w io.Writer, t *Tractogram) error {
	if _, err := io.WriteString(w, tckHeader(t)); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	aff := t.voxToRAS()
	nan := float32(math.NaN())
	var buf []byte
	for i, s := range t.Streamlines {
		n := 12 * (len(s) + 1)
		if cap(buf) < n {
			buf = make([]byte, n)
		}
		buf = buf[:n]
		off := 0
		for _, p := range s {
			off = putVec(buf, off, volume.VoxmmToRAS(aff, t.VoxelSize, p))
		}
		putFloats(buf[off:], nan, nan, nan)
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("error writing streamline %d: %w", i, err)
		}
	}

	inf := float32(math.Inf(1))
	end := make([]byte, 12)
	putFloats(end, inf, inf, inf)
	if _, err := w.Write(end); err != nil {
		return fmt.Errorf("error writing end marker: %w", err)
	}
	return nil
}

// tckHeader renders the text header, including the byte offset of the data
// that follows it
func tckHeader(t *Tractogram) string {
	var b strings.Builder
	b.WriteString(tckMagic + "\n")
	b.WriteString("datatype: Float32LE\n")
	fmt.Fprintf(&b, "count: %d\n", t.Len())
	fmt.Fprintf(&b, "dimensions: %d,%d,%d\n", t.Dims[0], t.Dims[1], t.Dims[2])
	fmt.Fprintf(&b, "voxel_size: %s,%s,%s\n", formatFloat(t.VoxelSize.X), formatFloat(t.VoxelSize.Y), formatFloat(t.VoxelSize.Z))
	b.WriteString("space: rasmm\n")
	b.WriteString("origin: center\n")
	fmt.Fprintf(&b, "vox_to_ras: %s\n", formatAffine(t.voxToRAS()))
	if t.RunID != uuid.Nil {
		fmt.Fprintf(&b, "run_id: %s\n", t.RunID)
	}
	head := b.String()

	// The offset counts its own digits
	offset := len(head)
	for {
		tail := fmt.Sprintf("file: . %d\nEND\n", offset)
		if len(head)+len(tail) == offset {
			return head + tail
		}
		offset = len(head) + len(tail)
	}
}

// LoadTCK reads an MRtrix track file written by SaveTCK, converting points
// back to voxmm with the corner origin. Files without vox_to_ras are taken
// to sit on an axis-aligned grid at the origin.
func LoadTCK(path string) (*Tractogram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening tractogram: %w", err)
	}
	defer f.Close()

	t, err := ReadTCK(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", filepath.Base(path), err)
	}
	return t, nil
}

// ReadTCK decodes an MRtrix track stream. Only Float32LE data is supported.
func ReadTCK(r *bufio.Reader) (*Tractogram, error) {
	fields, read, err := readTCKHeader(r)
	if err != nil {
		return nil, err
	}
	if dt := fields["datatype"]; dt != "Float32LE" {
		return nil, fmt.Errorf("%w: unsupported datatype %q", ErrCorrupt, dt)
	}

	t := &Tractogram{VoxelSize: r3.Vec{X: 1, Y: 1, Z: 1}}
	if v, ok := fields["voxel_size"]; ok {
		vs, err := parseTriple(v, strconv.ParseFloat)
		if err != nil {
			return nil, fmt.Errorf("%w: voxel_size: %v", ErrCorrupt, err)
		}
		t.VoxelSize = r3.Vec{X: vs[0], Y: vs[1], Z: vs[2]}
	}
	if v, ok := fields["dimensions"]; ok {
		dims, err := parseTriple(v, func(s string, _ int) (int, error) { return strconv.Atoi(s) })
		if err != nil {
			return nil, fmt.Errorf("%w: dimensions: %v", ErrCorrupt, err)
		}
		t.Dims = dims
	}
	t.Affine = volume.DiagonalAffine(t.VoxelSize)
	if v, ok := fields["vox_to_ras"]; ok {
		if t.Affine, err = parseAffine(v); err != nil {
			return nil, fmt.Errorf("%w: vox_to_ras: %v", ErrCorrupt, err)
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(t.Affine); err != nil {
		return nil, fmt.Errorf("%w: vox_to_ras is not invertible", ErrCorrupt)
	}
	if v, ok := fields["run_id"]; ok {
		if id, err := uuid.Parse(v); err == nil {
			t.RunID = id
		}
	}

	offset := read
	if file, ok := fields["file"]; ok {
		parts := strings.Fields(file)
		if len(parts) != 2 || parts[0] != "." {
			return nil, fmt.Errorf("%w: unsupported file entry %q", ErrCorrupt, file)
		}
		if offset, err = strconv.Atoi(parts[1]); err != nil || offset < read {
			return nil, fmt.Errorf("%w: bad data offset %q", ErrCorrupt, parts[1])
		}
	}
	if _, err := r.Discard(offset - read); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var current []r3.Vec
	var xyz [3]float32
	for {
		if err := binary.Read(r, binary.LittleEndian, &xyz); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		x := float64(xyz[0])
		switch {
		case math.IsInf(x, 0):
			return t, nil
		case math.IsNaN(x):
			t.Streamlines = append(t.Streamlines, current)
			current = nil
		default:
			p := r3.Vec{X: x, Y: float64(xyz[1]), Z: float64(xyz[2])}
			current = append(current, volume.RASToVoxmm(&inv, t.VoxelSize, p))
		}
	}
	if current != nil {
		return nil, fmt.Errorf("%w: unterminated streamline", ErrCorrupt)
	}
	return t, nil
}

// readTCKHeader parses key: value lines up to END and returns the number of
// bytes consumed
func readTCKHeader(r *bufio.Reader) (map[string]string, int, error) {
	fields := make(map[string]string)
	read := 0
	first := true
	for {
		line, err := r.ReadString('\n')
		read += len(line)
		if err != nil {
			return nil, read, fmt.Errorf("%w: truncated header: %v", ErrCorrupt, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if first {
			if line != tckMagic {
				return nil, read, fmt.Errorf("%w: bad MRtrix header", ErrCorrupt)
			}
			first = false
			continue
		}
		if line == "END" {
			return fields, read, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, read, fmt.Errorf("%w: header line %q", ErrCorrupt, line)
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

func parseTriple[T any](s string, parse func(string, int) (T, error)) ([3]T, error) {
	var out [3]T
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return out, fmt.Errorf("expected 3 values, got %q", s)
	}
	for i, p := range parts {
		v, err := parse(strings.TrimSpace(p), 64)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

// formatAffine renders the top three rows of aff, row by row
func formatAffine(aff mat.Matrix) string {
	vals := make([]string, 0, 12)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			vals = append(vals, formatFloat(aff.At(i, j)))
		}
	}
	return strings.Join(vals, ",")
}

func parseAffine(s string) (*mat.Dense, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 12 {
		return nil, fmt.Errorf("expected 12 values, got %d", len(parts))
	}
	aff := mat.NewDense(4, 4, nil)
	for k, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		aff.Set(k/4, k%4, v)
	}
	aff.Set(3, 3, 1)
	return aff, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func putFloats(buf []byte, x, y, z float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(x))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(y))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(z))
}
