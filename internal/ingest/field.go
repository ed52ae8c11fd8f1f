// Package ingest reads the <base>.mass/<base>.pos field files (§4.12)
// and distributes their particles across pieces. It never sorts or
// partitions by SFC key: the caller does that once it knows the
// global bounding box, then installs the sentinel slots before handing
// the result to a tree.Builder.
package ingest

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/quillaja/distbh/internal/particle"
)

// fieldMagic tags a field file as belonging to this pipeline's binary
// format, distinguishing it from an unrelated or truncated file early.
const fieldMagic uint32 = 0x8a3b2c01

// FieldCode identifies the element type stored after a FieldHeader.
type FieldCode uint32

// Float32Code is the only element type this pipeline reads or writes.
const Float32Code FieldCode = 1

// FieldHeader prefixes both the .mass and .pos input files (and every
// output field file internal/output writes).
type FieldHeader struct {
	Magic      uint32
	Dimensions int32
	Code       FieldCode
	Count      int64
	Time       float64
}

// ReadFieldHeader reads and validates the header at the front of r.
func ReadFieldHeader(r io.Reader) (FieldHeader, error) {
	var h FieldHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return FieldHeader{}, fmt.Errorf("ingest: read field header: %w", err)
	}
	if h.Magic != fieldMagic {
		return FieldHeader{}, fmt.Errorf("ingest: bad field header magic %#x", h.Magic)
	}
	if h.Code != Float32Code {
		return FieldHeader{}, fmt.Errorf("ingest: unsupported field code %d", h.Code)
	}
	if h.Count < 0 {
		return FieldHeader{}, fmt.Errorf("ingest: negative particle count %d in field header", h.Count)
	}
	return h, nil
}

// WriteFieldHeader writes a FieldHeader built from dimensions, count and
// simTime in the same binary layout ReadFieldHeader expects; Magic and
// Code are always this format's own values.
func WriteFieldHeader(w io.Writer, dimensions int32, count int64, simTime float64) error {
	h := FieldHeader{Magic: fieldMagic, Dimensions: dimensions, Code: Float32Code, Count: count, Time: simTime}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("ingest: write field header: %w", err)
	}
	return nil
}

func readMassFile(path string) (FieldHeader, []float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return FieldHeader{}, nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()

	h, err := ReadFieldHeader(f)
	if err != nil {
		return FieldHeader{}, nil, fmt.Errorf("ingest: %s: %w", path, err)
	}
	if h.Dimensions != 1 {
		return FieldHeader{}, nil, fmt.Errorf("ingest: %s: expected dimensions=1, got %d", path, h.Dimensions)
	}

	vals := make([]float32, h.Count)
	if err := binary.Read(f, binary.LittleEndian, vals); err != nil {
		return FieldHeader{}, nil, fmt.Errorf("ingest: %s: short read of %d masses: %w", path, h.Count, err)
	}
	return h, vals, nil
}

func readPosFile(path string) (FieldHeader, []mgl32.Vec3, error) {
	f, err := os.Open(path)
	if err != nil {
		return FieldHeader{}, nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()

	h, err := ReadFieldHeader(f)
	if err != nil {
		return FieldHeader{}, nil, fmt.Errorf("ingest: %s: %w", path, err)
	}
	if h.Dimensions != 3 {
		return FieldHeader{}, nil, fmt.Errorf("ingest: %s: expected dimensions=3, got %d", path, h.Dimensions)
	}

	flat := make([]float32, h.Count*3)
	if err := binary.Read(f, binary.LittleEndian, flat); err != nil {
		return FieldHeader{}, nil, fmt.Errorf("ingest: %s: short read of %d positions: %w", path, h.Count, err)
	}
	pos := make([]mgl32.Vec3, h.Count)
	for i := range pos {
		pos[i] = mgl32.Vec3{flat[3*i], flat[3*i+1], flat[3*i+2]}
	}
	return h, pos, nil
}

// Split divides numParticles as evenly as possible across numPieces,
// handing the remainder to the lowest-indexed pieces one each (§4.12,
// §6): piece i gets one extra particle when i < numParticles%numPieces.
func Split(numParticles, numPieces int) []int {
	counts := make([]int, numPieces)
	base := numParticles / numPieces
	rem := numParticles % numPieces
	for i := range counts {
		counts[i] = base
		if i < rem {
			counts[i]++
		}
	}
	return counts
}

// Load reads <base>.mass and <base>.pos and distributes their particles
// across numPieces in file order. The returned slices carry no sentinel
// slots and are not SFC-sorted; the caller computes the global bounding
// box, assigns keys, sorts, and installs sentinels before building a
// tree.
func Load(base string, numPieces int) ([]particle.Slice, error) {
	massHeader, masses, err := readMassFile(base + ".mass")
	if err != nil {
		return nil, err
	}
	posHeader, positions, err := readPosFile(base + ".pos")
	if err != nil {
		return nil, err
	}
	if massHeader.Count != posHeader.Count {
		return nil, fmt.Errorf("ingest: %s.mass has %d particles but %s.pos has %d", base, massHeader.Count, base, posHeader.Count)
	}

	counts := Split(len(masses), numPieces)
	pieces := make([]particle.Slice, numPieces)
	offset := 0
	for i, n := range counts {
		s := make(particle.Slice, n)
		for j := 0; j < n; j++ {
			s[j] = particle.Particle{
				Pos:  positions[offset+j],
				Mass: masses[offset+j],
			}
		}
		pieces[i] = s
		offset += n
	}
	return pieces, nil
}
