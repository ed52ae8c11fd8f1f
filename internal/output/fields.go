// Package output writes a piece's per-iteration results: acceleration
// and interaction-counter field files in the same FieldHeader-prefixed
// binary shape internal/ingest reads, an ASCII variant of each for
// quick inspection, a SQLite-backed regression checkpoint store, and a
// Graphviz dump of a piece's tree for debugging (§4.13).
package output

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/quillaja/distbh/internal/geom"
	"github.com/quillaja/distbh/internal/ingest"
	"github.com/quillaja/distbh/internal/particle"
)

// WriteAccelerations writes <base>.<suffix>: a FieldHeader
// (dimensions=3), the piece's global bounding box, then one float32
// triple per interior particle's TreeAcceleration.
func WriteAccelerations(path string, box geom.Box, particles particle.Slice) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	interior := particles.Interior()
	if err := ingest.WriteFieldHeader(f, 3, int64(len(interior)), 0); err != nil {
		return fmt.Errorf("output: %s: %w", path, err)
	}
	if err := writeBox(f, box); err != nil {
		return fmt.Errorf("output: %s: %w", path, err)
	}

	flat := make([]float32, 0, len(interior)*3)
	for _, p := range interior {
		flat = append(flat,
			float32(p.TreeAcceleration[0]),
			float32(p.TreeAcceleration[1]),
			float32(p.TreeAcceleration[2]))
	}
	if err := binary.Write(f, binary.LittleEndian, flat); err != nil {
		return fmt.Errorf("output: %s: write accelerations: %w", path, err)
	}
	return nil
}

func writeBox(w io.Writer, box geom.Box) error {
	vals := [6]float64{box.Lo[0], box.Lo[1], box.Lo[2], box.Hi[0], box.Hi[1], box.Hi[2]}
	return binary.Write(w, binary.LittleEndian, vals)
}

// ReadBox is WriteAccelerations' box decoder, exported so a debugging
// tool can recover the bounding box without re-deriving it from the
// particle data.
func ReadBox(r io.Reader) (geom.Box, error) {
	var vals [6]float64
	if err := binary.Read(r, binary.LittleEndian, &vals); err != nil {
		return geom.Box{}, fmt.Errorf("output: read bounding box: %w", err)
	}
	return geom.Box{
		Lo: mgl64.Vec3{vals[0], vals[1], vals[2]},
		Hi: mgl64.Vec3{vals[3], vals[4], vals[5]},
	}, nil
}

// WriteCounterField writes one of the .MACs/.cellints/.partints/.calls
// parallel counter files: a FieldHeader (dimensions=1) followed by one
// uint32 per particle.
func WriteCounterField(path string, values []uint32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	if err := ingest.WriteFieldHeader(f, 1, int64(len(values)), 0); err != nil {
		return fmt.Errorf("output: %s: %w", path, err)
	}
	if err := binary.Write(f, binary.LittleEndian, values); err != nil {
		return fmt.Errorf("output: %s: write counters: %w", path, err)
	}
	return nil
}

// WriteErrorField writes <base>.error: a FieldHeader (dimensions=1)
// followed by one float64 relative-error value per particle, computed
// by the caller against a direct-sum spot check.
func WriteErrorField(path string, values []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	if err := ingest.WriteFieldHeader(f, 1, int64(len(values)), 0); err != nil {
		return fmt.Errorf("output: %s: %w", path, err)
	}
	if err := binary.Write(f, binary.LittleEndian, values); err != nil {
		return fmt.Errorf("output: %s: write errors: %w", path, err)
	}
	return nil
}

// WriteCounterFiles writes the four parallel per-particle interaction
// counter files alongside base, reading particle.Counters off particles'
// interior range.
func WriteCounterFiles(base string, particles particle.Slice) error {
	interior := particles.Interior()
	macs := make([]uint32, len(interior))
	cellInts := make([]uint32, len(interior))
	partInts := make([]uint32, len(interior))
	calls := make([]uint32, len(interior))
	for i, p := range interior {
		macs[i] = p.Counters.MACs
		cellInts[i] = p.Counters.CellInter
		partInts[i] = p.Counters.PartInter
		calls[i] = p.Counters.EntryCalls
	}

	fields := []struct {
		suffix string
		values []uint32
	}{
		{"MACs", macs},
		{"cellints", cellInts},
		{"partints", partInts},
		{"calls", calls},
	}
	for _, field := range fields {
		if err := WriteCounterField(base+"."+field.suffix, field.values); err != nil {
			return err
		}
	}
	return nil
}

// WriteAsciiAccelerations is the ASCII variant of
// WriteAccelerations: one "x y z" line per interior particle, no
// header, for quick inspection without a field-file reader.
func WriteAsciiAccelerations(path string, particles particle.Slice) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, p := range particles.Interior() {
		fmt.Fprintf(w, "%g %g %g\n", p.TreeAcceleration[0], p.TreeAcceleration[1], p.TreeAcceleration[2])
	}
	return w.Flush()
}

// WriteAsciiValues is the ASCII variant shared by the counter and
// error fields: one value per line.
func WriteAsciiValues[T any](path string, values []T) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, v := range values {
		fmt.Fprintf(w, "%v\n", v)
	}
	return w.Flush()
}
