// gravity runs the distributed Barnes-Hut gravity pipeline end to end:
// ingest a particle set, partition it across pieces by space-filling
// curve key, build and reconcile each piece's tree, walk it, and write
// accelerations and run statistics back out. Flag-based overrides over
// an optional YAML config file, mirroring the teacher's flag.Int/flag.String
// CLI shape.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/quillaja/distbh/internal/cache"
	"github.com/quillaja/distbh/internal/config"
	"github.com/quillaja/distbh/internal/geom"
	"github.com/quillaja/distbh/internal/ingest"
	"github.com/quillaja/distbh/internal/kernel"
	"github.com/quillaja/distbh/internal/output"
	"github.com/quillaja/distbh/internal/partition"
	"github.com/quillaja/distbh/internal/particle"
	"github.com/quillaja/distbh/internal/piece"
	"github.com/quillaja/distbh/internal/rebalance"
	"github.com/quillaja/distbh/internal/sfc"
	"github.com/quillaja/distbh/internal/transport"
	"github.com/quillaja/distbh/internal/tree"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (optional; flags below override its values)")
	inputBase := flag.String("input", "", "input field file base path (reads <input>.mass and <input>.pos)")
	outputBase := flag.String("output", "run", "output file base path")
	numPieces := flag.Int("pieces", 0, "number of pieces (0 keeps the config/default value)")
	numProcesses := flag.Int("processes", 0, "number of OS-process groups pieces are spread across (0 keeps the config/default value)")
	iterations := flag.Int("iterations", 1, "number of gravity iterations to run")
	bucketSize := flag.Int("bucketsize", 0, "bucket size (0 keeps the config/default value)")
	theta := flag.Float64("theta", 0, "opening angle (0 keeps the config/default value)")
	dotOut := flag.String("dot", "", "if set, write a Graphviz dump of piece 0's tree after the final iteration to this path")
	asciiOut := flag.Bool("ascii", false, "additionally write ASCII one-line-per-particle variants of the acceleration files")
	errorSample := flag.Int("errorsample", 0, "if >0, spot-check up to this many particles per piece against the O(N^2) direct sum and write <base>.error files")
	flag.Parse()

	log := newLogger()
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(log, "config", err)
	}
	if *inputBase != "" {
		cfg.InputBase = *inputBase
	}
	if *outputBase != "" {
		cfg.OutputBase = *outputBase
	}
	if *numPieces > 0 {
		cfg.NumPieces = *numPieces
	}
	if *numProcesses > 0 {
		cfg.NumProcesses = *numProcesses
	}
	if *bucketSize > 0 {
		cfg.BucketSize = *bucketSize
	}
	if *theta > 0 {
		cfg.Theta = *theta
	}
	if err := cfg.Validate(); err != nil {
		fatal(log, "config", err)
	}

	log.Info("starting run",
		zap.Int("numPieces", cfg.NumPieces), zap.Int("numProcesses", cfg.NumProcesses),
		zap.Int("bucketSize", cfg.BucketSize), zap.Float64("theta", cfg.Theta),
		zap.String("input", cfg.InputBase), zap.String("output", cfg.OutputBase))

	particles, box, err := loadAndPartition(cfg.InputBase, cfg.NumPieces)
	if err != nil {
		fatal(log, "ingest", err)
	}

	splitters, err := globalSplitters(particles)
	if err != nil {
		fatal(log, "partition", err)
	}

	builders := make([]*tree.Builder, cfg.NumPieces)
	for i, p := range particles {
		b := &tree.Builder{
			Particles: p, Splitters: splitters,
			PieceID: i, NumPieces: cfg.NumPieces, BucketSize: cfg.BucketSize, GlobalBox: box,
		}
		if _, err := b.Build(); err != nil {
			fatal(log, "build", err)
		}
		builders[i] = b
	}

	store, err := output.OpenCheckpointStore(cfg.OutputBase + ".checkpoints.db")
	if err != nil {
		fatal(log, "output", err)
	}
	defer store.Close()

	bus := transport.NewBus()
	processes := make([]*piece.Process, cfg.NumProcesses)
	pieces := make([]*piece.Piece, cfg.NumPieces)
	for i, b := range builders {
		procIdx := i % cfg.NumProcesses
		if processes[procIdx] == nil {
			c := cache.New(transport.PieceID(cfg.NumPieces+procIdx), bus, cfg.CacheLineDepth, cfg.CacheEnabled, log)
			processes[procIdx] = piece.NewProcess(bus, c, log)
		}
		p := piece.New(i, cfg, bus, processes[procIdx].Cache, b, log)
		processes[procIdx].AddPiece(p)
		pieces[i] = p
	}
	defer func() {
		seen := make(map[*piece.Process]bool)
		for _, proc := range processes {
			if proc != nil && !seen[proc] {
				proc.Shutdown()
				seen[proc] = true
			}
		}
	}()

	notifier := rebalance.New()
	start := time.Now()
	for iter := 0; iter < *iterations; iter++ {
		iterStart := time.Now()

		// every process group must iterate concurrently: pieces in one
		// group exchange boundary contributions and cache fills with
		// pieces in the others, so a sequential run would block on a
		// peer that hasn't started yet.
		if err := runProcesses(processes, iter); err != nil {
			fatal(log, "walk", err)
		}

		iterDuration := time.Since(iterStart)
		for i, p := range pieces {
			interior := p.Particles.Interior()
			notifier.Observe(i, len(interior))

			base := fmt.Sprintf("%s.iter%04d.piece%02d", cfg.OutputBase, iter, i)
			if err := output.WriteAccelerations(base+".accel", box, p.Particles); err != nil {
				fatal(log, "output", err)
			}
			if err := output.WriteCounterFiles(base, p.Particles); err != nil {
				fatal(log, "output", err)
			}
			if *asciiOut {
				if err := output.WriteAsciiAccelerations(base+".accel.txt", p.Particles); err != nil {
					fatal(log, "output", err)
				}
			}

			cp := output.Checkpoint{
				Iteration: iter, PieceID: i, ParticleCount: len(interior),
				WallTimeMS: float64(iterDuration.Microseconds()) / 1000,
			}
			if *errorSample > 0 {
				errs, maxErr, meanErr := errorSpotCheck(particles, i, *errorSample)
				if err := output.WriteErrorField(base+".error", errs); err != nil {
					fatal(log, "output", err)
				}
				cp.MaxRelError, cp.MeanRelError = maxErr, meanErr
			}
			if err := store.Record(cp); err != nil {
				fatal(log, "output", err)
			}
		}

		for _, signal := range notifier.Check() {
			if signal.ImbalanceRatio > 1.5 || signal.ImbalanceRatio < 0.5 {
				log.Warn("piece load imbalance", zap.String("signal", signal.String()))
			}
		}

		log.Info("iteration complete", zap.Int("iteration", iter), zap.Duration("duration", iterDuration))
	}

	if *dotOut != "" && len(pieces) > 0 {
		f, err := os.Create(*dotOut)
		if err != nil {
			fatal(log, "output", err)
		}
		err = output.DotGraphDump(f, pieces[0].Tree)
		f.Close()
		if err != nil {
			fatal(log, "output", err)
		}
	}

	log.Info("run complete", zap.Duration("total", time.Since(start)))
}

// runProcesses drives one iteration over every distinct process group:
// all groups reconcile concurrently, then — once every group's tree is
// ready — all groups walk concurrently. The gap between the two phases
// is the global tree-ready barrier: a walker's node request must never
// reach a piece whose Boundary moments aren't final yet.
func runProcesses(processes []*piece.Process, iter int) error {
	distinct := make([]*piece.Process, 0, len(processes))
	seen := make(map[*piece.Process]bool)
	for _, proc := range processes {
		if proc != nil && !seen[proc] {
			distinct = append(distinct, proc)
			seen[proc] = true
		}
	}

	phase := func(step func(*piece.Process) error) error {
		var wg sync.WaitGroup
		errs := make([]error, len(distinct))
		wg.Add(len(distinct))
		for i, proc := range distinct {
			go func(i int, proc *piece.Process) {
				defer wg.Done()
				errs[i] = step(proc)
			}(i, proc)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		return nil
	}

	if err := phase(func(proc *piece.Process) error { return proc.RunReconcile(iter) }); err != nil {
		return err
	}
	return phase(func(proc *piece.Process) error { return proc.RunWalk() })
}

// errorSpotCheck compares up to sample of piece pieceIdx's particles,
// evenly strided, against the direct sum over every particle in the
// run. It returns one relative-error slot per interior particle (zero
// for unsampled slots) plus the max and mean over the sampled ones.
func errorSpotCheck(all []particle.Slice, pieceIdx, sample int) (errs []float64, maxErr, meanErr float64) {
	interior := all[pieceIdx].Interior()
	errs = make([]float64, len(interior))
	if len(interior) == 0 {
		return errs, 0, 0
	}

	stride := len(interior) / sample
	if stride < 1 {
		stride = 1
	}

	checked := 0
	for i := 0; i < len(interior) && checked < sample; i += stride {
		p := &interior[i]
		var direct mgl64.Vec3
		for pj, other := range all {
			for j := range other.Interior() {
				if pj == pieceIdx && j == i {
					continue
				}
				o := &other.Interior()[j]
				soft := math.Max(float64(p.Soft), float64(o.Soft))
				f, _ := kernel.Direct(p.PosF64(), o.PosF64(), float64(p.Mass), float64(o.Mass), soft)
				direct = direct.Add(f)
			}
		}
		relErr := 0.0
		if l := direct.Len(); l > 0 {
			relErr = p.TreeAcceleration.Sub(direct).Len() / l
		}
		errs[i] = relErr
		meanErr += relErr
		if relErr > maxErr {
			maxErr = relErr
		}
		checked++
	}
	meanErr /= float64(checked)
	return errs, maxErr, meanErr
}

// loadAndPartition ingests the particle set, computes the global
// bounding box, assigns SFC keys, and globally re-sorts and re-splits
// the particles into numPieces contiguous, sentinel-flanked ranges —
// the shape tree.Builder requires (§4.4, §4.12).
func loadAndPartition(inputBase string, numPieces int) ([]particle.Slice, geom.Box, error) {
	pieces, err := ingest.Load(inputBase, numPieces)
	if err != nil {
		return nil, geom.Box{}, err
	}

	var all particle.Slice
	for _, p := range pieces {
		all = append(all, p...)
	}
	if len(all) == 0 {
		return nil, geom.Box{}, fmt.Errorf("cmd/gravity: input %s has no particles", inputBase)
	}

	box := geom.Box{Lo: all[0].PosF64(), Hi: all[0].PosF64()}
	for _, p := range all[1:] {
		pos := p.PosF64()
		box = geom.Union(box, geom.Box{Lo: pos, Hi: pos})
	}

	for i := range all {
		all[i].Key = sfc.Of(all[i].PosF64(), box)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })

	counts := ingest.Split(len(all), numPieces)
	result := make([]particle.Slice, numPieces)
	offset := 0
	for i, n := range counts {
		s := make(particle.Slice, 0, n+2)
		s = append(s, particle.Particle{Sentinel: true})
		s = append(s, all[offset:offset+n]...)
		s = append(s, particle.Particle{Sentinel: true})
		result[i] = s
		offset += n
	}

	// Sentinel keys carry the neighbouring pieces' nearest keys, not the
	// key-space extremes: the tree builder sheds a boundary sentinel
	// exactly when the current prefix stops being a common prefix of the
	// two pieces' adjacent keys, which is what makes every co-owner of a
	// shared prefix classify the same nodes as Boundary. Extreme-key
	// sentinels would shed at the first split and leave one side of
	// every boundary node waiting forever for a contribution the other
	// side never sends.
	for i := range result {
		left := sfc.FirstPossibleKey
		if i > 0 {
			prev := result[i-1]
			left = prev[len(prev)-2].Key
		}
		right := sfc.LastPossibleKey
		if i < numPieces-1 {
			right = result[i+1][1].Key
		}
		result[i][0].Key = left
		result[i][len(result[i])-1].Key = right
	}
	return result, box, nil
}

// globalSplitters derives each piece's [minKey, maxKey] from its own
// interior particles and assembles the global splitter array every
// piece's tree builder and ownership oracle share.
func globalSplitters(pieces []particle.Slice) (partition.Splitters, error) {
	pairs := make([][2]sfc.Key, len(pieces))
	for i, p := range pieces {
		interior := p.Interior()
		if len(interior) == 0 {
			return nil, fmt.Errorf("cmd/gravity: piece %d has no particles; reduce -pieces or supply more input", i)
		}
		pairs[i] = [2]sfc.Key{interior[0].Key, interior[len(interior)-1].Key}
	}
	return partition.Build(pairs)
}

func newLogger() *zap.Logger {
	log, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// fatal logs err as the reason this run cannot continue and exits
// non-zero (zap.Logger.Fatal calls os.Exit(1) after flushing), the
// structured equivalent of the teacher's panic-on-fatal style.
func fatal(log *zap.Logger, stage string, err error) {
	log.Fatal("run aborted", zap.String("stage", stage), zap.Error(err))
}
