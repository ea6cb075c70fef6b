package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"tissuetrack/internal/models"
	"tissuetrack/pkg/streamline"
)

// progressEvery is the number of seeds between two progress logs
const progressEvery = 1000

// SeedSource maps an absolute seed index to a position
type SeedSource interface {
	Position(index int64) r3.Vec
}

// Result is the output of a run. Seeds is parallel to Lines when seeds are
// saved.
type Result struct {
	Lines []*models.Line
	Seeds []r3.Vec
	Stats Stats
}

// Driver distributes seeds over workers and gathers their lines
type Driver struct {
	tracker *Tracker
	seeds   SeedSource
	logger  *slog.Logger
	metrics *Metrics
}

// NewDriver creates a driver. metrics may be nil.
func NewDriver(tracker *Tracker, seeds SeedSource, logger *slog.Logger, metrics *Metrics) *Driver {
	return &Driver{
		tracker: tracker,
		seeds:   seeds,
		logger:  logger,
		metrics: metrics,
	}
}

// Run tracks every seed, or seeds until the requested number of lines in
// fixed-count mode. Any worker failure aborts the run and no partial result
// is returned.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	var (
		res *Result
		err error
	)
	if d.tracker.params.Streamlines > 0 {
		res, err = d.runFixed(ctx)
	} else {
		res, err = d.runAll(ctx)
	}
	if err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.Observe(res.Stats)
	}
	return res, nil
}

// chunkResult is the output of one worker
type chunkResult struct {
	lines []*models.Line
	seeds []r3.Vec
	stats Stats
}

func (d *Driver) runAll(ctx context.Context) (*Result, error) {
	p := &d.tracker.params
	n := p.NumSeeds
	if n <= 0 {
		return nil, ErrNoSeeds
	}

	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if int64(workers) > n {
		workers = int(n)
		d.logger.Debug("fewer seeds than workers", "workers", workers)
	}
	chunk := n / int64(workers)

	outs := make([]chunkResult, workers)
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		first := int64(i)*chunk + p.Skip
		size := chunk
		if i == workers-1 {
			size += n % int64(workers)
		}
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("chunk %d: %w: %v", i, ErrWorkerPanic, r)
				}
			}()
			out, cerr := d.runChunk(ctx, i, d.tracker.Clone(), first, size)
			if cerr != nil {
				return fmt.Errorf("chunk %d: %w", i, cerr)
			}
			outs[i] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	res := &Result{}
	for _, out := range outs {
		res.Lines = append(res.Lines, out.lines...)
		res.Seeds = append(res.Seeds, out.seeds...)
		res.Stats.merge(out.stats)
	}
	d.logger.Info("tracking done", "workers", workers, "seeds", res.Stats.Seeds, "streamlines", len(res.Lines))
	return res, nil
}

func (d *Driver) runChunk(ctx context.Context, id int, t *Tracker, first, size int64) (chunkResult, error) {
	var out chunkResult
	for s := int64(0); s < size; s++ {
		if s%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			d.logger.Debug("tracking progress", "chunk", id, "done", s, "total", size)
		}
		index := first + s
		res := t.TrackSeed(models.Seed{Index: index, Pos: d.seeds.Position(index)})
		out.stats.add(res)
		d.collect(&out, res.Seed, res.Primary)
		for _, b := range res.Branches {
			d.collect(&out, res.Seed, b)
		}
	}
	return out, nil
}

// runFixed retries seeds sequentially until it has the requested number of
// lines or the seed budget is spent. Branch lines are not kept in this mode.
func (d *Driver) runFixed(ctx context.Context) (*Result, error) {
	p := &d.tracker.params
	if p.Workers > 1 {
		d.logger.Debug("fixed-count mode runs on a single worker", "workers", p.Workers)
	}

	t := d.tracker.Clone()
	want := int64(p.Streamlines)
	budget := want * int64(max(p.MaxTries, 1))

	var out chunkResult
	for i := int64(0); int64(len(out.lines)) < want && i < budget; i++ {
		if i%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			d.logger.Debug("tracking progress", "found", len(out.lines), "wanted", want)
		}
		index := p.Skip + i
		res := t.TrackSeed(models.Seed{Index: index, Pos: d.seeds.Position(index)})
		out.stats.add(res)
		d.collect(&out, res.Seed, res.Primary)
	}
	if int64(len(out.lines)) < want {
		d.logger.Warn("seed budget exhausted", "found", len(out.lines), "wanted", want, "tries", out.stats.Seeds)
	}
	return &Result{Lines: out.lines, Seeds: out.seeds, Stats: out.stats}, nil
}

// collect stores an emitted line, compressed when requested
func (d *Driver) collect(out *chunkResult, seed models.Seed, line *models.Line) {
	if line == nil {
		return
	}
	p := &d.tracker.params
	if p.Compress > 0 {
		line = streamline.CompressLine(line, p.Compress, p.MaxSegmentLength)
	}
	out.lines = append(out.lines, line)
	out.stats.Lines++
	if p.SaveSeeds {
		out.seeds = append(out.seeds, seed.Pos)
	}
}
