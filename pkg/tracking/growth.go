package tracking

import (
	"gonum.org/v1/gonum/spatial/r3"

	"tissuetrack/internal/models"
)

// Outcome classifies what became of one seed
type Outcome int

const (
	// Accepted seeds produced a primary line
	Accepted Outcome = iota

	// SinglePoint seeds failed but were kept as a one-point line
	SinglePoint

	// NoDirection seeds had no initial direction
	NoDirection

	// Incomplete seeds had a growth attempt end without a proper endpoint
	Incomplete

	// OutOfLength seeds produced a line outside the length bounds
	OutOfLength
)

var outcomeNames = [...]string{"accepted", "single_point", "no_direction", "incomplete", "out_of_length"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

// SeedResult is the output of one seed: at most one primary line and the
// branch lines that passed the length filter
type SeedResult struct {
	Seed     models.Seed
	Primary  *models.Line
	Branches []*models.Line
	Outcome  Outcome
}

// branchTask is a pending branch growth
type branchTask struct {
	pos         r3.Vec
	dir         models.Direction
	origin      models.Label
	minDistance float64
}

// branchState follows a branch away from the tissue it started in
type branchState struct {
	origin      models.Label
	minDistance float64
	travelled   float64
}

// growth is the state of one seed attempt
type growth struct {
	t           *Tracker
	stopOnEntry bool
	branch      *branchState
	queue       *[]branchTask
	spawned     *int
}

// TrackSeed grows the line of one seed. The attempt draws from
// SeedRNG(seed position, global seed) only.
func (t *Tracker) TrackSeed(seed models.Seed) SeedResult {
	p := &t.params
	rng := SeedRNG(seed.Pos, p.RNGSeed)
	t.Reset(rng)

	var queue []branchTask
	spawned := 0
	g := &growth{
		t:           t,
		stopOnEntry: rng.Float64() < p.StopFraction,
		queue:       &queue,
		spawned:     &spawned,
	}

	res := SeedResult{Seed: seed}
	if !t.Initialize(seed.Pos) {
		return g.reject(res, NoDirection)
	}

	line, completed := g.grow(t.initPos, t.forwardDir)
	if !completed {
		return g.reject(res, Incomplete)
	}
	if !p.SingleDirection {
		backward, completed := g.grow(t.initPos, t.backwardDir)
		if !completed {
			return g.reject(res, Incomplete)
		}
		line = merge(line, backward)
	}

	if n := line.Len(); n < p.MinPoints || n > p.MaxPoints {
		return g.reject(res, OutOfLength)
	}
	res.Primary = line
	res.Outcome = Accepted
	res.Branches = g.runBranches()
	return res
}

// reject applies the single-point retention rule
func (g *growth) reject(res SeedResult, why Outcome) SeedResult {
	p := &g.t.params
	res.Outcome = why
	if p.KeepSinglePoints && p.MinPoints == 1 {
		res.Primary = models.NewLine(res.Seed.Pos, models.Direction{Index: models.NoIndex})
		res.Outcome = SinglePoint
	}
	return res
}

// merge joins the two halves at the seed: the forward half reversed, then
// the backward half, with the seed kept once
func merge(forward, backward *models.Line) *models.Line {
	forward.Reverse()
	forward.Truncate(forward.Len() - 1)
	forward.Points = append(forward.Points, backward.Points...)
	forward.Dirs = append(forward.Dirs, backward.Dirs...)
	return forward
}

// grow extends a line from pos along dir. completed is true only when a
// handler finished the line.
func (g *growth) grow(pos r3.Vec, dir models.Direction) (*models.Line, bool) {
	p := &g.t.params
	line := models.NewLine(pos, dir)
	invalid := 0
	for line.Len() < p.MaxPoints {
		last, lastDir := line.Last()
		step, valid, ok := g.t.Advance(last, lastDir)
		if !ok {
			return line, false
		}
		if valid {
			invalid = 0
		} else {
			invalid++
			if invalid > p.MaxInvalidDirs {
				return line, false
			}
		}
		g.travel(step.Label, r3.Norm(r3.Sub(step.Pos, last)))

		switch g.t.registry.Lookup(step.Label).Append(g, step.Pos, step.Dir, line) {
		case Finished:
			return line, true
		case Discard:
			return line, false
		}
	}
	return line, false
}

// travel accumulates the distance a branch covers outside its origin tissue
func (g *growth) travel(label models.Label, dist float64) {
	if g.branch != nil && label != g.branch.origin {
		g.branch.travelled += dist
	}
}

// mayStop reports whether a stochastic stop in label is allowed. Branches
// may not stop in their origin tissue before leaving it far enough.
func (g *growth) mayStop(label models.Label) bool {
	if g.branch == nil || label != g.branch.origin {
		return true
	}
	return g.branch.travelled > g.branch.minDistance
}

// enqueue adds a branch task, up to MaxPoints tasks per seed
func (g *growth) enqueue(task branchTask) {
	if *g.spawned >= g.t.params.MaxPoints {
		return
	}
	*g.spawned++
	*g.queue = append(*g.queue, task)
}

// runBranches grows the queued branches in FIFO order. Branches may queue
// further branches.
func (g *growth) runBranches() []*models.Line {
	p := &g.t.params
	var out []*models.Line
	for len(*g.queue) > 0 {
		task := (*g.queue)[0]
		*g.queue = (*g.queue)[1:]

		sub := &growth{
			t:       g.t,
			branch:  &branchState{origin: task.origin, minDistance: task.minDistance},
			queue:   g.queue,
			spawned: g.spawned,
		}
		line, completed := sub.grow(task.pos, task.dir)
		if completed && line.Len() >= p.MinPoints && line.Len() <= p.MaxPoints {
			out = append(out, line)
		}
	}
	return out
}
