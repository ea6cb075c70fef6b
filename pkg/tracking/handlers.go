package tracking

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"tissuetrack/internal/models"
	"tissuetrack/pkg/config"
	"tissuetrack/pkg/field"
)

// AppendResult tells the growth loop what happens after a handler received
// a new point
type AppendResult int

const (
	// Continue keeps growing the line
	Continue AppendResult = iota

	// Finished ends the line and keeps its last point as an endpoint
	Finished

	// Discard ends the attempt without a usable line
	Discard
)

// Handler is the tracking policy of one tissue label. Segment is called by
// the handler of the current position; Append by the handler of the label
// found at the new position.
type Handler interface {
	// Label returns the tissue label the handler serves
	Label() models.Label

	// Kind returns the handler variant
	Kind() config.TissueKind

	// StepSize returns the integration step in mm
	StepSize() float64

	// Initial draws the forward and backward directions of a seed at pos
	Initial(t *Tracker, pos r3.Vec) (fwd, bwd models.Direction, ok bool)

	// Segment integrates one step from pos. valid is false when the field
	// offered no direction and the step was taken along vIn instead.
	Segment(t *Tracker, pos r3.Vec, vIn models.Direction) (newPos r3.Vec, newDir models.Direction, valid bool)

	// Append offers a new point to the line
	Append(g *growth, pos r3.Vec, dir models.Direction, line *models.Line) AppendResult
}

// base holds what every integrating handler shares
type base struct {
	label models.Label
	kind  config.TissueKind
	order int
	step  float64
	cone  *field.Cone
}

func (b *base) Label() models.Label     { return b.label }
func (b *base) Kind() config.TissueKind { return b.kind }
func (b *base) StepSize() float64       { return b.step }

func (b *base) Initial(t *Tracker, pos r3.Vec) (models.Direction, models.Direction, bool) {
	return t.initialDirections(pos)
}

// Segment integrates with the handler's order: 1 is a single Euler step,
// 2 the midpoint method and 4 the classic Runge-Kutta scheme
func (b *base) Segment(t *Tracker, pos r3.Vec, vIn models.Direction) (r3.Vec, models.Direction, bool) {
	switch b.order {
	case 1:
		dir, valid := t.validDirection(pos, vIn, b.cone)
		return r3.Add(pos, r3.Scale(b.step, dir.Vec)), dir, valid
	case 2:
		dir1, valid := t.validDirection(pos, vIn, b.cone)
		dir2, _ := t.validDirection(r3.Add(pos, r3.Scale(0.5*b.step, dir1.Vec)), dir1, b.cone)
		return r3.Add(pos, r3.Scale(b.step, dir2.Vec)), dir2, valid
	default:
		return b.rk4(t, pos, vIn)
	}
}

func (b *base) rk4(t *Tracker, pos r3.Vec, vIn models.Direction) (r3.Vec, models.Direction, bool) {
	h := b.step
	d1, valid := t.validDirection(pos, vIn, b.cone)
	d2, _ := t.validDirection(r3.Add(pos, r3.Scale(0.5*h, d1.Vec)), d1, b.cone)
	d3, _ := t.validDirection(r3.Add(pos, r3.Scale(0.5*h, d2.Vec)), d2, b.cone)
	d4, _ := t.validDirection(r3.Add(pos, r3.Scale(h, d3.Vec)), d3, b.cone)

	sum := r3.Add(r3.Add(d1.Vec, r3.Scale(2, d2.Vec)), r3.Add(r3.Scale(2, d3.Vec), d4.Vec))
	v := r3.Scale(1.0/6, sum)
	n := r3.Norm(v)
	if n == 0 || math.IsNaN(n) {
		// Opposite samples cancelled out
		return r3.Add(pos, r3.Scale(h, vIn.Vec)), vIn, false
	}
	dir := models.Direction{Vec: r3.Scale(1/n, v), Index: d1.Index}
	return r3.Add(pos, r3.Scale(h, dir.Vec)), dir, valid
}

// background never integrates and discards any line that reaches it. It is
// also the fallback for labels missing from the registry.
type background struct {
	base
}

func (h *background) Initial(*Tracker, r3.Vec) (models.Direction, models.Direction, bool) {
	return models.Direction{}, models.Direction{}, false
}

func (h *background) Segment(_ *Tracker, pos r3.Vec, vIn models.Direction) (r3.Vec, models.Direction, bool) {
	return pos, vIn, false
}

func (h *background) Append(*growth, r3.Vec, models.Direction, *models.Line) AppendResult {
	return Discard
}

// passThrough never stops a line
type passThrough struct {
	base
}

func (h *passThrough) Append(_ *growth, pos r3.Vec, dir models.Direction, line *models.Line) AppendResult {
	line.Append(pos, dir)
	return Continue
}

// terminal ends the line on the first point that enters it
type terminal struct {
	base
}

func (h *terminal) Append(_ *growth, pos r3.Vec, dir models.Direction, line *models.Line) AppendResult {
	line.Append(pos, dir)
	return Finished
}

// stopGate is the random stopping rule shared by the stochastic and the
// surface handlers
type stopGate struct {
	law         config.StopLaw
	window      int
	maxEnding   int
	branchProb  float64
	minDistance float64
	seedStop    bool
}

// shouldStop decides whether the line, whose last point pos lies in label,
// stops here
func (s *stopGate) shouldStop(g *growth, label models.Label, pos r3.Vec, line *models.Line) bool {
	if !g.mayStop(label) {
		return false
	}
	if s.seedStop && g.stopOnEntry {
		return true
	}
	if s.stuck(g.t, line) {
		return true
	}
	return g.t.rng.Float64() >= s.acceptance(g.t, label, pos)
}

// stuck reports whether the last window points all share one label
func (s *stopGate) stuck(t *Tracker, line *models.Line) bool {
	n := line.Len()
	if n < s.window {
		return false
	}
	last := t.LabelAt(line.Points[n-1])
	for _, p := range line.Points[n-s.window : n-1] {
		if t.LabelAt(p) != last {
			return false
		}
	}
	return true
}

// acceptance is the probability of continuing at pos
func (s *stopGate) acceptance(t *Tracker, label models.Label, pos r3.Vec) float64 {
	v := t.valueAt(pos)
	if s.law == config.Ratio {
		if label == 0 {
			return 0
		}
		return v / float64(label)
	}
	return math.Abs(v - float64(label))
}

// maybeBranch queues a branch from the stop point
func (s *stopGate) maybeBranch(g *growth, label models.Label, line *models.Line) {
	if s.branchProb <= 0 || g.t.rng.Float64() >= s.branchProb {
		return
	}
	pos, dir := line.Last()
	g.enqueue(branchTask{pos: pos, dir: dir, origin: label, minDistance: s.minDistance})
}

// stochastic stops at random and then takes a few extra steps while it
// stays inside its own label
type stochastic struct {
	base
	stopGate
}

func (h *stochastic) Append(g *growth, pos r3.Vec, dir models.Direction, line *models.Line) AppendResult {
	line.Append(pos, dir)
	if !h.shouldStop(g, h.label, pos, line) {
		return Continue
	}
	h.maybeBranch(g, h.label, line)
	h.finalize(g, line)
	return Finished
}

func (h *stochastic) finalize(g *growth, line *models.Line) {
	t := g.t
	stop, _ := line.Last()
	n := endingSteps(stop, t.params.RNGSeed, h.maxEnding)
	for i := 0; i < n && line.Len() < t.params.MaxPoints; i++ {
		pos, dir := line.Last()
		next, nextDir, label, ok := t.Propagate(pos, dir)
		if !ok || label != h.label {
			return
		}
		line.Append(next, nextDir)
	}
}

// surfaceSnap stops like stochastic, then backs up a few points and steps
// along the nearest surface normal
type surfaceSnap struct {
	base
	stopGate
}

// maxRegress is the number of points dropped before snapping
const maxRegress = 3

func (h *surfaceSnap) Append(g *growth, pos r3.Vec, dir models.Direction, line *models.Line) AppendResult {
	line.Append(pos, dir)
	if !h.shouldStop(g, h.label, pos, line) {
		return Continue
	}
	h.maybeBranch(g, h.label, line)
	h.finalize(g, line)
	return Finished
}

func (h *surfaceSnap) finalize(g *growth, line *models.Line) {
	t := g.t
	if t.normals == nil {
		return
	}
	stop, _ := line.Last()
	n := endingSteps(stop, t.params.RNGSeed, h.maxEnding)
	if n == 0 {
		return
	}

	keep := line.Len() - min(maxRegress, line.Len()-1)
	pos := line.Points[keep-1]
	vertex, ok := t.normals.Nearest(pos)
	if !ok {
		return
	}
	line.Truncate(keep)
	normal := vertex.Normal
	if r3.Dot(normal, r3.Sub(vertex.Pos, pos)) < 0 {
		normal = r3.Scale(-1, normal)
	}
	dir := models.Direction{Vec: normal, Index: models.NoIndex}

	inside := false
	for i := 0; i < n && line.Len() < t.params.MaxPoints; i++ {
		next := r3.Add(pos, r3.Scale(h.step, normal))
		label := t.LabelAt(next)
		if t.registry.Lookup(label).Kind() == config.Background {
			return
		}
		if label == h.label {
			inside = true
		} else if inside {
			// Left the surface tissue again
			return
		}
		line.Append(next, dir)
		pos = next
	}
}
