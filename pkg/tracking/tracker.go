// Package tracking implements tissue-aware probabilistic tractography: the
// per-label handlers, the tracker that dispatches to them, the growth of a
// streamline from one seed and the parallel driver over all seeds.
package tracking

import (
	"errors"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat/distuv"

	"tissuetrack/internal/models"
	"tissuetrack/pkg/field"
	"tissuetrack/pkg/surface"
	"tissuetrack/pkg/volume"
)

// Inputs are the read-only volumes a tracker works on
type Inputs struct {
	// Labels is the tissue classification
	Labels *volume.Volume

	// Values drives stochastic stops. Nil uses Labels.
	Values *volume.Volume

	// ValueInterp is the interpolation used on Values
	ValueInterp volume.Interpolation

	// Field is the direction field
	Field *field.SFField

	// Normals serves the surface handler. It may be nil.
	Normals *surface.Normals
}

// Step is the outcome of one integration step
type Step struct {
	Pos   r3.Vec
	Dir   models.Direction
	Label models.Label
}

// Tracker resolves the handler of a position and drives it. The volumes
// and the registry are shared; the attempt state and buffers are not, so
// each worker uses its own Clone.
type Tracker struct {
	labels      *volume.Volume
	values      *volume.Volume
	valueInterp volume.Interpolation
	sf          *field.SFField
	sphere      *field.Sphere
	normals     *surface.Normals
	registry    *Registry
	params      Params

	rng         *rand.Rand
	initPos     r3.Vec
	forwardDir  models.Direction
	backwardDir models.Direction
	sfBuf       []float64
	weights     []float64
}

// NewTracker binds the inputs, the registry and the run parameters
func NewTracker(in Inputs, registry *Registry, params Params) (*Tracker, error) {
	if in.Labels == nil || in.Field == nil || registry == nil {
		return nil, errors.New("tracker needs a label volume, a direction field and a registry")
	}
	values := in.Values
	if values == nil {
		values = in.Labels
	}
	t := &Tracker{
		labels:      in.Labels,
		values:      values,
		valueInterp: in.ValueInterp,
		sf:          in.Field,
		sphere:      in.Field.Sphere(),
		normals:     in.Normals,
		registry:    registry,
		params:      params,
	}
	t.allocate()
	return t, nil
}

func (t *Tracker) allocate() {
	t.sfBuf = make([]float64, t.sphere.Len())
	t.weights = make([]float64, t.sphere.Len())
}

// Clone returns a tracker sharing the read-only state with fresh attempt
// state
func (t *Tracker) Clone() *Tracker {
	c := *t
	c.rng = nil
	c.allocate()
	return &c
}

// Reset starts a new attempt drawing from rng
func (t *Tracker) Reset(rng *rand.Rand) {
	t.rng = rng
}

// Registry returns the handler registry
func (t *Tracker) Registry() *Registry { return t.registry }

// Initialize draws the seed directions at pos. It fails when the handler
// at pos does not start lines or the field has no direction there.
func (t *Tracker) Initialize(pos r3.Vec) bool {
	t.initPos = pos
	fwd, bwd, ok := t.ResolveHandler(pos).Initial(t, pos)
	t.forwardDir, t.backwardDir = fwd, bwd
	return ok
}

// InitPos returns the seed position of the current attempt
func (t *Tracker) InitPos() r3.Vec { return t.initPos }

// ForwardDir returns the forward seed direction of the current attempt
func (t *Tracker) ForwardDir() models.Direction { return t.forwardDir }

// BackwardDir returns the backward seed direction of the current attempt
func (t *Tracker) BackwardDir() models.Direction { return t.backwardDir }

// Propagate integrates one step from pos. ok is false when no valid
// direction exists.
func (t *Tracker) Propagate(pos r3.Vec, vIn models.Direction) (r3.Vec, models.Direction, models.Label, bool) {
	s, valid, ok := t.Advance(pos, vIn)
	if !ok || !valid {
		return r3.Vec{}, models.Direction{}, 0, false
	}
	return s.Pos, s.Dir, s.Label, true
}

// Advance is Propagate that keeps the step taken along vIn when the field
// had no direction: valid is then false. ok is false when the handler at
// pos does not integrate at all.
func (t *Tracker) Advance(pos r3.Vec, vIn models.Direction) (Step, bool, bool) {
	h := t.ResolveHandler(pos)
	if _, isBackground := h.(*background); isBackground {
		return Step{}, false, false
	}
	next, dir, valid := h.Segment(t, pos, vIn)
	return Step{Pos: next, Dir: dir, Label: t.LabelAt(next)}, valid, true
}

// ResolveHandler returns the handler governing pos
func (t *Tracker) ResolveHandler(pos r3.Vec) Handler {
	return t.registry.Lookup(t.LabelAt(pos))
}

// LabelAt reads the tissue label at pos. Positions outside the tracking
// domain are background.
func (t *Tracker) LabelAt(pos r3.Vec) models.Label {
	if !t.InBounds(pos) {
		return 0
	}
	return models.Label(math.Round(t.labels.Scalar(pos, volume.Nearest)))
}

// InBounds reports whether pos lies inside both the classification and the
// direction field
func (t *Tracker) InBounds(pos r3.Vec) bool {
	return t.labels.InBounds(pos) && t.sf.InBounds(pos)
}

func (t *Tracker) valueAt(pos r3.Vec) float64 {
	return t.values.Scalar(pos, t.valueInterp)
}

// initialDirections draws the forward direction from the seeding SF; the
// backward direction is its antipode
func (t *Tracker) initialDirections(pos r3.Vec) (models.Direction, models.Direction, bool) {
	t.sfBuf = t.sf.InitialSF(pos, t.sfBuf)
	if floats.Sum(t.sfBuf) <= 0 {
		return models.Direction{}, models.Direction{}, false
	}
	i := int(distuv.NewCategorical(t.sfBuf, t.rng).Rand())
	fwd := models.Direction{Vec: t.sphere.Vertex(i), Index: i}
	return fwd, fwd.Reverse(t.sphere.Antipode(i)), true
}

// validDirection draws the next direction, falling back to vIn when the
// field has none
func (t *Tracker) validDirection(pos r3.Vec, vIn models.Direction, cone *field.Cone) (models.Direction, bool) {
	if d, ok := t.sampleDirection(pos, vIn, cone); ok {
		return d, true
	}
	return vIn, false
}

// sampleDirection draws a sphere direction inside the cone around vIn,
// weighted by the SF at pos
func (t *Tracker) sampleDirection(pos r3.Vec, vIn models.Direction, cone *field.Cone) (models.Direction, bool) {
	t.sfBuf = t.sf.SampleSF(pos, t.sfBuf)

	idx := vIn.Index
	if idx == models.NoIndex {
		idx = t.sphere.Nearest(vIn.Vec)
	}
	neighbors := cone.Neighbors(idx)
	w := t.weights[:len(neighbors)]
	for i, j := range neighbors {
		w[i] = t.sfBuf[j]
	}
	if floats.Sum(w) <= 0 {
		return models.Direction{}, false
	}

	j := neighbors[int(distuv.NewCategorical(w, t.rng).Rand())]
	return models.Direction{Vec: t.sphere.Vertex(j), Index: j}, true
}
