package tracking

import (
	"fmt"
	"log/slog"
	"math"
	"slices"

	"tissuetrack/internal/models"
	"tissuetrack/pkg/config"
	"tissuetrack/pkg/field"
)

// Registry maps tissue labels to their handler. It is built once per run
// and read concurrently by every worker.
type Registry struct {
	handlers map[models.Label]Handler
	fallback Handler
}

// NewRegistry builds one handler per observed label from the tissue table.
// Observed labels without an entry, and labels never observed, resolve to
// the background handler.
func NewRegistry(sphere *field.Sphere, tissues map[int]config.TissueConfig, observed []int, defaultStep float64, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		handlers: make(map[models.Label]Handler, len(observed)),
		fallback: &background{base: base{kind: config.Background, step: defaultStep}},
	}

	cones := make(map[float64]*field.Cone)
	for _, l := range observed {
		label := models.Label(l)
		tc, ok := tissues[l]
		if !ok {
			logger.Warn("tissue label has no configuration, treating it as background", "label", l)
			continue
		}

		cone, ok := cones[tc.Theta]
		if !ok && tc.Kind != config.Background {
			cone = field.NewCone(sphere, tc.Theta*math.Pi/180)
			cones[tc.Theta] = cone
		}

		h, err := newHandler(label, tc, cone, defaultStep)
		if err != nil {
			return nil, fmt.Errorf("tissue %d: %w", l, err)
		}
		r.handlers[label] = h
		logger.Debug("registered tissue handler", "label", l, "kind", tc.Kind, "step", h.StepSize())
	}
	return r, nil
}

func newHandler(label models.Label, tc config.TissueConfig, cone *field.Cone, defaultStep float64) (Handler, error) {
	step := tc.StepSize
	if step == 0 {
		step = defaultStep
	}
	b := base{label: label, kind: tc.Kind, order: tc.Order, step: step, cone: cone}
	gate := stopGate{
		law:         tc.StopLaw,
		window:      tc.HistoryWindow,
		maxEnding:   tc.MaxEndingSteps,
		branchProb:  tc.BranchProbability,
		minDistance: tc.MinDistanceBeforeStop,
		seedStop:    tc.SeedStop,
	}

	switch tc.Kind {
	case config.Background:
		return &background{base: b}, nil
	case config.PassThrough:
		b.order = orderOr(b.order, 4)
		return &passThrough{base: b}, nil
	case config.Terminal:
		b.order = orderOr(b.order, 1)
		return &terminal{base: b}, nil
	case config.Stochastic:
		b.order = orderOr(b.order, 2)
		return &stochastic{base: b, stopGate: gate}, nil
	case config.Surface:
		b.order = orderOr(b.order, 1)
		return &surfaceSnap{base: b, stopGate: gate}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, tc.Kind)
	}
}

func orderOr(order, def int) int {
	if order == 0 {
		return def
	}
	return order
}

// Lookup returns the handler of label, or the background fallback
func (r *Registry) Lookup(label models.Label) Handler {
	if h, ok := r.handlers[label]; ok {
		return h
	}
	return r.fallback
}

// Labels returns the registered labels in ascending order
func (r *Registry) Labels() []models.Label {
	labels := make([]models.Label, 0, len(r.handlers))
	for l := range r.handlers {
		labels = append(labels, l)
	}
	slices.Sort(labels)
	return labels
}

// HasKind reports whether any registered handler is of kind
func (r *Registry) HasKind(kind config.TissueKind) bool {
	for _, h := range r.handlers {
		if h.Kind() == kind {
			return true
		}
	}
	return false
}
