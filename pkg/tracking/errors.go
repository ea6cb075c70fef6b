package tracking

import "errors"

var (
	// ErrNoSeeds is returned before tracking starts when there is nothing to seed
	ErrNoSeeds = errors.New("no seeds to track")

	// ErrWorkerPanic wraps a panic recovered inside a tracking worker
	ErrWorkerPanic = errors.New("tracking worker panicked")

	// ErrUnknownKind is returned for a tissue kind without a handler
	ErrUnknownKind = errors.New("unknown tissue kind")
)
