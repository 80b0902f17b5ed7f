// ABOUTME: Error kinds returned by routing operations and their outcome mapping
// ABOUTME: Lower-layer errors are translated so callers can tell not-found, conflict, and transient apart

package routing

import (
	"errors"
	"fmt"

	"github.com/2389/switchboard/internal/agent"
	"github.com/2389/switchboard/internal/queue"
	"github.com/2389/switchboard/internal/store"
)

var (
	// ErrNotFound indicates the conversation or agent does not exist or is
	// outside the tenant.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a precondition no longer holds, e.g. the
	// conversation was assigned by someone else.
	ErrConflict = errors.New("conflict")

	// ErrTransient indicates a store or directory failure. The operation had
	// no effect and may be retried.
	ErrTransient = errors.New("temporarily unavailable")

	// ErrInvalid indicates a malformed request.
	ErrInvalid = errors.New("invalid request")

	// ErrNoAgentAvailable indicates no eligible agent has spare capacity.
	ErrNoAgentAvailable = errors.New("no agent available")

	// ErrQueueEmpty indicates no queued conversation matched.
	ErrQueueEmpty = errors.New("queue is empty")
)

// Outcome is the coarse result of an operation.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNotFound
	OutcomeConflict
	OutcomeTransient
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeConflict:
		return "conflict"
	case OutcomeTransient:
		return "transient"
	case OutcomeInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// OutcomeOf classifies an error returned by Service. An empty result (no
// agent, empty queue) counts as not found.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrInvalid):
		return OutcomeInvalid
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoAgentAvailable), errors.Is(err, ErrQueueEmpty):
		return OutcomeNotFound
	case errors.Is(err, ErrConflict):
		return OutcomeConflict
	default:
		return OutcomeTransient
	}
}

// kindOf maps an error from the store, queue or router to a routing kind.
func kindOf(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrNotQueued):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrAtCapacity), errors.Is(err, queue.ErrNothingToRestore):
		return ErrConflict
	case errors.Is(err, agent.ErrNoAgentsAvailable):
		return ErrNoAgentAvailable
	case errors.Is(err, queue.ErrQueueEmpty):
		return ErrQueueEmpty
	case errors.Is(err, agent.ErrInvalidStatus), errors.Is(err, queue.ErrNotTerminal):
		return ErrInvalid
	default:
		return ErrTransient
	}
}
