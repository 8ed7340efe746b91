package sender

import "github.com/WendelHime/goppspp/internal/shared/models"

type Action int

const (
	ActionIdle Action = iota
	ActionSend
	ActionRetransmit
)

func (a Action) String() string {
	switch a {
	case ActionIdle:
		return "idle"
	case ActionSend:
		return "send"
	case ActionRetransmit:
		return "retransmit"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action Action
	Chunk  uint32
}

// Candidates are the chunks the swarm has and the member requested that
// were not sent yet.
func Candidates(have, requested, sent models.ChunkSet) models.ChunkSet {
	return have.Intersect(requested).Difference(sent)
}

// Decide picks what a tick does. The sets are always read fresh, nothing is
// carried over between ticks except the window.
//
// When chunks are in flight and the window is full, an oldest in flight id
// not newer than the oldest tracked id means it was overtaken by a whole
// window of sends and is treated as lost.
func Decide(have, requested, sent models.ChunkSet, w *Window) Decision {
	next := func() Decision {
		id, ok := Candidates(have, requested, sent).Min()
		if !ok {
			return Decision{Action: ActionIdle}
		}
		return Decision{Action: ActionSend, Chunk: id}
	}

	minInFlight, inFlight := sent.Min()
	if !inFlight {
		return next()
	}

	oldest, full := w.Oldest()
	if !full {
		return next()
	}
	if minInFlight <= oldest {
		return Decision{Action: ActionRetransmit, Chunk: minInFlight}
	}
	return next()
}
