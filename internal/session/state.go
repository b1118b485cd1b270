package session

type State string

const (
	StateNew                   State = "NEW"
	StateAwaitingClarification State = "AWAITING_CLARIFICATION"
	StateClarified             State = "CLARIFIED"
	StateRouted                State = "ROUTED"
	StateExpired               State = "EXPIRED"
)

// transitions is the allowed state graph. ROUTED and EXPIRED have no exits;
// a routed session simply ages out and is removed by the sweep.
var transitions = map[State][]State{
	StateNew:                   {StateAwaitingClarification, StateRouted, StateExpired},
	StateAwaitingClarification: {StateClarified, StateRouted, StateExpired},
	StateClarified:             {StateRouted, StateExpired},
	StateRouted:                {},
	StateExpired:               {},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state has no outgoing transitions.
func IsTerminal(s State) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// acceptsClarification reports whether the attempt counter may grow in s.
func acceptsClarification(s State) bool {
	return s == StateNew || s == StateAwaitingClarification
}
