package grant

// transitions lists the legal forward moves per kind. Anything absent is
// illegal; states with no outgoing edges are terminal.
var transitions = map[Kind]map[State][]State{
	KindNominee: {
		StatePending:  {StateAccepted, StateDeclined, StateRevoked},
		StateAccepted: {StateRevoked},
	},
	KindTransfer: {
		StatePending:  {StateApproved, StateDenied},
		StateApproved: {StateCompleted},
	},
	KindEmergency: {
		StatePending:  {StateApproved, StateDenied},
		StateApproved: {StateUsed},
	},
}

// decisionStates maps a resolver decision to its outcome state per kind.
var decisionStates = map[Kind]map[Decision]State{
	KindNominee: {
		DecisionAccept:  StateAccepted,
		DecisionDecline: StateDeclined,
	},
	KindTransfer: {
		DecisionApprove: StateApproved,
		DecisionDeny:    StateDenied,
	},
	KindEmergency: {
		DecisionApprove: StateApproved,
		DecisionDeny:    StateDenied,
	},
}

// CanTransition reports whether from -> to is legal for the kind.
func CanTransition(kind Kind, from, to State) bool {
	for _, next := range transitions[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state has no outgoing edges for the kind.
func Terminal(kind Kind, s State) bool {
	return len(transitions[kind][s]) == 0
}

// DecisionState resolves the outcome state for a decision on the kind.
// Returns ErrValidation when the decision does not apply to the kind.
func DecisionState(kind Kind, d Decision) (State, error) {
	state, ok := decisionStates[kind][d]
	if !ok {
		return "", ErrValidation
	}
	return state, nil
}

// ValidKind reports whether k names a known grant kind.
func ValidKind(k Kind) bool {
	_, ok := transitions[k]
	return ok
}
