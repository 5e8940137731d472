package shared

// StateMachine maps a status and action to the resulting status.
type StateMachine[S ~string, A ~string] map[S]map[A]S

// Next resolves the status reached by applying action from current.
func (m StateMachine[S, A]) Next(current S, action A) (S, bool) {
	actions, ok := m[current]
	if !ok {
		var zero S
		return zero, false
	}
	next, ok := actions[action]
	return next, ok
}

// Allows reports whether action may be applied from current.
func (m StateMachine[S, A]) Allows(current S, action A) bool {
	_, ok := m.Next(current, action)
	return ok
}
