package rohc

import "fmt"

// fsmCallback runs as a state transition's side effect.
type fsmCallback func(args []interface{})

// eventDesc is a single row of a state machine's transition table: from
// state "from", on any of "events", move to state "to" and run "cb".
type eventDesc struct {
	from, to string
	events   []string
	cb       fsmCallback
}

// fsm is a small table-driven state machine shared by client and server
// sessions (see client_session.go and server_session.go for their tables).
type fsm struct {
	current string
	table   []eventDesc
}

func (f *fsm) handleEvent(e string, args ...interface{}) error {
	for _, t := range f.table {
		if f.current == t.from {
			for _, event := range t.events {
				if e == event {
					f.current = t.to
					if t.cb != nil {
						t.cb(args)
					}
					return nil
				}
			}
		}
	}
	return fmt.Errorf("no transition defined for event %v in state %v", e, f.current)
}
