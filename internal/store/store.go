// Package store implements the three-stage folder state machine the relay
// runs on: drafts, inbox, sent. The folders are the only shared mutable
// resource between the client and server processes; every coordination
// guarantee the relay makes reduces to the durability and atomicity rules
// enforced here.
package store

import "errors"

// State is a message's lifecycle stage, tagged by its folder location.
type State string

const (
	// StateDrafts holds messages the client is still writing.
	StateDrafts State = "drafts"
	// StateInbox holds messages handed off to the server and not yet processed.
	StateInbox State = "inbox"
	// StateSent holds completed messages with the response embedded.
	StateSent State = "sent"
)

// States lists the lifecycle stages in transition order.
var States = []State{StateDrafts, StateInbox, StateSent}

// ErrNotExist is returned when a named message file is absent from the
// requested state.
var ErrNotExist = errors.New("store: message does not exist")

// Store is the folder state machine behind both relay services. Messages
// move drafts -> inbox -> sent and never backwards. Implementations must
// guarantee that a file visible through List or Read is fully written:
// WriteDurable publishes atomically, so a concurrent watcher never observes
// a partial message.
type Store interface {
	// List returns the message filenames currently in a state, in no
	// particular order. A state that has never been written to lists empty.
	List(env string, st State) ([]string, error)

	// Read returns the contents of a message file, or ErrNotExist.
	Read(env string, st State, name string) ([]byte, error)

	// WriteDurable writes a message file so that it becomes visible all at
	// once. Writing a name that already exists replaces it.
	WriteDurable(env string, st State, name string, data []byte) error

	// Move relocates a message between states without rewriting it.
	// Returns ErrNotExist when the source file is absent.
	Move(env string, from, to State, name string) error

	// Exists reports whether a message file is present in a state.
	Exists(env string, st State, name string) (bool, error)

	// Remove deletes a message file. Removing an absent file is not an
	// error; concurrent consumers may have already claimed it.
	Remove(env string, st State, name string) error
}

// Pathed is implemented by stores whose states live at real filesystem
// paths, letting watchers subscribe to change notifications on them.
type Pathed interface {
	// StatePath returns the directory backing a state.
	StatePath(env string, st State) string
}
