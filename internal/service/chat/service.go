// Package chat keeps the client's view of conversations consistent with the
// relay: which room is joined, the reconciled message list, and who is typing.
//
// Every type here is owned by the realtime event loop and is not safe for
// concurrent use.
package chat

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/zhouzirui/chatsync/internal/service/realtime"
)

var (
	ErrConversationRequired = errors.New("conversation id is required")
	ErrEmptyContent         = errors.New("message content is empty")
	ErrUnknownLocalID       = errors.New("no pending message with that local id")
)

// Sender delivers envelopes over the realtime connection.
// It reports false when the connection is not open.
type Sender interface {
	Send(env realtime.Envelope) bool
}

type observer[T any] struct {
	id int
	fn func(T)
}

// observers is an ordered subscriber list; emit tolerates subscribe and
// unsubscribe from inside a callback.
type observers[T any] struct {
	seq  int
	list []observer[T]
}

func (o *observers[T]) add(fn func(T)) func() {
	o.seq++
	id := o.seq
	o.list = append(o.list, observer[T]{id: id, fn: fn})
	return func() {
		o.list = slices.DeleteFunc(o.list, func(ob observer[T]) bool { return ob.id == id })
	}
}

func (o *observers[T]) emit(v T) {
	for _, ob := range slices.Clone(o.list) {
		ob.fn(v)
	}
}
