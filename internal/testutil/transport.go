package testutil

import (
	"encoding/json"
	"sync"

	"github.com/zhouzirui/chatsync/internal/service/realtime"
)

// FakeDialer records every transport it hands out. Dial never emits events;
// tests drive them through the returned FakeTransport.
type FakeDialer struct {
	mu         sync.Mutex
	transports []*FakeTransport
}

func (d *FakeDialer) Dial(url string, sink realtime.EventSink) realtime.Transport {
	t := &FakeTransport{URL: url, sink: sink}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t
}

// Count returns how many transports were dialed.
func (d *FakeDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

// Last returns the most recently dialed transport, or nil.
func (d *FakeDialer) Last() *FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// At returns the i-th dialed transport.
func (d *FakeDialer) At(i int) *FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

// TotalSent counts frames sent across every transport.
func (d *FakeDialer) TotalSent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.transports {
		n += len(t.Sent())
	}
	return n
}

// FakeTransport is an in-memory realtime.Transport.
type FakeTransport struct {
	URL     string
	SendErr error

	sink realtime.EventSink

	mu          sync.Mutex
	sent        [][]byte
	closed      bool
	closeCode   int
	closeReason string
}

func (t *FakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return realtime.ErrNotConnected
	}
	if t.SendErr != nil {
		return t.SendErr
	}
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

func (t *FakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.closeCode = code
	t.closeReason = reason
	return nil
}

// Open reports the connection as established.
func (t *FakeTransport) Open() {
	t.sink(t, realtime.Event{Kind: realtime.EventOpen})
}

// Deliver reports an inbound envelope.
func (t *FakeTransport) Deliver(env realtime.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	t.DeliverRaw(data)
}

// DeliverRaw reports an inbound frame as is.
func (t *FakeTransport) DeliverRaw(data []byte) {
	t.sink(t, realtime.Event{Kind: realtime.EventMessage, Data: data})
}

// CloseRemote reports a close initiated by the relay or the network.
func (t *FakeTransport) CloseRemote(code int, reason string) {
	t.sink(t, realtime.Event{Kind: realtime.EventClose, Code: code, Reason: reason})
}

// Fail reports a transport error.
func (t *FakeTransport) Fail(err error) {
	t.sink(t, realtime.Event{Kind: realtime.EventError, Err: err})
}

// Closed reports whether the owner closed the transport, with the code it used.
func (t *FakeTransport) Closed() (bool, int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode, t.closeReason
}

// Sent returns a copy of the raw frames written so far.
func (t *FakeTransport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// Envelopes decodes the frames written so far.
func (t *FakeTransport) Envelopes() []realtime.Envelope {
	sent := t.Sent()
	out := make([]realtime.Envelope, 0, len(sent))
	for _, data := range sent {
		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			panic(err)
		}
		out = append(out, env)
	}
	return out
}

// SentTypes lists the type of each frame written so far.
func (t *FakeTransport) SentTypes() []string {
	envs := t.Envelopes()
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.Type
	}
	return out
}

// Reset forgets recorded frames.
func (t *FakeTransport) Reset() {
	t.mu.Lock()
	t.sent = nil
	t.mu.Unlock()
}
