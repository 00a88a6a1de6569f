// bridge/fake.go
package bridge

import "sync"

// Published is one message recorded by FakePublisher.
type Published struct {
	Topic    string
	Retained bool
	Payload  []byte
}

// FakePublisher records published messages for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	// Messages contains everything that was published, in order.
	Messages []Published

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

func (f *FakePublisher) Publish(topic string, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Messages = append(f.Messages, Published{Topic: topic, Retained: retained, Payload: payload})
	return nil
}

func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Snapshot returns a copy of the recorded messages.
func (f *FakePublisher) Snapshot() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Published, len(f.Messages))
	copy(out, f.Messages)
	return out
}
