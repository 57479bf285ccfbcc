package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"symfleet/internal/msg"
)

// inboxDepth bounds how many undelivered messages a node can hold. The
// protocol keeps at most a handful in flight per pair, so this never fills
// in practice; it exists so a stuck receiver surfaces as backpressure
// rather than unbounded growth.
const inboxDepth = 1024

// Mesh is an in-process fleet transport. Every rank gets an endpoint whose
// inbox is a single buffered channel; because each node sends from one
// goroutine, per-pair FIFO order is preserved by construction.
type Mesh struct {
	size    int
	inboxes []chan msg.Message

	done      chan struct{}
	closeOnce sync.Once
	abortCode atomic.Int32
	aborted   atomic.Bool
}

// NewMesh creates an in-process transport for a fleet of the given size.
func NewMesh(size int) (*Mesh, error) {
	if size < MinFleetSize {
		return nil, fmt.Errorf("transport: fleet size %d below minimum %d", size, MinFleetSize)
	}
	m := &Mesh{
		size:    size,
		inboxes: make([]chan msg.Message, size),
		done:    make(chan struct{}),
	}
	for i := range m.inboxes {
		m.inboxes[i] = make(chan msg.Message, inboxDepth)
	}
	return m, nil
}

// Endpoint returns the Comm for the given rank.
func (m *Mesh) Endpoint(rank int) Comm {
	return &meshEndpoint{mesh: m, rank: rank}
}

// Aborted reports whether any endpoint aborted the fleet, and the code.
func (m *Mesh) Aborted() (bool, int) {
	return m.aborted.Load(), int(m.abortCode.Load())
}

// Done is closed when the fleet is aborted or shut down.
func (m *Mesh) Done() <-chan struct{} {
	return m.done
}

func (m *Mesh) shutdown(code int, abort bool) {
	m.closeOnce.Do(func() {
		if abort {
			m.abortCode.Store(int32(code))
			m.aborted.Store(true)
		}
		close(m.done)
	})
}

type meshEndpoint struct {
	mesh *Mesh
	rank int
}

func (e *meshEndpoint) Rank() int { return e.rank }
func (e *meshEndpoint) Size() int { return e.mesh.size }

func (e *meshEndpoint) Send(to int, tag msg.Tag, payload []byte) error {
	if to < 0 || to >= e.mesh.size {
		return fmt.Errorf("transport: send to rank %d outside fleet of %d", to, e.mesh.size)
	}
	if len(payload) == 0 {
		return fmt.Errorf("transport: zero-length payload (tag %s)", tag)
	}
	// Own the bytes: senders reuse buffers.
	p := make([]byte, len(payload))
	copy(p, payload)
	select {
	case e.mesh.inboxes[to] <- msg.Message{Tag: tag, Source: e.rank, Payload: p}:
		return nil
	case <-e.mesh.done:
		return ErrClosed
	}
}

func (e *meshEndpoint) Recv(ctx context.Context) (msg.Message, error) {
	select {
	case m := <-e.mesh.inboxes[e.rank]:
		return m, nil
	case <-ctx.Done():
		return msg.Message{}, ctx.Err()
	case <-e.mesh.done:
		// Drain anything already queued before reporting closure.
		select {
		case m := <-e.mesh.inboxes[e.rank]:
			return m, nil
		default:
			return msg.Message{}, ErrClosed
		}
	}
}

func (e *meshEndpoint) Poll() (msg.Message, bool) {
	select {
	case m := <-e.mesh.inboxes[e.rank]:
		return m, true
	default:
		return msg.Message{}, false
	}
}

func (e *meshEndpoint) Abort(code int) {
	e.mesh.shutdown(code, true)
}

func (e *meshEndpoint) Close() error {
	return nil
}
