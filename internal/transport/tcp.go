package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"symfleet/internal/msg"
)

// The TCP transport realises the fleet as one process per rank. The
// protocol is strictly star-shaped (all traffic passes through the
// master), so only rank 0 listens and every other rank holds a single
// connection to it. A reader goroutine per connection feeds the node's
// inbox; writes are serialised per connection, which preserves per-pair
// FIFO on both directions.

const dialRetryInterval = 200 * time.Millisecond

// tcpNode is the common endpoint state for both the hub and the spokes.
type tcpNode struct {
	rank  int
	size  int
	inbox chan msg.Message

	mu    sync.Mutex
	conns map[int]*tcpConn

	done      chan struct{}
	closeOnce sync.Once
}

type tcpConn struct {
	c  net.Conn
	bw *bufio.Writer
	mu sync.Mutex
}

func (tc *tcpConn) write(m msg.Message) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if err := msg.Write(tc.bw, m); err != nil {
		return err
	}
	return tc.bw.Flush()
}

// ListenMaster binds the master endpoint and waits until every other rank
// has connected and identified itself.
func ListenMaster(ctx context.Context, addr string, size int) (Comm, error) {
	if size < MinFleetSize {
		return nil, fmt.Errorf("transport: fleet size %d below minimum %d", size, MinFleetSize)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	defer ln.Close()

	n := &tcpNode{
		rank:  MasterRank,
		size:  size,
		inbox: make(chan msg.Message, inboxDepth),
		conns: make(map[int]*tcpConn, size-1),
		done:  make(chan struct{}),
	}
	for len(n.conns) < size-1 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := ln.Accept()
		if err != nil {
			return nil, fmt.Errorf("transport: accept: %w", err)
		}
		peer, err := readHello(c)
		if err != nil || peer <= MasterRank || peer >= size {
			c.Close()
			continue
		}
		tc := &tcpConn{c: c, bw: bufio.NewWriter(c)}
		n.mu.Lock()
		if _, dup := n.conns[peer]; dup {
			n.mu.Unlock()
			c.Close()
			continue
		}
		n.conns[peer] = tc
		n.mu.Unlock()
		go n.readLoop(tc)
	}
	return n, nil
}

// DialNode connects a non-master rank to the master, retrying until the
// master is listening or ctx expires.
func DialNode(ctx context.Context, masterAddr string, rank, size int) (Comm, error) {
	if rank <= MasterRank || rank >= size {
		return nil, fmt.Errorf("transport: rank %d invalid for fleet of %d", rank, size)
	}
	var c net.Conn
	var err error
	for {
		c, err = (&net.Dialer{}).DialContext(ctx, "tcp", masterAddr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transport: dial %s: %w", masterAddr, err)
		case <-time.After(dialRetryInterval):
		}
	}
	if err := writeHello(c, rank); err != nil {
		c.Close()
		return nil, err
	}
	n := &tcpNode{
		rank:  rank,
		size:  size,
		inbox: make(chan msg.Message, inboxDepth),
		conns: make(map[int]*tcpConn, 1),
		done:  make(chan struct{}),
	}
	tc := &tcpConn{c: c, bw: bufio.NewWriter(c)}
	n.conns[MasterRank] = tc
	go n.readLoop(tc)
	return n, nil
}

// hello frame: 4-byte big-endian rank, sent once by the dialing side.
func writeHello(c net.Conn, rank int) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(rank))
	_, err := c.Write(b[:])
	if err != nil {
		return fmt.Errorf("transport: hello: %w", err)
	}
	return nil
}

func readHello(c net.Conn) (int, error) {
	var b [4]byte
	if _, err := io.ReadFull(c, b[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(b[:])), nil
}

func (n *tcpNode) readLoop(tc *tcpConn) {
	br := bufio.NewReader(tc.c)
	for {
		m, err := msg.Read(br)
		if err != nil {
			// Peer gone: on abort paths the whole fleet is coming down.
			n.shutdown()
			return
		}
		select {
		case n.inbox <- m:
		case <-n.done:
			return
		}
	}
}

func (n *tcpNode) shutdown() {
	n.closeOnce.Do(func() {
		close(n.done)
		n.mu.Lock()
		for _, tc := range n.conns {
			tc.c.Close()
		}
		n.mu.Unlock()
	})
}

func (n *tcpNode) Rank() int { return n.rank }
func (n *tcpNode) Size() int { return n.size }

func (n *tcpNode) Send(to int, tag msg.Tag, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("transport: zero-length payload (tag %s)", tag)
	}
	n.mu.Lock()
	tc, ok := n.conns[to]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no route from rank %d to rank %d", n.rank, to)
	}
	return tc.write(msg.Message{Tag: tag, Source: n.rank, Payload: payload})
}

func (n *tcpNode) Recv(ctx context.Context) (msg.Message, error) {
	select {
	case m := <-n.inbox:
		return m, nil
	case <-ctx.Done():
		return msg.Message{}, ctx.Err()
	case <-n.done:
		select {
		case m := <-n.inbox:
			return m, nil
		default:
			return msg.Message{}, ErrClosed
		}
	}
}

func (n *tcpNode) Poll() (msg.Message, bool) {
	select {
	case m := <-n.inbox:
		return m, true
	default:
		return msg.Message{}, false
	}
}

// Abort tears the fleet down non-gracefully: connections drop, every peer's
// read loop observes closure, and this process exits non-zero.
func (n *tcpNode) Abort(code int) {
	n.shutdown()
	os.Exit(code)
}

func (n *tcpNode) Close() error {
	n.shutdown()
	return nil
}
