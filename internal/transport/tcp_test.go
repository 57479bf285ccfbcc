package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symfleet/internal/msg"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// dialFleet brings up a master endpoint and dials every other rank.
func dialFleet(t *testing.T, size int) (Comm, []Comm) {
	t.Helper()
	addr := freeAddr(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	var (
		mu    sync.Mutex
		nodes = make([]Comm, 0, size-1)
		wg    sync.WaitGroup
	)
	for rank := 1; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			c, err := DialNode(ctx, addr, rank, size)
			if err != nil {
				t.Errorf("dial rank %d: %v", rank, err)
				return
			}
			mu.Lock()
			nodes = append(nodes, c)
			mu.Unlock()
		}(rank)
	}

	masterComm, err := ListenMaster(ctx, addr, size)
	require.NoError(t, err)
	wg.Wait()
	require.Len(t, nodes, size-1)

	t.Cleanup(func() {
		masterComm.Close()
		for _, n := range nodes {
			n.Close()
		}
	})
	return masterComm, nodes
}

func TestTCPRoundTrip(t *testing.T) {
	masterComm, nodes := dialFleet(t, 3)

	var workerComm Comm
	for _, n := range nodes {
		if n.Rank() == 2 {
			workerComm = n
		}
	}
	require.NotNil(t, workerComm)

	require.NoError(t, masterComm.Send(2, msg.StartPrefixTask, []byte("01101")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := workerComm.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.StartPrefixTask, m.Tag)
	assert.Equal(t, MasterRank, m.Source)
	assert.Equal(t, "01101", string(m.Payload))

	require.NoError(t, workerComm.Send(MasterRank, msg.Finish, msg.Pad()))
	m, err = masterComm.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.Finish, m.Tag)
	assert.Equal(t, 2, m.Source)
}

func TestTCPPerPairFIFO(t *testing.T) {
	masterComm, nodes := dialFleet(t, 3)
	worker := nodes[0]

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, worker.Send(MasterRank, msg.ReadyToOffload, []byte(fmt.Sprintf("%d", i))))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		m, err := masterComm.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d", i), string(m.Payload))
	}
}

func TestTCPNoRouteBetweenWorkers(t *testing.T) {
	_, nodes := dialFleet(t, 4)
	// The protocol is star-shaped: workers have no route to each other.
	var w Comm
	for _, n := range nodes {
		if n.Rank() == 2 {
			w = n
		}
	}
	require.NotNil(t, w)
	assert.Error(t, w.Send(3, msg.Finish, msg.Pad()))
}

func TestDialNodeRejectsBadRank(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := DialNode(ctx, "127.0.0.1:1", 0, 4)
	assert.Error(t, err)
	_, err = DialNode(ctx, "127.0.0.1:1", 4, 4)
	assert.Error(t, err)
}
