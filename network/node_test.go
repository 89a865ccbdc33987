package network_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tolelom/tolchain/models"
	"github.com/tolelom/tolchain/network"
	"github.com/tolelom/tolchain/protocol"
)

// freeAddr reserves an ephemeral port and immediately releases it, so a
// network.Node can be told to listen on a known, currently-free address.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startNode(t *testing.T) (*network.Node, string) {
	t.Helper()
	addr := freeAddr(t)
	n := network.NewNode("node-"+addr, addr, nil, zap.NewNop())
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	return n, addr
}

func waitForEvent(t *testing.T, events <-chan protocol.Event) protocol.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound event")
		return protocol.Event{}
	}
}

func TestNodeIntegratedBlockDeliversReceivedBlockEventToPeer(t *testing.T) {
	n1, _ := startNode(t)
	n2, addr2 := startNode(t)

	require.NoError(t, n1.AddPeer("n2", addr2))

	block := models.NewBlock(models.Slot{Period: 1, Thread: 0}, []models.Hash{models.ZeroHash}, nil, nil)
	require.NoError(t, n1.IntegratedBlock(block.Header.Hash(), block))

	ev := waitForEvent(t, n2.Events())
	require.NotNil(t, ev.ReceivedBlock)
	require.Equal(t, block.Header.Hash(), ev.ReceivedBlock.Hash)
}

func TestNodeWishlistDeltaEmitsGetBlockRequestsOnPeer(t *testing.T) {
	n1, _ := startNode(t)
	n2, addr2 := startNode(t)

	require.NoError(t, n1.AddPeer("n2", addr2))

	missing := models.HashData([]byte("missing"))
	require.NoError(t, n1.SendWishlistDelta([]models.Hash{missing}, nil))

	ev := waitForEvent(t, n2.Events())
	require.NotNil(t, ev.GetBlock)
	require.Equal(t, missing, ev.GetBlock.Hash)
}

func TestNodeAddPeerRegistersConnectedPeer(t *testing.T) {
	n1, _ := startNode(t)
	_, addr2 := startNode(t)

	require.NoError(t, n1.AddPeer("n2", addr2))
	require.NotNil(t, n1.Peer("n2"))
	require.Nil(t, n1.Peer("no-such-peer"))
}

func TestBootstrapConnectsOnceTargetIsUp(t *testing.T) {
	n1, _ := startNode(t)
	_, addr2 := startNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n1.Bootstrap(ctx, "n2", addr2)

	require.NotNil(t, n1.Peer("n2"))
}

func TestBootstrapStopsRetryingWhenContextCancelled(t *testing.T) {
	n1, _ := startNode(t)
	unreachable := freeAddr(t) // nothing listening on this address

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n1.Bootstrap(ctx, "ghost", unreachable)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Bootstrap did not return promptly after context cancellation")
	}
}
