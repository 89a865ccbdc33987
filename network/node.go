package network

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tolelom/tolchain/models"
	"github.com/tolelom/tolchain/protocol"
)

// DefaultMaxPeers is the default limit on simultaneous peer connections.
const DefaultMaxPeers = 50

// DefaultEventBuffer sizes the channel Node hands to the consensus worker
// as its protocol.Inbound source.
const DefaultEventBuffer = 256

// Node listens for incoming peers, manages outgoing connections, and
// translates between the wire Message catalogue and protocol.Event/
// protocol.Outbound (spec.md §6). It implements both protocol.Outbound
// and protocol.Inbound behind a narrow interface boundary instead of a
// direct dependency.
type Node struct {
	nodeID     string
	listenAddr string
	tlsConfig  *tls.Config // nil → plain TCP
	maxPeers   int
	logger     *zap.Logger

	mu    sync.RWMutex
	peers map[string]*Peer

	events chan protocol.Event

	listener net.Listener
	stopCh   chan struct{}
}

var _ protocol.Outbound = (*Node)(nil)
var _ protocol.Inbound = (*Node)(nil)

// NewNode creates a Node that will listen on listenAddr.
// If tlsCfg is non-nil the listener and outgoing connections use TLS.
func NewNode(nodeID, listenAddr string, tlsCfg *tls.Config, logger *zap.Logger) *Node {
	return &Node{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		tlsConfig:  tlsCfg,
		maxPeers:   DefaultMaxPeers,
		logger:     logger.Named("network"),
		peers:      make(map[string]*Peer),
		events:     make(chan protocol.Event, DefaultEventBuffer),
		stopCh:     make(chan struct{}),
	}
}

// Events implements protocol.Inbound.
func (n *Node) Events() <-chan protocol.Event {
	return n.events
}

// emit pushes evt to the event channel without blocking forever; a full
// buffer means the consensus worker has fallen behind, so the oldest
// guarantee we can make is "don't wedge the reader goroutine".
func (n *Node) emit(evt protocol.Event) {
	select {
	case n.events <- evt:
	case <-time.After(5 * time.Second):
		n.logger.Warn("event channel full, dropping inbound event")
	}
}

// Start begins accepting connections.
func (n *Node) Start() error {
	var ln net.Listener
	var err error
	if n.tlsConfig != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

// Stop shuts down the node.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Close()
	}
}

// AddPeer dials addr and registers the peer.
func (n *Node) AddPeer(id, addr string) error {
	peer, err := Connect(id, addr, n.tlsConfig)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.peers[id] = peer
	n.mu.Unlock()
	go n.readLoop(peer)

	if err := peer.Send(Message{Type: MsgHello, Payload: []byte(n.nodeID)}); err != nil {
		n.logger.Warn("send hello failed", zap.String("peer", id), zap.Error(err))
	}
	return nil
}

// Peer returns the connected peer with the given id, or nil if not found.
func (n *Node) Peer(id string) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[id]
}

// Broadcast sends msg to all connected peers.
func (n *Node) Broadcast(msg Message) {
	n.mu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.RUnlock()
	for _, p := range peers {
		if err := p.Send(msg); err != nil {
			n.logger.Warn("broadcast failed", zap.String("peer", p.ID), zap.Error(err))
		}
	}
}

// IntegratedBlock implements protocol.Outbound: newly-activated blocks are
// gossiped in full to every peer.
func (n *Node) IntegratedBlock(hash models.Hash, block *models.Block) error {
	n.Broadcast(Message{Type: MsgBlock, Payload: models.EncodeBlock(nil, *block)})
	return nil
}

// NotifyBlockAttack implements protocol.Outbound.
func (n *Node) NotifyBlockAttack(hash models.Hash) error {
	n.Broadcast(Message{Type: MsgAttack, Payload: append([]byte(nil), hash[:]...)})
	return nil
}

// SendWishlistDelta implements protocol.Outbound: peers that see an
// "added" hash we don't have are expected to answer with MsgFoundBlock.
func (n *Node) SendWishlistDelta(added, removed []models.Hash) error {
	var buf []byte
	buf = append(buf, encodeHashList(added)...)
	buf = append(buf, encodeHashList(removed)...)
	n.Broadcast(Message{Type: MsgWishlist, Payload: buf})
	return nil
}

// FoundBlock implements protocol.Outbound: answers a peer's GetBlock
// request. The wire protocol has no per-peer reply path (spec.md §6 keeps
// the interface symmetric with IntegratedBlock), so the answer is
// broadcast; every peer not waiting on hash just ignores it.
func (n *Node) FoundBlock(hash models.Hash, block *models.Block) error {
	buf := append([]byte(nil), hash[:]...)
	buf = models.EncodeBlock(buf, *block)
	n.Broadcast(Message{Type: MsgFoundBlock, Payload: buf})
	return nil
}

// BlockNotFound implements protocol.Outbound.
func (n *Node) BlockNotFound(hash models.Hash) error {
	n.Broadcast(Message{Type: MsgBlockNotFound, Payload: append([]byte(nil), hash[:]...)})
	return nil
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				n.logger.Warn("accept error", zap.Error(err))
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		n.mu.RLock()
		peerCount := len(n.peers)
		n.mu.RUnlock()
		if peerCount >= n.maxPeers {
			n.logger.Warn("max peers reached, rejecting connection",
				zap.Int("max_peers", n.maxPeers), zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		peer := NewPeer(conn.RemoteAddr().String(), conn.RemoteAddr().String(), conn)
		n.mu.Lock()
		n.peers[peer.ID] = peer
		n.mu.Unlock()
		go n.readLoop(peer)
	}
}

func (n *Node) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("readLoop panic", zap.String("peer", peer.ID), zap.Any("recover", r))
		}
		peer.Close()
		n.mu.Lock()
		delete(n.peers, peer.ID)
		n.mu.Unlock()
	}()
	for {
		msg, err := peer.Receive()
		if err != nil {
			return
		}
		n.dispatch(peer, msg)
	}
}

func (n *Node) dispatch(peer *Peer, msg Message) {
	switch msg.Type {
	case MsgHello:
		n.logger.Debug("peer hello", zap.String("peer", peer.ID), zap.ByteString("node_id", msg.Payload))

	case MsgHeader:
		header, _, err := models.DecodeHeader(msg.Payload)
		if err != nil {
			n.logger.Debug("decode header failed", zap.String("peer", peer.ID), zap.Error(err))
			return
		}
		hash := header.Hash()
		n.emit(protocol.Event{ReceivedBlockHeader: &protocol.ReceivedBlockHeader{Hash: hash, Header: &header}})

	case MsgBlock, MsgFoundBlock:
		payload := msg.Payload
		if msg.Type == MsgFoundBlock {
			if len(payload) < models.HashSize {
				n.logger.Debug("found_block payload too short", zap.String("peer", peer.ID))
				return
			}
			payload = payload[models.HashSize:]
		}
		block, _, err := models.DecodeBlock(payload)
		if err != nil {
			n.logger.Debug("decode block failed", zap.String("peer", peer.ID), zap.Error(err))
			return
		}
		hash := block.Header.Hash()
		n.emit(protocol.Event{ReceivedBlock: &protocol.ReceivedBlock{Hash: hash, Block: &block}})

	case MsgTx:
		op, _, err := models.DecodeOperation(msg.Payload)
		if err != nil {
			n.logger.Debug("decode operation failed", zap.String("peer", peer.ID), zap.Error(err))
			return
		}
		n.emit(protocol.Event{ReceivedTransaction: &protocol.ReceivedTransaction{Operation: &op}})

	case MsgGetBlock:
		hash, err := decodeHash(msg.Payload)
		if err != nil {
			n.logger.Debug("decode get_block failed", zap.String("peer", peer.ID), zap.Error(err))
			return
		}
		n.emit(protocol.Event{GetBlock: &protocol.GetBlockRequest{Hash: hash}})

	case MsgBlockNotFound, MsgAttack:
		// informational only: nothing in the worker currently consumes a
		// peer's own not-found/attack reports.

	case MsgWishlist:
		added, _, err := decodeHashList(msg.Payload)
		if err != nil {
			n.logger.Debug("decode wishlist failed", zap.String("peer", peer.ID), zap.Error(err))
			return
		}
		for _, h := range added {
			n.emit(protocol.Event{GetBlock: &protocol.GetBlockRequest{Hash: h}})
		}

	default:
		n.logger.Debug("unknown message type", zap.String("peer", peer.ID), zap.Uint8("type", uint8(msg.Type)))
	}
}

// BroadcastTx serialises op and sends it to all peers.
func (n *Node) BroadcastTx(op *models.Operation) {
	n.Broadcast(Message{Type: MsgTx, Payload: models.EncodeOperation(nil, *op)})
}

// BroadcastHeader serialises header and sends it to all peers.
func (n *Node) BroadcastHeader(header *models.BlockHeader) {
	n.Broadcast(Message{Type: MsgHeader, Payload: models.EncodeHeader(nil, *header)})
}

func encodeHashList(hashes []models.Hash) []byte {
	buf := make([]byte, 4, 4+len(hashes)*models.HashSize)
	binary.BigEndian.PutUint32(buf, uint32(len(hashes)))
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	return buf
}

func decodeHashList(buf []byte) ([]models.Hash, int, error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("decode hash list: short buffer")
	}
	count := binary.BigEndian.Uint32(buf)
	total := 4
	buf = buf[4:]
	need := int(count) * models.HashSize
	if len(buf) < need {
		return nil, 0, fmt.Errorf("decode hash list: need %d bytes have %d", need, len(buf))
	}
	out := make([]models.Hash, count)
	for i := range out {
		copy(out[i][:], buf[:models.HashSize])
		buf = buf[models.HashSize:]
	}
	total += need
	return out, total, nil
}

func decodeHash(buf []byte) (models.Hash, error) {
	var h models.Hash
	if len(buf) < models.HashSize {
		return h, fmt.Errorf("decode hash: short buffer")
	}
	copy(h[:], buf[:models.HashSize])
	return h, nil
}
