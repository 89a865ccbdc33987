package network

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// bootstrapBackoffMax caps the delay between reconnect attempts to a seed peer.
const bootstrapBackoffMax = 30 * time.Second

// Bootstrap connects to id/addr and keeps retrying with exponential backoff
// (capped at bootstrapBackoffMax) until it succeeds or ctx is cancelled.
// There is no separate sync round trip: once connected, the new peer
// receives the wishlist deltas the consensus worker broadcasts after that
// point (spec.md §4.3). Hashes that were already on the wishlist before the
// connection are not re-sent to it.
func (n *Node) Bootstrap(ctx context.Context, id, addr string) {
	backoff := time.Second
	for {
		if err := n.AddPeer(id, addr); err == nil {
			return
		} else {
			n.logger.Warn("bootstrap connect failed, retrying",
				zap.String("peer", id), zap.String("addr", addr), zap.Duration("backoff", backoff), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > bootstrapBackoffMax {
			backoff = bootstrapBackoffMax
		}
	}
}
