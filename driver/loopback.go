package driver

import (
	"context"

	"github.com/filecoin-project/dagdriver/dag"
	"github.com/libp2p/go-libp2p-core/peer"
)

// LoopbackNetworkSender is a NetworkSender that feeds certified-node and
// node-request sends back into its own Driver's event channel instead of
// going over the wire; acks are only logged. It is used by the synthetic
// CLI command and the daemon command.
type LoopbackNetworkSender struct {
	events chan<- VerifiedEvent
}

// NewLoopbackNetworkSender wires sender's sends back onto events. Callers
// normally pass a Driver's own Events() channel so that sent nodes and
// requests reappear as if received from a peer.
func NewLoopbackNetworkSender(events chan<- VerifiedEvent) *LoopbackNetworkSender {
	return &LoopbackNetworkSender{events: events}
}

// SendCertifiedNode, SendCertifiedNodeRequest, and the events channel they
// both write to are drained by the very same Run goroutine that calls
// them (via handleNodeRequest/remoteFetchMissingNodes): an in-line blocking
// send on the unbuffered events channel would deadlock the loop against
// itself the moment there was no other goroutine left to receive it. Each
// send is therefore dispatched from its own goroutine, decoupling the
// delivery wait from the caller's goroutine.
func (l *LoopbackNetworkSender) SendCertifiedNode(ctx context.Context, node dag.CertifiedNode, _ []peer.ID, ackRequired bool) error {
	go func() {
		select {
		case l.events <- CertifiedNodeMsg{Node: node, AckRequired: ackRequired}:
		case <-ctx.Done():
		}
	}()
	return nil
}

func (l *LoopbackNetworkSender) SendCertifiedNodeAck(ctx context.Context, ack dag.CertifiedNodeAck, to peer.ID) error {
	log.Debugw("Loopback ack delivered", "digest", ack.Digest.B58String(), "to", to)
	return nil
}

func (l *LoopbackNetworkSender) SendCertifiedNodeRequest(ctx context.Context, req dag.CertifiedNodeRequest, _ []peer.ID) error {
	go func() {
		select {
		case l.events <- CertifiedNodeRequestMsg{Request: req}:
		case <-ctx.Done():
		}
	}()
	return nil
}
