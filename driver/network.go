package driver

import (
	"context"

	"github.com/filecoin-project/dagdriver/dag"
	"github.com/libp2p/go-libp2p-core/peer"
)

// NetworkSender is the send-only capability the driver uses to talk to
// peers. It is supplied by an external reliable-broadcast/transport layer;
// the driver never constructs one itself. Every method may suspend (it is
// the only kind of call site in the driver that may), so sends belong at
// the end of a handler, after state has settled.
type NetworkSender interface {
	// SendCertifiedNode unicasts node to recipients (or broadcasts if
	// recipients is empty), used to serve fetch responses.
	SendCertifiedNode(ctx context.Context, node dag.CertifiedNode, recipients []peer.ID, ackRequired bool) error

	// SendCertifiedNodeAck unicasts an ack to the node's author.
	SendCertifiedNodeAck(ctx context.Context, ack dag.CertifiedNodeAck, to peer.ID) error

	// SendCertifiedNodeRequest unicasts a fetch request to each of peers.
	SendCertifiedNodeRequest(ctx context.Context, req dag.CertifiedNodeRequest, peers []peer.ID) error
}
