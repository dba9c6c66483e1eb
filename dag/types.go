// Package dag implements the round-indexed DAG store and the pending/missing
// bookkeeping that track certified consensus nodes on their way into it.
package dag

import (
	"fmt"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multihash"
)

// Digest is a collision-resistant hash uniquely identifying a CertifiedNode.
// It is carried as a multihash, the same content-addressing primitive the
// rest of the storetheindex stack keys its caches on.
type Digest = multihash.Multihash

// GenesisRound is the sentinel round number. A node claiming GenesisRound
// must have an empty parent set; it is admitted to the DAG unconditionally.
const GenesisRound uint64 = 0

// ParentRef identifies one immediate ancestor of a CertifiedNode: the peer
// that authored it and its digest.
type ParentRef struct {
	Peer   peer.ID
	Digest Digest
}

// DigestKey returns a value usable as a map key for a Digest. multihash.Multihash
// is a []byte, so it must be converted to a string before it can key a map.
func DigestKey(d Digest) string {
	return string(d)
}

// CertifiedNode is a consensus node that has already gathered a quorum of
// signatures via reliable broadcast. The driver consumes it as-is; no
// signature verification happens at this layer.
type CertifiedNode struct {
	Source  peer.ID
	Round   uint64
	Digest  Digest
	Parents []ParentRef
}

func (n CertifiedNode) String() string {
	return fmt.Sprintf("node(source=%s round=%d digest=%s)", n.Source, n.Round, n.Digest.B58String())
}

// CertifiedNodeAck acknowledges receipt of a certified node.
type CertifiedNodeAck struct {
	Digest Digest
	Acker  peer.ID
}

// CertifiedNodeRequest asks a peer to send back a specific missing node.
// TraceID correlates a request with its eventual response in logs across
// the fetch/response round trip; it carries no protocol meaning.
type CertifiedNodeRequest struct {
	NodeSource peer.ID
	NodeRound  uint64
	Digest     Digest
	Requester  peer.ID
	TraceID    string
}
