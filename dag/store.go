package dag

import (
	"fmt"

	"github.com/libp2p/go-libp2p-core/peer"
)

// Store is the round-indexed DAG: an ordered sequence of rounds, each round a
// mapping from the node's author to the node itself. At most one node per
// (round, source) pair is ever stored.
//
// Store is not safe for concurrent use; the driver's single event loop owns
// it exclusively, same as storetheindex's rtStorage is owned by one call
// path at a time and never locked across its cache shards from here.
type Store struct {
	rounds []map[peer.ID]CertifiedNode
}

// NewStore creates an empty DAG store. Round 0 (the genesis sentinel) always
// exists so that genesis-adjacent round-1 nodes can be inserted immediately.
func NewStore() *Store {
	return &Store{
		rounds: []map[peer.ID]CertifiedNode{make(map[peer.ID]CertifiedNode)},
	}
}

// Len returns one past the highest round currently covered by the store.
func (s *Store) Len() int {
	return len(s.rounds)
}

// Contains reports whether a node authored by source exists at round.
func (s *Store) Contains(round uint64, source peer.ID) bool {
	if int(round) >= len(s.rounds) {
		return false
	}
	_, ok := s.rounds[round][source]
	return ok
}

// RoundDigests returns the set of digests present at round, keyed by
// DigestKey. It returns an empty set, never nil, for a round not yet seen.
func (s *Store) RoundDigests(round uint64) map[string]struct{} {
	out := make(map[string]struct{})
	if int(round) >= len(s.rounds) {
		return out
	}
	for _, node := range s.rounds[round] {
		out[DigestKey(node.Digest)] = struct{}{}
	}
	return out
}

// Get returns the node authored by source at round, if present.
func (s *Store) Get(round uint64, source peer.ID) (CertifiedNode, bool) {
	if int(round) >= len(s.rounds) {
		return CertifiedNode{}, false
	}
	node, ok := s.rounds[round][source]
	return node, ok
}

// RoundMap returns the full source->node mapping for round, empty if the
// round is not yet covered. Unlike RoundDigests, this exposes the nodes
// themselves; used by the round-readiness check and for building parent
// references for a locally-authored next-round node.
func (s *Store) RoundMap(round uint64) map[peer.ID]CertifiedNode {
	if int(round) >= len(s.rounds) {
		return map[peer.ID]CertifiedNode{}
	}
	out := make(map[peer.ID]CertifiedNode, len(s.rounds[round]))
	for source, node := range s.rounds[round] {
		out[source] = node
	}
	return out
}

// ParentRefs builds the ParentRef set for every node present at round,
// suitable for use as the parent list of a node being authored at round+1.
func (s *Store) ParentRefs(round uint64) []ParentRef {
	if int(round) >= len(s.rounds) {
		return nil
	}
	refs := make([]ParentRef, 0, len(s.rounds[round]))
	for source, node := range s.rounds[round] {
		refs = append(refs, ParentRef{Peer: source, Digest: node.Digest})
	}
	return refs
}

// Insert writes node into the DAG at its round. The sequence must already
// cover round-1; this is the programmer-error assertion called out in
// underflow that would otherwise hit round 0 under a naive round-1 check — the
// genesis round is created by NewStore so a round-1 node's round-0 check
// always holds, and Insert panics rather than underflow if a caller manages
// to violate it.
//
// A duplicate insert (same round+source already present) is a silent no-op,
// duplicates are admitted once and then ignored.
func (s *Store) Insert(node CertifiedNode) {
	round := int(node.Round)
	if round < len(s.rounds) {
		if _, exists := s.rounds[round][node.Source]; exists {
			return
		}
	} else if round > len(s.rounds) {
		panic(fmt.Sprintf("dag store corruption: insert at round %d skips round %d", round, len(s.rounds)))
	} else {
		s.rounds = append(s.rounds, make(map[peer.ID]CertifiedNode))
	}
	s.rounds[round][node.Source] = node
}
