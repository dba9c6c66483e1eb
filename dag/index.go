package dag

import (
	"github.com/libp2p/go-libp2p-core/peer"
)

// PendingEntry is a certified node that has been received but whose
// immediate parents are not all yet in the DAG.
type PendingEntry struct {
	Node                 CertifiedNode
	MissingParentDigests map[string]struct{} // keyed by DigestKey
}

// MissingEntry is bookkeeping for an ancestor digest referenced by one or
// more pending nodes but not yet materialized in the DAG.
type MissingEntry struct {
	NodeSource        peer.ID
	NodeRound         uint64
	Dependents        map[string]struct{} // pending digests (DigestKey) waiting on this one
	PeersToRequest    map[peer.ID]struct{}
	NeedToSendRequest bool
}

// Index holds the pending and missing maps. The two halves reference each
// other only by digest key, never by pointer — promotion is value-moving:
// a node leaves pending and enters the DAG, and its missing entry (if any)
// is destroyed at that point: the two maps reference each other cyclically
// by digest key only, never by pointer.
type Index struct {
	pending map[string]*PendingEntry // keyed by pending node's own DigestKey
	missing map[string]*MissingEntry // keyed by the missing ancestor's DigestKey
}

// NewIndex creates an empty pending/missing index.
func NewIndex() *Index {
	return &Index{
		pending: make(map[string]*PendingEntry),
		missing: make(map[string]*MissingEntry),
	}
}

// PendingLen reports the number of nodes currently parked in pending.
func (idx *Index) PendingLen() int {
	return len(idx.pending)
}

// MissingLen reports the number of distinct missing ancestor digests.
func (idx *Index) MissingLen() int {
	return len(idx.missing)
}

// FetchTargets returns the missing entries that must actually be requested
// from peers (NeedToSendRequest == true), keyed by digest.
func (idx *Index) FetchTargets() map[string]*MissingEntry {
	targets := make(map[string]*MissingEntry)
	for digest, entry := range idx.missing {
		if entry.NeedToSendRequest {
			targets[digest] = entry
		}
	}
	return targets
}

// AddPending records node as pending and, for each missing parent, upserts a
// missing entry. A newly-created missing entry's NeedToSendRequest is true
// iff the parent digest is not already held in pending. An existing missing
// entry for node's own digest stops needing a request, since node is now
// held in pending.
func (idx *Index) AddPending(node CertifiedNode, missingParents []ParentRef) {
	pendingKey := DigestKey(node.Digest)
	missingDigests := make(map[string]struct{}, len(missingParents))
	for _, p := range missingParents {
		missingDigests[DigestKey(p.Digest)] = struct{}{}
	}
	idx.pending[pendingKey] = &PendingEntry{
		Node:                 node,
		MissingParentDigests: missingDigests,
	}
	if entry, ok := idx.missing[pendingKey]; ok {
		entry.NeedToSendRequest = false
	}

	for _, parent := range missingParents {
		parentKey := DigestKey(parent.Digest)
		entry, exists := idx.missing[parentKey]
		if !exists {
			_, alreadyPending := idx.pending[parentKey]
			entry = &MissingEntry{
				NodeSource:        parent.Peer,
				NodeRound:         node.Round - 1,
				Dependents:        make(map[string]struct{}),
				PeersToRequest:    make(map[peer.ID]struct{}),
				NeedToSendRequest: !alreadyPending,
			}
			idx.missing[parentKey] = entry
		}
		entry.Dependents[pendingKey] = struct{}{}
		entry.PeersToRequest[node.Source] = struct{}{}

		idx.propagatePeer(parentKey, node.Source)
	}
}

// propagatePeer walks the missing-entry graph starting from the missing
// parents of the pending node identified by fromDigest (a digest already
// present as a pending entry), adding peer as a fetch hint to every
// fetchable ancestor reachable. For non-fetchable ancestors (already held
// in pending, shadowed by their own missing parents) it recurses into
// their missing parents instead. Implemented as an iterative worklist
// rather than recursively, since the dependency chain can run arbitrarily
// deep.
func (idx *Index) propagatePeer(fromDigest string, peerHint peer.ID) {
	worklist := []string{fromDigest}
	visited := map[string]struct{}{}

	for len(worklist) > 0 {
		digest := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if _, seen := visited[digest]; seen {
			continue
		}
		visited[digest] = struct{}{}

		pendingEntry, isPending := idx.pending[digest]
		if !isPending {
			continue
		}
		for parentDigest := range pendingEntry.MissingParentDigests {
			entry, ok := idx.missing[parentDigest]
			if !ok {
				continue
			}
			if entry.NeedToSendRequest {
				entry.PeersToRequest[peerHint] = struct{}{}
			} else {
				worklist = append(worklist, parentDigest)
			}
		}
	}
}

// OnDAGInsertion is invoked after digest has been inserted into the DAG. It
// returns the pending nodes whose last missing parent has just been
// satisfied, removing the missing entry for digest and clearing digest from
// each dependent's missing-parent set. Callers (the driver's cascade) are
// responsible for inserting the returned nodes into the DAG and recursing.
func (idx *Index) OnDAGInsertion(digest Digest) []CertifiedNode {
	key := DigestKey(digest)
	entry, ok := idx.missing[key]
	if !ok {
		return nil
	}
	delete(idx.missing, key)

	var ready []CertifiedNode
	for dependentKey := range entry.Dependents {
		pendingEntry, ok := idx.pending[dependentKey]
		if !ok {
			// Structural violation: a dependent that isn't in pending anymore.
			// Unreachable if invariants hold.
			continue
		}
		delete(pendingEntry.MissingParentDigests, key)
		if len(pendingEntry.MissingParentDigests) == 0 {
			delete(idx.pending, dependentKey)
			ready = append(ready, pendingEntry.Node)
		}
	}
	return ready
}
