package dag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddPendingSingleMissingParent(t *testing.T) {
	idx := NewIndex()
	author := testPeerID(t)
	parentPeer := testPeerID(t)
	parentDigest := testDigest(t)

	node := CertifiedNode{
		Source:  author,
		Round:   1,
		Digest:  testDigest(t),
		Parents: []ParentRef{{Peer: parentPeer, Digest: parentDigest}},
	}

	idx.AddPending(node, node.Parents)

	if idx.PendingLen() != 1 {
		t.Fatalf("expected one pending node, got %d", idx.PendingLen())
	}
	if idx.MissingLen() != 1 {
		t.Fatalf("expected one missing ancestor, got %d", idx.MissingLen())
	}

	targets := idx.FetchTargets()
	entry, ok := targets[DigestKey(parentDigest)]
	require.True(t, ok, "a brand-new missing entry must need a request sent")
	if entry.NodeSource != parentPeer {
		t.Fatal("missing entry recorded the wrong node source")
	}
	if _, has := entry.PeersToRequest[author]; !has {
		t.Fatal("expected the pending node's author to be recorded as a fetch hint")
	}
}

func TestOnDAGInsertionPromotesReadyNode(t *testing.T) {
	idx := NewIndex()
	parentPeer := testPeerID(t)
	parentDigest := testDigest(t)
	node := CertifiedNode{
		Source:  testPeerID(t),
		Round:   1,
		Digest:  testDigest(t),
		Parents: []ParentRef{{Peer: parentPeer, Digest: parentDigest}},
	}
	idx.AddPending(node, node.Parents)

	ready := idx.OnDAGInsertion(parentDigest)
	require.Len(t, ready, 1)
	if DigestKey(ready[0].Digest) != DigestKey(node.Digest) {
		t.Fatal("promoted node does not match the pending node that was waiting on it")
	}
	if idx.PendingLen() != 0 {
		t.Fatal("promoted node must be removed from pending")
	}
	if idx.MissingLen() != 0 {
		t.Fatal("satisfied missing entry must be removed")
	}
}

func TestOnDAGInsertionWaitsForAllParents(t *testing.T) {
	idx := NewIndex()
	p1, d1 := testPeerID(t), testDigest(t)
	p2, d2 := testPeerID(t), testDigest(t)
	node := CertifiedNode{
		Source: testPeerID(t),
		Round:  1,
		Digest: testDigest(t),
		Parents: []ParentRef{
			{Peer: p1, Digest: d1},
			{Peer: p2, Digest: d2},
		},
	}
	idx.AddPending(node, node.Parents)

	ready := idx.OnDAGInsertion(d1)
	require.Empty(t, ready, "must not promote until every missing parent has arrived")
	if idx.PendingLen() != 1 {
		t.Fatal("node must remain pending with one parent still missing")
	}

	ready = idx.OnDAGInsertion(d2)
	require.Len(t, ready, 1)
	if idx.PendingLen() != 0 {
		t.Fatal("node must be promoted once its last missing parent arrives")
	}
}

func TestOnDAGInsertionUnknownDigestIsNoOp(t *testing.T) {
	idx := NewIndex()
	ready := idx.OnDAGInsertion(testDigest(t))
	require.Empty(t, ready)
}

// A chain of pending nodes (grandchild waiting on child waiting on parent)
// must cascade: satisfying the deepest missing ancestor should not
// immediately promote the grandchild, since the child is still missing too.
func TestChainedPendingDoesNotPromoteOutOfOrder(t *testing.T) {
	idx := NewIndex()

	grandparentPeer, grandparentDigest := testPeerID(t), testDigest(t)
	parentPeer, parentDigest := testPeerID(t), testDigest(t)

	child := CertifiedNode{
		Source:  parentPeer,
		Round:   1,
		Digest:  parentDigest,
		Parents: []ParentRef{{Peer: grandparentPeer, Digest: grandparentDigest}},
	}
	idx.AddPending(child, child.Parents)

	grandchild := CertifiedNode{
		Source:  testPeerID(t),
		Round:   2,
		Digest:  testDigest(t),
		Parents: []ParentRef{{Peer: parentPeer, Digest: parentDigest}},
	}
	idx.AddPending(grandchild, grandchild.Parents)

	if idx.PendingLen() != 2 {
		t.Fatalf("expected both nodes parked in pending, got %d", idx.PendingLen())
	}

	// The grandchild's missing parent (child's digest) is itself pending,
	// so it must not need a direct fetch request: the driver's cascade,
	// not a network round trip, is what will satisfy it.
	if _, needsFetch := idx.FetchTargets()[DigestKey(parentDigest)]; needsFetch {
		t.Fatal("a missing ancestor that is itself pending must not be queued for a network fetch")
	}

	// Satisfying the grandparent promotes only the child; the driver's
	// cascade loop (not this call) is what would promote the grandchild
	// by calling OnDAGInsertion(parentDigest) afterward.
	ready := idx.OnDAGInsertion(grandparentDigest)
	require.Len(t, ready, 1)
	if DigestKey(ready[0].Digest) != DigestKey(child.Digest) {
		t.Fatal("expected the child to be promoted first")
	}

	ready = idx.OnDAGInsertion(parentDigest)
	require.Len(t, ready, 1)
	if DigestKey(ready[0].Digest) != DigestKey(grandchild.Digest) {
		t.Fatal("expected the grandchild to be promoted once the child's digest satisfies it")
	}
	if idx.PendingLen() != 0 || idx.MissingLen() != 0 {
		t.Fatal("expected both indices to be empty after the full cascade")
	}
}

// propagatePeer must add a later-arriving pending node's author as a fetch
// hint for an ancestor it shares transitively through an already-pending
// intermediate node.
func TestPropagatePeerAddsTransitiveFetchHint(t *testing.T) {
	idx := NewIndex()

	grandparentDigest := testDigest(t)
	parentPeer, parentDigest := testPeerID(t), testDigest(t)

	child := CertifiedNode{
		Source:  parentPeer,
		Round:   1,
		Digest:  parentDigest,
		Parents: []ParentRef{{Peer: testPeerID(t), Digest: grandparentDigest}},
	}
	idx.AddPending(child, child.Parents)

	secondAuthor := testPeerID(t)
	grandchild := CertifiedNode{
		Source:  secondAuthor,
		Round:   2,
		Digest:  testDigest(t),
		Parents: []ParentRef{{Peer: parentPeer, Digest: parentDigest}},
	}
	idx.AddPending(grandchild, grandchild.Parents)

	targets := idx.FetchTargets()
	entry, ok := targets[DigestKey(grandparentDigest)]
	require.True(t, ok)
	if _, has := entry.PeersToRequest[secondAuthor]; !has {
		t.Fatal("expected the grandchild's author to be propagated as a fetch hint for the shared grandparent")
	}
}
