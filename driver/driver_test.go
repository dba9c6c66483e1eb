package driver

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/dagdriver/dag"
	"github.com/filecoin-project/dagdriver/internal/policy"
	"github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func testDigest(t *testing.T) dag.Digest {
	t.Helper()
	b := make([]byte, 32)
	_, err := rand.Read(b)
	require.NoError(t, err)
	d, err := multihash.Sum(b, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return d
}

func testPeerID(t *testing.T) peer.ID {
	t.Helper()
	return peer.ID(testDigest(t))
}

// fakeNetwork records every send the driver makes, so tests can inspect
// acks, fetch requests and served nodes without a real transport.
type fakeNetwork struct {
	mu sync.Mutex

	acks     []dag.CertifiedNodeAck
	requests []dag.CertifiedNodeRequest
	sent     []dag.CertifiedNode
}

func (f *fakeNetwork) SendCertifiedNode(_ context.Context, node dag.CertifiedNode, _ []peer.ID, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, node)
	return nil
}

func (f *fakeNetwork) SendCertifiedNodeAck(_ context.Context, ack dag.CertifiedNodeAck, _ peer.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ack)
	return nil
}

func (f *fakeNetwork) SendCertifiedNodeRequest(_ context.Context, req dag.CertifiedNodeRequest, _ []peer.ID) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return nil
}

func (f *fakeNetwork) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeNetwork) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

func (f *fakeNetwork) sentNodes() []dag.CertifiedNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dag.CertifiedNode, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestDriver(t *testing.T, network *fakeNetwork, opts ...Option) *Driver {
	t.Helper()
	persist := NewDatastoreStore(datastore.NewMapDatastore())
	self := testPeerID(t)
	allOpts := append([]Option{WithRetryInterval(20 * time.Millisecond)}, opts...)
	return New(self, network, persist, nil, allOpts...)
}

func runDriver(t *testing.T, d *Driver) (cancel func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

// status queries the event loop through Driver.Status, the only race-free
// way to read pending/missing/recent-round state while Run is concurrently
// executing (as it is throughout these tests).
func status(t *testing.T, d *Driver) StatusSnapshot {
	t.Helper()
	snap, err := d.Status(context.Background())
	require.NoError(t, err)
	return snap
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(2 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-tick.C:
		}
	}
}

// S1: a round-1 node whose parents are already satisfied (the empty
// genesis round) is admitted directly, with no pending bookkeeping.
func TestInOrderAcceptance(t *testing.T) {
	net := &fakeNetwork{}
	d := newTestDriver(t, net)
	runDriver(t, d)

	author := testPeerID(t)
	node := dag.CertifiedNode{Source: author, Round: 1, Digest: testDigest(t)}

	d.Events() <- CertifiedNodeMsg{Node: node, AckRequired: true}

	waitFor(t, time.Second, func() bool { return d.Contains(1, author) })
	if status(t, d).PendingLen != 0 {
		t.Fatal("an in-order node must never be parked in pending")
	}
	waitFor(t, time.Second, func() bool { return net.ackCount() == 1 })
}

// S2: a round-2 node whose single parent has not yet arrived is parked in
// pending and promoted as soon as that parent is inserted.
func TestOutOfOrderSingleGapAcceptance(t *testing.T) {
	net := &fakeNetwork{}
	d := newTestDriver(t, net)
	runDriver(t, d)

	round1Author := testPeerID(t)
	round1Digest := testDigest(t)
	round1Node := dag.CertifiedNode{Source: round1Author, Round: 1, Digest: round1Digest}

	round2Node := dag.CertifiedNode{
		Source:  testPeerID(t),
		Round:   2,
		Digest:  testDigest(t),
		Parents: []dag.ParentRef{{Peer: round1Author, Digest: round1Digest}},
	}

	// Deliver the round-2 node first: its parent is missing.
	d.Events() <- CertifiedNodeMsg{Node: round2Node, AckRequired: false}
	waitFor(t, time.Second, func() bool { return status(t, d).PendingLen == 1 })
	if status(t, d).MissingLen != 1 {
		t.Fatal("expected exactly one missing ancestor")
	}

	// Now deliver the missing round-1 parent; the round-2 node must cascade
	// into the DAG without a second message.
	d.Events() <- CertifiedNodeMsg{Node: round1Node, AckRequired: false}

	waitFor(t, time.Second, func() bool { return d.Contains(2, round2Node.Source) })
	if status(t, d).PendingLen != 0 {
		t.Fatal("expected pending to drain once the missing parent arrived")
	}
	if status(t, d).MissingLen != 0 {
		t.Fatal("expected missing index to drain once its entry is satisfied")
	}
}

// S3: a chain of three rounds delivered in reverse order must cascade all
// the way through in a single promotion once the root arrives.
func TestChainedPromotionCascade(t *testing.T) {
	net := &fakeNetwork{}
	d := newTestDriver(t, net)
	runDriver(t, d)

	r1Author, r1Digest := testPeerID(t), testDigest(t)
	r2Author, r2Digest := testPeerID(t), testDigest(t)
	r3Author, r3Digest := testPeerID(t), testDigest(t)

	r1 := dag.CertifiedNode{Source: r1Author, Round: 1, Digest: r1Digest}
	r2 := dag.CertifiedNode{
		Source: r2Author, Round: 2, Digest: r2Digest,
		Parents: []dag.ParentRef{{Peer: r1Author, Digest: r1Digest}},
	}
	r3 := dag.CertifiedNode{
		Source: r3Author, Round: 3, Digest: r3Digest,
		Parents: []dag.ParentRef{{Peer: r2Author, Digest: r2Digest}},
	}

	// Deliver round 3, then round 2: both are pending, chained on each other.
	d.Events() <- CertifiedNodeMsg{Node: r3, AckRequired: false}
	d.Events() <- CertifiedNodeMsg{Node: r2, AckRequired: false}
	waitFor(t, time.Second, func() bool { return status(t, d).PendingLen == 2 })

	// Deliver round 1: the whole chain must cascade in.
	d.Events() <- CertifiedNodeMsg{Node: r1, AckRequired: false}

	waitFor(t, time.Second, func() bool {
		return d.Contains(1, r1Author) && d.Contains(2, r2Author) && d.Contains(3, r3Author)
	})
	snap := status(t, d)
	if snap.PendingLen != 0 || snap.MissingLen != 0 {
		t.Fatal("expected the full chain to drain pending and missing")
	}
}

// S4: once a node is parked pending, the retry ticker must periodically
// send a fetch request for its missing ancestor.
func TestRetryTickSendsFetchRequests(t *testing.T) {
	net := &fakeNetwork{}
	d := newTestDriver(t, net)
	runDriver(t, d)

	missingDigest := testDigest(t)
	node := dag.CertifiedNode{
		Source: testPeerID(t), Round: 1, Digest: testDigest(t),
		Parents: []dag.ParentRef{{Peer: testPeerID(t), Digest: missingDigest}},
	}
	d.Events() <- CertifiedNodeMsg{Node: node, AckRequired: false}

	waitFor(t, time.Second, func() bool { return net.requestCount() >= 1 })

	first := net.requestCount()
	waitFor(t, time.Second, func() bool { return net.requestCount() > first })
}

// S5: a request for a node already in the DAG is served back over the
// network.
func TestNodeRequestServesKnownNode(t *testing.T) {
	net := &fakeNetwork{}
	d := newTestDriver(t, net)
	runDriver(t, d)

	author := testPeerID(t)
	node := dag.CertifiedNode{Source: author, Round: 1, Digest: testDigest(t)}
	d.Events() <- CertifiedNodeMsg{Node: node, AckRequired: false}
	waitFor(t, time.Second, func() bool { return d.Contains(1, author) })

	req := dag.CertifiedNodeRequest{
		NodeSource: author,
		NodeRound:  1,
		Digest:     node.Digest,
		Requester:  testPeerID(t),
		TraceID:    "trace-s5",
	}
	d.Events() <- CertifiedNodeRequestMsg{Request: req}

	waitFor(t, time.Second, func() bool { return len(net.sentNodes()) == 1 })
	got := net.sentNodes()[0]
	if dag.DigestKey(got.Digest) != dag.DigestKey(node.Digest) {
		t.Fatal("served node does not match the requested digest")
	}
}

// S6: a request whose digest does not match the node actually held at that
// (round, source) must be dropped silently, never served.
func TestNodeRequestDigestMismatchDropped(t *testing.T) {
	net := &fakeNetwork{}
	d := newTestDriver(t, net)
	runDriver(t, d)

	author := testPeerID(t)
	node := dag.CertifiedNode{Source: author, Round: 1, Digest: testDigest(t)}
	d.Events() <- CertifiedNodeMsg{Node: node, AckRequired: false}
	waitFor(t, time.Second, func() bool { return d.Contains(1, author) })

	req := dag.CertifiedNodeRequest{
		NodeSource: author,
		NodeRound:  1,
		Digest:     testDigest(t), // does not match the stored node's digest
		Requester:  testPeerID(t),
		TraceID:    "trace-s6",
	}
	d.Events() <- CertifiedNodeRequestMsg{Request: req}

	// Give the loop a chance to process, then assert nothing was sent.
	time.Sleep(50 * time.Millisecond)
	if len(net.sentNodes()) != 0 {
		t.Fatal("expected a digest-mismatched request to be dropped, not served")
	}
}

func TestEvaluateRoundReadySignalsRoundCompletion(t *testing.T) {
	net := &fakeNetwork{}
	d := newTestDriver(t, net)
	runDriver(t, d)

	author := testPeerID(t)
	node := dag.CertifiedNode{Source: author, Round: 1, Digest: testDigest(t)}
	d.Events() <- CertifiedNodeMsg{Node: node, AckRequired: false}

	select {
	case rc := <-d.RoundCompletions():
		if rc.Round != 1 {
			t.Fatalf("expected round-completion signal for round 1, got %d", rc.Round)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for round completion signal")
	}

	waitFor(t, time.Second, func() bool { return len(status(t, d).RecentRounds) == 1 })
}

func TestCreateRoundCommandAuthorsNextRoundNode(t *testing.T) {
	net := &fakeNetwork{}
	d := newTestDriver(t, net)
	runDriver(t, d)

	payload := testDigest(t)
	d.Commands() <- CreateRoundCommand{PayloadDigest: payload}

	waitFor(t, time.Second, func() bool { return d.Contains(1, d.selfID) })
	got, ok := d.Get(1, d.selfID)
	require.True(t, ok)
	if dag.DigestKey(got.Digest) != dag.DigestKey(payload) {
		t.Fatal("authored node does not carry the requested payload digest")
	}
}

func TestPolicyRejectsDisallowedPeer(t *testing.T) {
	net := &fakeNetwork{}
	trusted := testPeerID(t)
	pol, err := policy.New(policy.Config{Action: "block", Trust: []string{trusted.String()}})
	require.NoError(t, err)
	d := newTestDriver(t, net, WithPolicy(pol))
	runDriver(t, d)

	disallowedAuthor := testPeerID(t)
	node := dag.CertifiedNode{Source: disallowedAuthor, Round: 1, Digest: testDigest(t)}
	d.Events() <- CertifiedNodeMsg{Node: node, AckRequired: false}

	time.Sleep(50 * time.Millisecond)
	if d.Contains(1, disallowedAuthor) {
		t.Fatal("expected a node from a disallowed peer to be dropped, not admitted")
	}

	trustedNode := dag.CertifiedNode{Source: trusted, Round: 1, Digest: testDigest(t)}
	d.Events() <- CertifiedNodeMsg{Node: trustedNode, AckRequired: false}
	waitFor(t, time.Second, func() bool { return d.Contains(1, trusted) })
}
