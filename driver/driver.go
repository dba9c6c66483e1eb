package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/filecoin-project/dagdriver/dag"
	"github.com/filecoin-project/dagdriver/internal/policy"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/peer"
)

var log = logging.Logger("dagdriver/driver")

// DefaultRetryInterval is the fetch-retry tick period. Slightly longer than
// one network round trip.
const DefaultRetryInterval = 500 * time.Millisecond

// RoundReadyFunc decides whether a round is complete enough to signal to the
// ordering layer. The definition is delegated to the ordering layer; the
// driver only calls it after every DAG insertion.
type RoundReadyFunc func(round uint64, digests map[peer.ID]dag.CertifiedNode) bool

// QuorumStore is the interface-only external collaborator that supplies
// payload digests. The driver keeps the value passed to New but does not
// call it: the payload digest of the driver's own next-round node comes
// from the CreateRoundCommand that requests the node.
type QuorumStore interface {
	NextPayloadDigest(ctx context.Context) (dag.Digest, error)
}

// Driver is the per-validator DAG driver. It owns the DAG store and the
// pending/missing index exclusively; all mutation happens inside Run's
// single event loop.
type Driver struct {
	selfID  peer.ID
	network NetworkSender
	persist PersistentStore
	quorum  QuorumStore

	store *dag.Store
	index *dag.Index

	roundReady RoundReadyFunc
	policy     *policy.Policy

	retryInterval time.Duration

	commands chan Command
	events   chan VerifiedEvent
	rounds   chan RoundCompleted

	sigMetrics chan gaugeSnapshot

	arrivalTimes map[string]time.Time // digest key -> arrival time, for time-to-promotion metric
	recentRounds []RoundCompleted
}

// Option configures optional Driver behavior.
type Option func(*Driver)

// WithRetryInterval overrides DefaultRetryInterval.
func WithRetryInterval(d time.Duration) Option {
	return func(drv *Driver) { drv.retryInterval = d }
}

// WithRoundReady overrides the default round-ready rule (any node present).
func WithRoundReady(fn RoundReadyFunc) Option {
	return func(drv *Driver) { drv.roundReady = fn }
}

// WithPolicy restricts which peers the driver accepts certified nodes and
// node requests from. Without this option every peer is accepted.
func WithPolicy(p *policy.Policy) Option {
	return func(drv *Driver) { drv.policy = p }
}

// allowed reports whether source may act as a certified node author or
// requester, per the configured policy. A nil policy allows everyone.
func (d *Driver) allowed(source peer.ID) bool {
	if d.policy == nil {
		return true
	}
	return d.policy.Trusted(source) || d.policy.Allowed(source)
}

// SetNetwork overrides the NetworkSender after construction, for callers
// that need the driver's own channels (e.g. a loopback sender reading
// Events()) before the network capability itself can be built.
func (d *Driver) SetNetwork(network NetworkSender) {
	d.network = network
}

// New creates a Driver for validator selfID.
func New(selfID peer.ID, network NetworkSender, persist PersistentStore, quorum QuorumStore, opts ...Option) *Driver {
	d := &Driver{
		selfID:        selfID,
		network:       network,
		persist:       persist,
		quorum:        quorum,
		store:         dag.NewStore(),
		index:         dag.NewIndex(),
		retryInterval: DefaultRetryInterval,
		commands:      make(chan Command),
		events:        make(chan VerifiedEvent),
		rounds:        make(chan RoundCompleted, 16),
		sigMetrics:    make(chan gaugeSnapshot, 1),
		arrivalTimes:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.roundReady == nil {
		d.roundReady = defaultRoundReady
	}
	return d
}

// defaultRoundReady treats a round as ready as soon as it holds any node.
// The driver has no validator-set size, so no "≥ 2f+1" quorum is applied.
// Callers that care about an exact quorum
// should inject their own RoundReadyFunc via WithRoundReady.
func defaultRoundReady(_ uint64, digests map[peer.ID]dag.CertifiedNode) bool {
	return len(digests) > 0
}

// Commands returns the channel local components send Command values on.
func (d *Driver) Commands() chan<- Command { return d.commands }

// Events returns the channel the verified-event intake delivers
// VerifiedEvent values on.
func (d *Driver) Events() chan<- VerifiedEvent { return d.events }

// RoundCompletions returns the channel the ordering layer reads
// RoundCompleted signals from.
func (d *Driver) RoundCompletions() <-chan RoundCompleted { return d.rounds }

// Contains reports whether the DAG holds a node authored by source at round.
func (d *Driver) Contains(round uint64, source peer.ID) bool {
	return d.store.Contains(round, source)
}

// Get returns the node authored by source at round, if present in the DAG.
func (d *Driver) Get(round uint64, source peer.ID) (dag.CertifiedNode, bool) {
	return d.store.Get(round, source)
}

// PendingLen and MissingLen expose the index sizes directly. They read
// d.index without synchronization, so they are only safe to call once Run
// has returned (e.g. after a synthetic run completes); a caller that needs
// to observe this state while Run is active must use Status instead.
func (d *Driver) PendingLen() int { return d.index.PendingLen() }
func (d *Driver) MissingLen() int { return d.index.MissingLen() }

// Status queries the event loop for a synchronized StatusSnapshot,
// blocking until the loop answers or ctx is done. This is the race-free way
// for a goroutine outside Run (the status HTTP server, in particular) to
// read pending/missing/recent-round state while the driver is running.
func (d *Driver) Status(ctx context.Context) (StatusSnapshot, error) {
	resp := make(chan StatusSnapshot, 1)
	select {
	case d.commands <- StatusQuery{Response: resp}:
	case <-ctx.Done():
		return StatusSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-resp:
		return snap, nil
	case <-ctx.Done():
		return StatusSnapshot{}, ctx.Err()
	}
}

// Run executes the driver's event loop until ctx is canceled. It implements
// a fixed three-way priority order: retry tick, then command channel, then
// inbound verified events. Go's select has no native bias, so the
// higher-priority sources are polled non-blockingly before falling into the
// blocking multi-way select — the same technique used to emulate
// `tokio::select! { biased; ... }` from the original source.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.retryInterval)
	defer ticker.Stop()

	go d.metricsUpdater(ctx)

	for {
		select {
		case <-ticker.C:
			d.remoteFetchMissingNodes(ctx)
			continue
		default:
		}

		select {
		case cmd := <-d.commands:
			d.handleCommand(ctx, cmd)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.remoteFetchMissingNodes(ctx)
		case cmd := <-d.commands:
			d.handleCommand(ctx, cmd)
		case evt := <-d.events:
			if err := d.handleEvent(ctx, evt); err != nil {
				log.Errorw("Fatal error handling verified event", "err", err)
				return err
			}
		}
	}
}

func (d *Driver) handleEvent(ctx context.Context, evt VerifiedEvent) error {
	switch e := evt.(type) {
	case CertifiedNodeMsg:
		return d.handleCertifiedNode(ctx, e.Node, e.AckRequired)
	case CertifiedNodeRequestMsg:
		d.handleNodeRequest(ctx, e.Request)
		return nil
	default:
		// A malformed event: wrong variant in the verified-event stream is
		// a fatal upstream invariant violation.
		return fmt.Errorf("dagdriver: unrecognized verified event type %T", evt)
	}
}

func (d *Driver) handleCommand(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case CreateRoundCommand:
		if err := d.createNextRoundNode(ctx, c.PayloadDigest); err != nil {
			log.Errorw("Failed to create next round node", "err", err)
		}
	case StatusQuery:
		c.Response <- StatusSnapshot{
			PendingLen:   d.index.PendingLen(),
			MissingLen:   d.index.MissingLen(),
			RecentRounds: d.RecentRounds(),
		}
	default:
		log.Warnw("Unrecognized driver command, ignoring", "type", fmt.Sprintf("%T", cmd))
	}
}

// handleCertifiedNode checks node against the DAG for ancestor presence at
// round-1; if all immediate parents are present the node is inserted and
// the DAG-promotion cascade fires, otherwise it is parked in pending. Both
// branches are persistence points:
// the driver must durably record the transition before acking, so a crash
// between receive and ack leaves state either fully applied or fully
// discarded, never partially updated.
func (d *Driver) handleCertifiedNode(ctx context.Context, node dag.CertifiedNode, ackRequired bool) error {
	if !d.allowed(node.Source) {
		log.Warnw("Dropping certified node from disallowed peer", "source", node.Source)
		return nil
	}
	if node.Round == dag.GenesisRound && len(node.Parents) != 0 {
		return fmt.Errorf("dagdriver: node %s claims genesis round with non-empty parents", node)
	}

	prevRoundDigests := d.store.RoundDigests(prevRound(node.Round))

	var missing []dag.ParentRef
	for _, parent := range node.Parents {
		if _, present := prevRoundDigests[dag.DigestKey(parent.Digest)]; !present {
			missing = append(missing, parent)
		}
	}

	d.arrivalTimes[dag.DigestKey(node.Digest)] = time.Now()

	if len(missing) == 0 {
		if err := d.persist.PersistDAGInsert(ctx, node.Round, node.Source, node); err != nil {
			return fmt.Errorf("persisting dag insert: %w", err)
		}
		d.insertAndCascade(ctx, node)
	} else {
		if err := d.persist.PersistPending(ctx, node, missing); err != nil {
			return fmt.Errorf("persisting pending node: %w", err)
		}
		d.index.AddPending(node, missing)
	}

	d.signalMetricsUpdate()

	if ackRequired {
		ack := dag.CertifiedNodeAck{Digest: node.Digest, Acker: d.selfID}
		if err := d.network.SendCertifiedNodeAck(ctx, ack, node.Source); err != nil {
			// Ack failures are non-fatal: the sender will time out and
			// retransmit via reliable broadcast.
			log.Warnw("Failed to send certified node ack", "digest", node.Digest.B58String(), "err", err)
		}
	}
	return nil
}

func prevRound(round uint64) uint64 {
	if round == dag.GenesisRound {
		return dag.GenesisRound
	}
	return round - 1
}

// insertAndCascade inserts node into the DAG and then runs the DAG-promotion
// cascade: any pending node whose last missing parent was just satisfied is
// itself inserted and recursively cascaded. The
// recursion is depth-first and terminates because every step removes one
// digest from the pending/missing indices.
func (d *Driver) insertAndCascade(ctx context.Context, node dag.CertifiedNode) {
	d.store.Insert(node)
	d.observeTimeToPromotion(node.Digest)
	d.evaluateRoundReady(node.Round)

	ready := d.index.OnDAGInsertion(node.Digest)
	for _, readyNode := range ready {
		if err := d.persist.PersistDAGInsert(ctx, readyNode.Round, readyNode.Source, readyNode); err != nil {
			log.Errorw("Failed to persist cascaded dag insert", "digest", readyNode.Digest.B58String(), "err", err)
			continue
		}
		if err := d.persist.DeletePending(ctx, readyNode.Digest); err != nil {
			log.Errorw("Failed to delete promoted pending record", "digest", readyNode.Digest.B58String(), "err", err)
		}
		d.insertAndCascade(ctx, readyNode)
	}
}

func (d *Driver) observeTimeToPromotion(digest dag.Digest) {
	key := dag.DigestKey(digest)
	arrived, ok := d.arrivalTimes[key]
	if !ok {
		return
	}
	delete(d.arrivalTimes, key)
	elapsedMS := float64(time.Since(arrived).Microseconds()) / 1000.0
	go recordTimeToPromotion(elapsedMS)
}

func (d *Driver) evaluateRoundReady(round uint64) {
	roundMap := d.store.RoundMap(round)
	if !d.roundReady(round, roundMap) {
		return
	}
	digests := make(map[string]dag.Digest, len(roundMap))
	for p, node := range roundMap {
		digests[p.String()] = node.Digest
	}
	rc := RoundCompleted{Round: round, Digests: digests}
	select {
	case d.rounds <- rc:
	default:
		log.Warnw("Round-completion channel full, dropping signal", "round", round)
	}
	d.recordRecentRound(rc)
	recordRoundCompleted()
}

// recentRoundsCap bounds the in-memory round-completion log exposed for
// observability, independent of the RoundCompletions() channel an external
// ordering layer consumes.
const recentRoundsCap = 64

func (d *Driver) recordRecentRound(rc RoundCompleted) {
	d.recentRounds = append(d.recentRounds, rc)
	if len(d.recentRounds) > recentRoundsCap {
		d.recentRounds = d.recentRounds[len(d.recentRounds)-recentRoundsCap:]
	}
}

// RecentRounds returns a snapshot of the most recently completed rounds,
// for status reporting. It does not consume from RoundCompletions().
func (d *Driver) RecentRounds() []RoundCompleted {
	out := make([]RoundCompleted, len(d.recentRounds))
	copy(out, d.recentRounds)
	return out
}

// remoteFetchMissingNodes broadcasts a CertifiedNodeRequest to all known
// peer hints for every missing entry that needs a request. No dedup of
// in-flight requests; duplicates are harmless.
func (d *Driver) remoteFetchMissingNodes(ctx context.Context) {
	targets := d.index.FetchTargets()
	for digestKey, entry := range targets {
		peers := make([]peer.ID, 0, len(entry.PeersToRequest))
		for p := range entry.PeersToRequest {
			peers = append(peers, p)
		}
		if len(peers) == 0 {
			continue
		}
		req := dag.CertifiedNodeRequest{
			NodeSource: entry.NodeSource,
			NodeRound:  entry.NodeRound,
			Digest:     dag.Digest(digestKey),
			Requester:  d.selfID,
			TraceID:    uuid.NewString(),
		}
		if err := d.network.SendCertifiedNodeRequest(ctx, req, peers); err != nil {
			// Network send failure is non-fatal: logged and retried on the
			// next tick.
			log.Warnw("Failed to send certified node request", "digest", req.Digest.B58String(), "trace", req.TraceID, "err", err)
		}
	}
}

// handleNodeRequest serves a fetch request for a node already in the DAG,
// dropping it silently on any mismatch.
func (d *Driver) handleNodeRequest(ctx context.Context, req dag.CertifiedNodeRequest) {
	if !d.allowed(req.Requester) {
		log.Warnw("Dropping node request from disallowed peer", "requester", req.Requester)
		return
	}
	if d.store.Len() <= int(req.NodeRound) {
		return
	}
	node, ok := d.store.Get(req.NodeRound, req.NodeSource)
	if !ok {
		return
	}
	if dag.DigestKey(node.Digest) != dag.DigestKey(req.Digest) {
		// Digest mismatch implies equivocation by req.NodeSource; dropped
		// at this layer.
		log.Debugw("Dropping node request with digest mismatch", "source", req.NodeSource, "round", req.NodeRound, "trace", req.TraceID)
		return
	}
	if err := d.network.SendCertifiedNode(ctx, node, []peer.ID{req.Requester}, false); err != nil {
		log.Warnw("Failed to send requested certified node", "digest", node.Digest.B58String(), "trace", req.TraceID, "err", err)
	}
}

// createNextRoundNode authors a new node for this validator at the round
// following the highest round currently observed, using payloadDigest as
// the content reference. It runs only for a CreateRoundCommand: a round
// becoming ready does not trigger it, and it does not query the QuorumStore.
func (d *Driver) createNextRoundNode(ctx context.Context, payloadDigest dag.Digest) error {
	nextRound := uint64(d.store.Len())
	parents := d.store.ParentRefs(nextRound - 1)
	if nextRound > dag.GenesisRound+1 && len(parents) == 0 {
		return errors.New("dagdriver: cannot author next round node, previous round has no nodes")
	}

	node := dag.CertifiedNode{
		Source:  d.selfID,
		Round:   nextRound,
		Digest:  payloadDigest,
		Parents: parents,
	}
	return d.handleCertifiedNode(ctx, node, false)
}
