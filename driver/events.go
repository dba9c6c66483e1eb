package driver

import "github.com/filecoin-project/dagdriver/dag"

// VerifiedEvent is the tagged union of events the driver accepts from the
// verified-event intake: either a CertifiedNodeMsg delivered via reliable
// broadcast, or a CertifiedNodeRequestMsg for a node already in the DAG.
// Any other variant is a programmer error and is fatal to the event loop.
type VerifiedEvent interface {
	isVerifiedEvent()
}

// CertifiedNodeMsg delivers a certified node from reliable broadcast.
type CertifiedNodeMsg struct {
	Node        dag.CertifiedNode
	AckRequired bool
}

func (CertifiedNodeMsg) isVerifiedEvent() {}

// CertifiedNodeRequestMsg delivers a request for a node already in the DAG.
type CertifiedNodeRequestMsg struct {
	Request dag.CertifiedNodeRequest
}

func (CertifiedNodeRequestMsg) isVerifiedEvent() {}

// Command is the tagged union of commands the driver accepts from local
// components over its command channel, the second-highest priority source
// in the event loop. The original source left this enum empty; this repo
// supplements it with CreateRoundCommand (to exercise round-creation end to
// end) and StatusQuery (the single-writer-safe status read path).
type Command interface {
	isCommand()
}

// CreateRoundCommand asks the driver to author its own next-round node,
// using payloadDigest as the content reference supplied by the (external)
// Quorum Store. The driver fills in round, source, and parents itself from
// the current DAG frontier.
type CreateRoundCommand struct {
	PayloadDigest dag.Digest
}

func (CreateRoundCommand) isCommand() {}

// StatusSnapshot is a point-in-time view of driver-owned state: the DAG
// store and pending/missing index are private to the event loop, so this
// is the only form in which a caller outside Run may observe them.
type StatusSnapshot struct {
	PendingLen   int
	MissingLen   int
	RecentRounds []RoundCompleted
}

// StatusQuery asks the event loop for a StatusSnapshot, delivered on
// Response once the command is processed. Response must be buffered (size
// at least 1) so the loop's send never blocks on a caller that stopped
// listening.
type StatusQuery struct {
	Response chan StatusSnapshot
}

func (StatusQuery) isCommand() {}

// RoundCompleted is the signal sent to the (external) ordering layer once a
// round has accumulated enough nodes to be considered ready. The
// readiness rule itself is delegated to the ordering layer;
// the driver only reports what is present.
type RoundCompleted struct {
	Round   uint64
	Digests map[string]dag.Digest // keyed by the author's peer.ID string
}
