package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/filecoin-project/dagdriver/dag"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/libp2p/go-libp2p-core/peer"
)

// Key prefixes used to namespace the datastore, mirroring storetheindex's
// internal/ingest.go convention of a "/prefix/" per record kind.
const (
	pendingPrefix = "/pending/"
	dagPrefix     = "/dag/"
)

// PersistentStore is the persistence interface the driver calls
// synchronously at every point where driver state changes: both insertion
// into the DAG and parking in pending are persistence points, so
// that a restart never loses a node that was already acknowledged.
type PersistentStore interface {
	PersistPending(ctx context.Context, node dag.CertifiedNode, missingParents []dag.ParentRef) error
	DeletePending(ctx context.Context, digest dag.Digest) error
	PersistDAGInsert(ctx context.Context, round uint64, source peer.ID, node dag.CertifiedNode) error
	DeleteDAGInsert(ctx context.Context, round uint64, source peer.ID) error
}

// wireNode is the JSON-serializable form of dag.CertifiedNode persisted to
// the datastore. The wire format of CertifiedNode itself is an interface
// boundary owned by the surrounding consensus messaging layer;
// JSON is used here only as the on-disk persistence encoding, not the
// network wire format.
type wireParent struct {
	Peer   string `json:"peer"`
	Digest []byte `json:"digest"`
}

type wireNode struct {
	Source  string       `json:"source"`
	Round   uint64       `json:"round"`
	Digest  []byte       `json:"digest"`
	Parents []wireParent `json:"parents"`
}

func toWireNode(node dag.CertifiedNode) wireNode {
	parents := make([]wireParent, len(node.Parents))
	for i, p := range node.Parents {
		parents[i] = wireParent{Peer: p.Peer.String(), Digest: []byte(p.Digest)}
	}
	return wireNode{
		Source:  node.Source.String(),
		Round:   node.Round,
		Digest:  []byte(node.Digest),
		Parents: parents,
	}
}

func fromWireNode(w wireNode) (dag.CertifiedNode, error) {
	source, err := peer.Decode(w.Source)
	if err != nil {
		return dag.CertifiedNode{}, fmt.Errorf("decoding persisted node source: %w", err)
	}
	parents := make([]dag.ParentRef, len(w.Parents))
	for i, p := range w.Parents {
		pid, err := peer.Decode(p.Peer)
		if err != nil {
			return dag.CertifiedNode{}, fmt.Errorf("decoding persisted parent peer: %w", err)
		}
		parents[i] = dag.ParentRef{Peer: pid, Digest: dag.Digest(p.Digest)}
	}
	return dag.CertifiedNode{
		Source:  source,
		Round:   w.Round,
		Digest:  dag.Digest(w.Digest),
		Parents: parents,
	}, nil
}

// DatastoreStore backs PersistentStore with a go-datastore Batching store,
// the same persistence layer storetheindex's Ingester uses for its sync
// state (ing.ds.Put/ing.ds.Get under a fixed key prefix).
type DatastoreStore struct {
	ds datastore.Batching
}

// NewDatastoreStore wraps ds as a PersistentStore.
func NewDatastoreStore(ds datastore.Batching) *DatastoreStore {
	return &DatastoreStore{ds: ds}
}

func pendingKey(digest dag.Digest) datastore.Key {
	return datastore.NewKey(pendingPrefix + digest.B58String())
}

func dagKey(round uint64, source peer.ID) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("%s%d/%s", dagPrefix, round, source))
}

func (s *DatastoreStore) PersistPending(ctx context.Context, node dag.CertifiedNode, _ []dag.ParentRef) error {
	b, err := json.Marshal(toWireNode(node))
	if err != nil {
		return err
	}
	return s.ds.Put(ctx, pendingKey(node.Digest), b)
}

func (s *DatastoreStore) DeletePending(ctx context.Context, digest dag.Digest) error {
	return s.ds.Delete(ctx, pendingKey(digest))
}

func (s *DatastoreStore) PersistDAGInsert(ctx context.Context, round uint64, source peer.ID, node dag.CertifiedNode) error {
	b, err := json.Marshal(toWireNode(node))
	if err != nil {
		return err
	}
	return s.ds.Put(ctx, dagKey(round, source), b)
}

func (s *DatastoreStore) DeleteDAGInsert(ctx context.Context, round uint64, source peer.ID) error {
	return s.ds.Delete(ctx, dagKey(round, source))
}

// LoadAll returns the persisted pending and DAG records, in no particular
// order. The driver does not call it: a new Driver starts from an empty DAG
// and index, and the persisted records are read back only by the status
// command's --graph rendering.
func (s *DatastoreStore) LoadAll(ctx context.Context) ([]dag.CertifiedNode, []dag.CertifiedNode, error) {
	pendingNodes, err := s.loadPrefix(ctx, pendingPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("loading pending records: %w", err)
	}
	dagNodes, err := s.loadPrefix(ctx, dagPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("loading dag records: %w", err)
	}
	return pendingNodes, dagNodes, nil
}

func (s *DatastoreStore) loadPrefix(ctx context.Context, prefix string) ([]dag.CertifiedNode, error) {
	results, err := s.ds.Query(ctx, query.Query{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	var nodes []dag.CertifiedNode
	for r := range results.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		var w wireNode
		if err := json.Unmarshal(r.Entry.Value, &w); err != nil {
			return nil, fmt.Errorf("decoding persisted record %s: %w", r.Entry.Key, err)
		}
		node, err := fromWireNode(w)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
