// Package policy decides which peers the DAG driver will accept certified
// nodes from. Adapted from storetheindex's internal/providers/policy
// package, which made the same allow/block/trust decision for content
// providers; here the same peer-set logic governs validator sources
// instead. The driver checks it at the start of handleCertifiedNode and
// handleNodeRequest, before any other handling.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p-core/peer"
)

// Policy decides whether the driver accepts certified nodes and node
// requests from a given peer.
type Policy struct {
	defaultAllow bool
	except       map[peer.ID]struct{}
	trust        map[peer.ID]struct{}
}

// Config is the on-disk shape of a Policy, following config.Policy's field
// names.
type Config struct {
	// Action is either "allow" or "block", the default disposition.
	Action string
	// Except lists peer ID strings that are the exception to Action.
	Except []string
	// Trust lists peer ID strings that bypass Allowed entirely.
	Trust []string
}

// New builds a Policy from cfg.
func New(cfg Config) (*Policy, error) {
	p := new(Policy)

	switch strings.ToLower(cfg.Action) {
	case "block":
	case "allow":
		p.defaultAllow = true
	default:
		return nil, errors.New(`policy action must be "block" or "allow"`)
	}

	if len(cfg.Except) != 0 {
		except, err := decodeAll(cfg.Except)
		if err != nil {
			return nil, fmt.Errorf("decoding except policy peer id: %w", err)
		}
		p.except = except
	}

	if len(cfg.Trust) != 0 {
		trust, err := decodeAll(cfg.Trust)
		if err != nil {
			return nil, fmt.Errorf("decoding trust policy peer id: %w", err)
		}
		p.trust = trust
	}

	if !p.defaultAllow && len(p.except) == 0 && len(p.trust) == 0 {
		return nil, errors.New("policy does not allow any validators")
	}

	return p, nil
}

func decodeAll(ids []string) (map[peer.ID]struct{}, error) {
	out := make(map[peer.ID]struct{}, len(ids))
	for _, s := range ids {
		id, err := peer.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out[id] = struct{}{}
	}
	return out, nil
}

// Trusted returns true if source is explicitly trusted: a trusted peer's
// certified nodes are admitted without the Allowed check.
func (p *Policy) Trusted(source peer.ID) bool {
	_, ok := p.trust[source]
	return ok
}

// Allowed returns true if the policy allows source to act as a certified
// node author or requester. This does not check Trusted.
func (p *Policy) Allowed(source peer.ID) bool {
	_, ok := p.except[source]
	if p.defaultAllow {
		return !ok
	}
	return ok
}
