package dispatch

import (
	"strings"

	"github.com/yanun0323/errors"

	"rms/internal/codec"
	"rms/internal/schema"
	"rms/pkg/exception"
)

// Policy selects how inbound frames are mapped to shards.
type Policy uint8

const (
	PolicyAccount Policy = iota
	PolicyOrder
	PolicyRoundRobin
)

func (p Policy) String() string {
	switch p {
	case PolicyAccount:
		return "account"
	case PolicyOrder:
		return "order"
	case PolicyRoundRobin:
		return "round_robin"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config value to a policy. Empty means account.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "account":
		return PolicyAccount, nil
	case "order":
		return PolicyOrder, nil
	case "round_robin", "roundrobin":
		return PolicyRoundRobin, nil
	default:
		return PolicyAccount, errors.Wrapf(exception.ErrInvalidArgument, "unknown routing policy %q", s)
	}
}

// Router computes the shard of a frame from fixed offsets only. It is used by
// the dispatcher goroutine alone.
type Router struct {
	policy Policy
	shards uint64
	mask   uint64
	pow2   bool
	next   uint64
}

// NewRouter creates a router over shards shards.
func NewRouter(policy Policy, shards int) *Router {
	if shards <= 0 {
		shards = schema.DefaultShardCount
	}
	n := uint64(shards)
	return &Router{
		policy: policy,
		shards: n,
		mask:   n - 1,
		pow2:   n&(n-1) == 0,
	}
}

// Shards returns the shard count.
func (r *Router) Shards() int {
	return int(r.shards)
}

// Policy returns the routing policy.
func (r *Router) Policy() Policy {
	return r.policy
}

// Route returns the shard for frame, or false when the frame is too short to
// carry the routed field.
func (r *Router) Route(frame []byte) (int, bool) {
	if len(frame) < codec.TagSize {
		return 0, false
	}
	switch r.policy {
	case PolicyOrder:
		id, ok := codec.PeekOrderID(frame)
		if !ok {
			return 0, false
		}
		return r.mod(id), true
	case PolicyRoundRobin:
		s := r.mod(r.next)
		r.next++
		return s, true
	default:
		id, ok := codec.PeekAccountID(frame)
		if !ok {
			return 0, false
		}
		return r.mod(uint64(id)), true
	}
}

// ForAccount returns the owning shard of an account.
func (r *Router) ForAccount(accountID uint32) int {
	return r.mod(uint64(accountID))
}

func (r *Router) mod(v uint64) int {
	if r.pow2 {
		return int(v & r.mask)
	}
	return int(v % r.shards)
}
