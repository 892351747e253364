// Package hash places array keys on storage nodes with a consistent hash
// ring.
//
// Every node is hashed onto the ring at a number of virtual positions. A
// key belongs to the first position at or after its own hash, wrapping
// around at the top. Adding or removing one node only moves the keys that
// fall into the arcs that node owns; every other key keeps its placement.
//
// Example usage:
//
//	ring := hash.New(150)
//	ring.Add("10.0.0.1:6379", "10.0.0.2:6379")
//
//	node, ok := ring.Locate("weights:layer0")
//	if !ok {
//		// ring is empty
//	}
package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strconv"
	"sync"
)

// DefaultVirtualNodes is the number of ring positions per node used when
// New is given a non-positive count.
const DefaultVirtualNodes = 150

// Ring is a consistent hash ring with virtual nodes. It is safe for
// concurrent use.
type Ring struct {
	mu           sync.RWMutex
	owners       map[uint32]string // position -> node
	positions    []uint32          // sorted keys of owners
	nodes        map[string]struct{}
	virtualNodes int
}

// Stats describes the ring for logging and diagnostics.
type Stats struct {
	Nodes         int `json:"nodes"`
	VirtualNodes  int `json:"virtual_nodes"`
	Positions     int `json:"positions"`
	PerNodeVNodes int `json:"per_node_virtual_nodes"`
}

// New creates an empty ring. If virtualNodes is <= 0,
// DefaultVirtualNodes is used.
//
// More virtual nodes spread keys more evenly at the cost of a larger
// position table.
func New(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		owners:       make(map[uint32]string),
		nodes:        make(map[string]struct{}),
		virtualNodes: virtualNodes,
	}
}

// Add places nodes on the ring. Nodes already present are ignored.
//
// When two virtual positions of different nodes hash to the same point,
// the lexically smaller node keeps it, so placement does not depend on
// the order nodes were added in.
//
// Example:
//
//	ring.Add("10.0.0.3:6379")
func (r *Ring) Add(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for _, node := range nodes {
		if _, ok := r.nodes[node]; ok {
			continue
		}
		r.nodes[node] = struct{}{}
		for i := 0; i < r.virtualNodes; i++ {
			pos := position(node, i)
			if owner, taken := r.owners[pos]; taken && owner < node {
				continue
			}
			r.owners[pos] = node
		}
		changed = true
	}
	if changed {
		r.rebuild()
	}
}

// Remove takes nodes off the ring. Keys they owned move to the next
// position clockwise. Unknown nodes are ignored.
func (r *Ring) Remove(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for _, node := range nodes {
		if _, ok := r.nodes[node]; !ok {
			continue
		}
		delete(r.nodes, node)
		for i := 0; i < r.virtualNodes; i++ {
			pos := position(node, i)
			if r.owners[pos] == node {
				delete(r.owners, pos)
			}
		}
		changed = true
	}
	if !changed {
		return
	}
	// Positions a removed node had won in a collision go back to the
	// remaining claimant.
	for node := range r.nodes {
		for i := 0; i < r.virtualNodes; i++ {
			pos := position(node, i)
			if owner, taken := r.owners[pos]; !taken || node < owner {
				r.owners[pos] = node
			}
		}
	}
	r.rebuild()
}

func (r *Ring) rebuild() {
	r.positions = r.positions[:0]
	for pos := range r.owners {
		r.positions = append(r.positions, pos)
	}
	sort.Slice(r.positions, func(i, j int) bool {
		return r.positions[i] < r.positions[j]
	})
}

// Locate returns the node that owns key. ok is false when the ring is
// empty.
//
// The same key maps to the same node for as long as the node set does
// not change.
//
// Example:
//
//	node, ok := ring.Locate("weights:layer0")
func (r *Ring) Locate(key string) (node string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.positions) == 0 {
		return "", false
	}
	h := hashKey(key)
	idx := sort.Search(len(r.positions), func(i int) bool {
		return r.positions[i] >= h
	})
	if idx == len(r.positions) {
		idx = 0
	}
	return r.owners[r.positions[idx]], true
}

// Nodes returns the nodes on the ring in sorted order.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.nodes))
	for node := range r.nodes {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of nodes on the ring.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Stats returns a snapshot of the ring's size.
func (r *Ring) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Nodes:         len(r.nodes),
		VirtualNodes:  len(r.nodes) * r.virtualNodes,
		Positions:     len(r.positions),
		PerNodeVNodes: r.virtualNodes,
	}
}

func position(node string, replica int) uint32 {
	return hashKey(node + "#" + strconv.Itoa(replica))
}

// hashKey takes the first four bytes of the SHA-256 digest, big endian.
func hashKey(key string) uint32 {
	h := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint32(h[:4])
}
