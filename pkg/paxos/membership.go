package paxos

import (
	"sort"
	"sync"
)

// Membership is the set of nodes taking part in consensus, keyed by node id.
// The local node is always a member and is always active.
type Membership struct {
	selfId   NodeId
	leaderId NodeId

	mu    sync.RWMutex
	nodes map[NodeId]NodeInfo
}

func NewMembership(self NodeInfo, leaderId NodeId) *Membership {
	self.Status = NodeStatusActive

	return &Membership{
		selfId:   self.Id,
		leaderId: leaderId,

		nodes: map[NodeId]NodeInfo{self.Id: self},
	}
}

func (m *Membership) SelfId() NodeId {
	return m.selfId
}

func (m *Membership) LeaderId() NodeId {
	return m.leaderId
}

func (m *Membership) IsLeader() bool {
	return m.leaderId == "" || m.leaderId == m.selfId
}

// Register inserts a node or updates its address. It returns true if the
// node was not a member yet.
func (m *Membership) Register(id NodeId, address NodeAddress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, found := m.nodes[id]
	if found {
		info.Address = address
		m.nodes[id] = info
		return false
	}

	m.nodes[id] = NodeInfo{
		Id:      id,
		Address: address,
		Status:  NodeStatusActive,
	}

	return true
}

// SetStatus updates the status of a member and returns its previous status.
// The status of the local node never changes.
func (m *Membership) SetStatus(id NodeId, status NodeStatus) (NodeStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, found := m.nodes[id]
	if !found {
		return "", false
	}

	prevStatus := info.Status

	if id != m.selfId {
		info.Status = status
		m.nodes[id] = info
	}

	return prevStatus, true
}

func (m *Membership) Node(id NodeId) (NodeInfo, bool) {
	m.mu.RLock()
	info, found := m.nodes[id]
	m.mu.RUnlock()

	return info, found
}

func (m *Membership) Size() int {
	m.mu.RLock()
	n := len(m.nodes)
	m.mu.RUnlock()

	return n
}

// Peers returns a snapshot of all members, including the local node, sorted
// by id. The snapshot is not affected by later membership changes.
func (m *Membership) Peers() []NodeInfo {
	m.mu.RLock()
	peers := make([]NodeInfo, 0, len(m.nodes))
	for _, info := range m.nodes {
		peers = append(peers, info)
	}
	m.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Id < peers[j].Id
	})

	return peers
}

// Quorum returns the minimal number of votes for a majority among n nodes.
func Quorum(n int) int {
	return n/2 + 1
}
