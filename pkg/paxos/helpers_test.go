package paxos

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"testing"
	"time"
)

type testLogger struct {
	prefix string
}

func (l *testLogger) Debug(level int, format string, args ...interface{}) {
	l.log(fmt.Sprintf("debug.%d", level), format, args...)
}

func (l *testLogger) Info(format string, args ...interface{}) {
	l.log("info", format, args...)
}

func (l *testLogger) Error(format string, args ...interface{}) {
	l.log("error", format, args...)
}

func (l *testLogger) log(level, format string, args ...interface{}) {
	if !testing.Verbose() {
		return
	}

	fmt.Fprintf(os.Stderr, "%-7s  %-4s  %s\n",
		level, l.prefix, fmt.Sprintf(format, args...))
}

var errTestStore = errors.New("disk full")

type failingStore struct {
	*MemoryStore
}

func (s *failingStore) Set(key, value string) error {
	return errTestStore
}

// testCluster is a Cluster whose peers are in-process acceptors and learners.
type testCluster struct {
	nodes map[NodeId]*testClusterNode
}

type testClusterNode struct {
	info     NodeInfo
	acceptor *Acceptor
	learner  *Learner
	store    Store

	down          bool
	rejectAccepts bool
}

var errTestPeerDown = errors.New("peer down")

func newTestCluster(ids ...NodeId) *testCluster {
	c := testCluster{
		nodes: make(map[NodeId]*testClusterNode),
	}

	for _, id := range ids {
		store := NewMemoryStore()

		c.nodes[id] = &testClusterNode{
			info: NodeInfo{
				Id:      id,
				Address: NodeAddress("test-" + id),
				Status:  NodeStatusActive,
			},
			acceptor: NewAcceptor(nil),
			learner:  NewLearner(store),
			store:    store,
		}
	}

	return &c
}

func (c *testCluster) node(id NodeId) *testClusterNode {
	return c.nodes[id]
}

func (c *testCluster) setDown(ids ...NodeId) {
	for _, id := range ids {
		c.nodes[id].down = true
	}
}

func (c *testCluster) Peers() []NodeInfo {
	peers := make([]NodeInfo, 0, len(c.nodes))
	for _, n := range c.nodes {
		peers = append(peers, n.info)
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Id < peers[j].Id
	})

	return peers
}

func (c *testCluster) Propose(ctx context.Context, peer NodeInfo, p Proposal) (*Promise, error) {
	n := c.nodes[peer.Id]
	if n.down {
		return nil, errTestPeerDown
	}

	return n.acceptor.Prepare(p)
}

func (c *testCluster) Accept(ctx context.Context, peer NodeInfo, p Proposal) (*AcceptedMsg, error) {
	n := c.nodes[peer.Id]
	if n.down || n.rejectAccepts {
		return nil, errTestPeerDown
	}

	return n.acceptor.Accept(p)
}

func (c *testCluster) Commit(ctx context.Context, peer NodeInfo, p Proposal) error {
	n := c.nodes[peer.Id]
	if n.down {
		return errTestPeerDown
	}

	return n.learner.Insert(p)
}

func newTestProposer(t *testing.T, id NodeId, cluster Cluster) *Proposer {
	t.Helper()

	cfg := ProposerCfg{
		NodeId:  id,
		Cluster: cluster,

		Logger: &testLogger{prefix: string(id)},

		MaxAttempts: 3,

		MinRetryDelay: time.Millisecond,
		MaxRetryDelay: 2 * time.Millisecond,
	}

	p, err := NewProposer(cfg)
	if err != nil {
		t.Fatalf("cannot create proposer: %v", err)
	}

	return p
}

func waitFor(t *testing.T, timeout time.Duration, description string, fn func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout while waiting for %s", description)
		}

		time.Sleep(5 * time.Millisecond)
	}
}

type getFunc func(string) (string, bool)

func assertStoreValue(t *testing.T, name string, get getFunc, key, expectedValue string) {
	t.Helper()

	value, found := get(key)
	if !found {
		t.Errorf("%s: key %q not found", name, key)
		return
	}

	if value != expectedValue {
		t.Errorf("%s: key %q has value %q but should have value %q",
			name, key, value, expectedValue)
	}
}

func assertStoreMissing(t *testing.T, name string, get getFunc, key string) {
	t.Helper()

	if value, found := get(key); found {
		t.Errorf("%s: key %q should not exist but has value %q",
			name, key, value)
	}
}
