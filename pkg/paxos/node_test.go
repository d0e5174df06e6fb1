package paxos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type testNodes struct {
	network *MemoryNetwork
	nodes   map[NodeId]*Node
}

func testNodeAddress(id NodeId) NodeAddress {
	return NodeAddress("mem-" + id)
}

func testNodeCfg(network *MemoryNetwork, id NodeId, servers ServerSet, leaderId NodeId) NodeCfg {
	address := testNodeAddress(id)

	return NodeCfg{
		Id:            id,
		PublicAddress: address,

		Servers:  servers,
		LeaderId: leaderId,

		Logger: &testLogger{prefix: string(id)},

		Transport: network.Transport(id, address),

		PeerTimeout:      200 * time.Millisecond,
		RoundTimeout:     5 * time.Second,
		MaxRoundAttempts: 10,

		MinRetryDelay: time.Millisecond,
		MaxRetryDelay: 10 * time.Millisecond,

		MinRegistrationDelay: 5 * time.Millisecond,
		MaxRegistrationDelay: 50 * time.Millisecond,

		PingInterval: -1,
	}
}

func startTestNode(t *testing.T, network *MemoryNetwork, cfg NodeCfg) *Node {
	t.Helper()

	node, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("cannot create node %s: %v", cfg.Id, err)
	}

	network.Register(node.PublicAddress, node)

	if err := node.Start(nil); err != nil {
		t.Fatalf("cannot start node %s: %v", cfg.Id, err)
	}

	return node
}

func newTestNodes(t *testing.T, leaderId NodeId, ids ...NodeId) *testNodes {
	t.Helper()

	network := NewMemoryNetwork()

	servers := make(ServerSet)
	for _, id := range ids {
		servers[id] = ServerData{PublicAddress: testNodeAddress(id)}
	}

	tn := testNodes{
		network: network,
		nodes:   make(map[NodeId]*Node),
	}

	for _, id := range ids {
		cfg := testNodeCfg(network, id, servers, leaderId)
		node := startTestNode(t, network, cfg)

		tn.nodes[id] = node
		t.Cleanup(node.Stop)
	}

	return &tn
}

func (tn *testNodes) disconnect(id NodeId) {
	tn.network.Disconnect(testNodeAddress(id))
}

func (tn *testNodes) reconnect(id NodeId) {
	tn.network.Reconnect(testNodeAddress(id))
}

func TestNodeInsert(t *testing.T) {
	tn := newTestNodes(t, "n1", "n1", "n2", "n3")

	proposal, err := tn.nodes["n1"].Insert(context.Background(), "x", "1")
	if err != nil {
		t.Fatalf("cannot insert: %v", err)
	}

	if proposal.Value != "1" {
		t.Errorf("unexpected decided value %q", proposal.Value)
	}

	for id, node := range tn.nodes {
		assertStoreValue(t, string(id), node.Read, "x", "1")
	}
}

func TestNodeInsertForwardedToLeader(t *testing.T) {
	tn := newTestNodes(t, "n1", "n1", "n2", "n3")

	proposal, err := tn.nodes["n3"].Insert(context.Background(), "x", "1")
	if err != nil {
		t.Fatalf("cannot insert: %v", err)
	}

	if proposal.Id.NodeId != "n1" {
		t.Errorf("round should have been run by the leader, not by %s",
			proposal.Id.NodeId)
	}

	for id, node := range tn.nodes {
		assertStoreValue(t, string(id), node.Read, "x", "1")
	}
}

func TestNodeInsertWithLeaderDown(t *testing.T) {
	tn := newTestNodes(t, "n1", "n1", "n2", "n3")
	tn.disconnect("n1")

	proposal, err := tn.nodes["n2"].Insert(context.Background(), "x", "1")
	if err != nil {
		t.Fatalf("cannot insert: %v", err)
	}

	if proposal.Id.NodeId != "n2" {
		t.Errorf("round should have been run by n2, not by %s",
			proposal.Id.NodeId)
	}

	assertStoreValue(t, "n2", tn.nodes["n2"].Read, "x", "1")
	assertStoreValue(t, "n3", tn.nodes["n3"].Read, "x", "1")
	assertStoreMissing(t, "n1", tn.nodes["n1"].Read, "x")
}

func TestNodeInsertWithUnreachablePeer(t *testing.T) {
	tn := newTestNodes(t, "n1", "n1", "n2", "n3")
	tn.disconnect("n3")

	if _, err := tn.nodes["n1"].Insert(context.Background(), "x", "1"); err != nil {
		t.Fatalf("cannot insert: %v", err)
	}

	assertStoreValue(t, "n1", tn.nodes["n1"].Read, "x", "1")
	assertStoreValue(t, "n2", tn.nodes["n2"].Read, "x", "1")
	assertStoreMissing(t, "n3", tn.nodes["n3"].Read, "x")

	info, _ := tn.nodes["n1"].Membership().Node("n3")
	if info.Status != NodeStatusUnreachable {
		t.Errorf("n3 should be unreachable, status is %q", info.Status)
	}

	// Once back, n3 catches up with read repair
	tn.reconnect("n3")

	value, found, err := tn.nodes["n3"].Repair(context.Background(), "x")
	if err != nil {
		t.Fatalf("cannot repair: %v", err)
	}

	if !found || value != "1" {
		t.Errorf("repair returned %q (found: %v)", value, found)
	}

	for id, node := range tn.nodes {
		assertStoreValue(t, string(id), node.Read, "x", "1")
	}
}

func TestNodeInsertWithoutQuorum(t *testing.T) {
	tn := newTestNodes(t, "n1", "n1", "n2", "n3")
	tn.disconnect("n2")
	tn.disconnect("n3")

	tn.nodes["n1"].proposer.Cfg.MaxAttempts = 2

	_, err := tn.nodes["n1"].Insert(context.Background(), "x", "1")
	if !errors.Is(err, ErrQuorumUnreachable) {
		t.Fatalf("insert should fail with a quorum error, got %v", err)
	}

	assertStoreMissing(t, "n1", tn.nodes["n1"].Read, "x")
}

func TestNodeValueIsDecidedOnce(t *testing.T) {
	tn := newTestNodes(t, "n1", "n1", "n2", "n3")

	if _, err := tn.nodes["n1"].Insert(context.Background(), "x", "1"); err != nil {
		t.Fatalf("cannot insert: %v", err)
	}

	proposal, err := tn.nodes["n2"].Insert(context.Background(), "x", "2")
	if err != nil {
		t.Fatalf("cannot insert: %v", err)
	}

	if proposal.Value != "1" {
		t.Errorf("decided value should be \"1\", got %q", proposal.Value)
	}

	for id, node := range tn.nodes {
		assertStoreValue(t, string(id), node.Read, "x", "1")
	}
}

func TestNodeRepairUnknownKey(t *testing.T) {
	tn := newTestNodes(t, "n1", "n1", "n2", "n3")

	_, found, err := tn.nodes["n2"].Repair(context.Background(), "x")
	if err != nil {
		t.Fatalf("cannot repair: %v", err)
	}

	if found {
		t.Errorf("key should not exist")
	}
}

func TestNodeConcurrentProposers(t *testing.T) {
	// Without leader, every node runs its own rounds
	tn := newTestNodes(t, "", "n1", "n2", "n3")

	ids := []NodeId{"n1", "n2", "n3"}

	type result struct {
		value string
		err   error
	}

	var wg sync.WaitGroup
	results := make([]result, len(ids)*4)

	for i := range results {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			node := tn.nodes[ids[i%len(ids)]]
			key := fmt.Sprintf("k%d", i%2)

			proposal, err := node.Insert(context.Background(), key,
				fmt.Sprintf("v%d", i))
			if err != nil {
				results[i] = result{err: err}
				return
			}

			results[i] = result{value: proposal.Value}
		}(i)
	}

	wg.Wait()

	decided := make(map[string]string)

	for i, r := range results {
		if r.err != nil {
			t.Logf("insert %d failed: %v", i, r.err)
			continue
		}

		key := fmt.Sprintf("k%d", i%2)

		if value, found := decided[key]; found && value != r.value {
			t.Fatalf("two values decided for key %s: %q and %q",
				key, value, r.value)
		}

		decided[key] = r.value
	}

	if len(decided) == 0 {
		t.Fatalf("no value was decided")
	}

	for key, value := range decided {
		nbStores := 0

		for _, node := range tn.nodes {
			if v, found := node.Read(key); found {
				if v != value {
					t.Errorf("key %s has value %q instead of %q",
						key, v, value)
				}

				nbStores++
			}
		}

		if nbStores < 2 {
			t.Errorf("key %s is only stored on %d nodes", key, nbStores)
		}
	}
}

func TestNodeRegistration(t *testing.T) {
	network := NewMemoryNetwork()

	leaderServers := ServerSet{
		"n1": ServerData{PublicAddress: testNodeAddress("n1")},
	}

	// Followers start before the leader and retry until it is up
	var followers []*Node

	for _, id := range []NodeId{"n2", "n3"} {
		cfg := testNodeCfg(network, id, leaderServers, "n1")
		node := startTestNode(t, network, cfg)
		t.Cleanup(node.Stop)

		followers = append(followers, node)
	}

	time.Sleep(20 * time.Millisecond)

	leader := startTestNode(t, network,
		testNodeCfg(network, "n1", leaderServers, "n1"))
	t.Cleanup(leader.Stop)

	nodes := append([]*Node{leader}, followers...)

	for _, node := range nodes {
		node := node

		waitFor(t, 5*time.Second, fmt.Sprintf("membership of %s", node.Id),
			func() bool {
				return node.Membership().Size() == 3
			})
	}

	if _, err := followers[1].Insert(context.Background(), "x", "1"); err != nil {
		t.Fatalf("cannot insert: %v", err)
	}

	for _, node := range nodes {
		assertStoreValue(t, string(node.Id), node.Read, "x", "1")
	}
}

func TestNodeRegistrationIsIdempotent(t *testing.T) {
	tn := newTestNodes(t, "n1", "n1", "n2")

	leader := tn.nodes["n1"]

	for i := 0; i < 3; i++ {
		req := RegisterRequest{NodeId: "n2", Address: testNodeAddress("n2")}

		resMsg, err := leader.HandleRPC(context.Background(), "n2", &req)
		if err != nil {
			t.Fatalf("cannot register: %v", err)
		}

		if res := resMsg.(*RegisterResponse); !res.Accepted {
			t.Fatalf("registration was refused")
		}
	}

	if n := leader.Membership().Size(); n != 2 {
		t.Errorf("membership should contain 2 nodes, not %d", n)
	}
}

func TestNodeSlowPeerStaysActive(t *testing.T) {
	tn := newTestNodes(t, "n1", "n1", "n2", "n3")

	tn.network.SetDelay(testNodeAddress("n3"), 50*time.Millisecond)

	n1 := tn.nodes["n1"]

	status := func() NodeStatus {
		info, _ := n1.Membership().Node("n3")
		return info.Status
	}

	// Without a value to commit, the round ends as soon as n1 and n2 have
	// promised; the call to n3 is canceled.
	if _, found, err := n1.Repair(context.Background(), "x"); err != nil {
		t.Fatalf("cannot repair: %v", err)
	} else if found {
		t.Fatalf("unknown key was found")
	}

	time.Sleep(100 * time.Millisecond)

	if s := status(); s != NodeStatusActive {
		t.Errorf("n3 has status %q after a canceled call", s)
	}

	if _, err := n1.Insert(context.Background(), "x", "1"); err != nil {
		t.Fatalf("cannot insert: %v", err)
	}

	if s := status(); s != NodeStatusActive {
		t.Errorf("n3 has status %q after a round", s)
	}

	assertStoreValue(t, "n3", tn.nodes["n3"].Read, "x", "1")
}

func TestNodeMonitor(t *testing.T) {
	network := NewMemoryNetwork()

	servers := ServerSet{
		"n1": ServerData{PublicAddress: testNodeAddress("n1")},
		"n2": ServerData{PublicAddress: testNodeAddress("n2")},
	}

	cfg1 := testNodeCfg(network, "n1", servers, "n1")
	cfg1.PingInterval = 10 * time.Millisecond
	cfg1.PeerTimeout = 20 * time.Millisecond

	n1 := startTestNode(t, network, cfg1)
	t.Cleanup(n1.Stop)

	n2 := startTestNode(t, network, testNodeCfg(network, "n2", servers, "n1"))
	t.Cleanup(n2.Stop)

	status := func() NodeStatus {
		info, _ := n1.Membership().Node("n2")
		return info.Status
	}

	network.Disconnect(testNodeAddress("n2"))

	waitFor(t, 5*time.Second, "n2 to be unreachable", func() bool {
		s := status()
		return s == NodeStatusUnreachable || s == NodeStatusRetrying
	})

	network.Reconnect(testNodeAddress("n2"))

	waitFor(t, 5*time.Second, "n2 to be active", func() bool {
		return status() == NodeStatusActive
	})
}

func TestNodeInvalidKey(t *testing.T) {
	tn := newTestNodes(t, "n1", "n1")

	if _, err := tn.nodes["n1"].Insert(context.Background(), "", "1"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("insert with an empty key should fail, got %v", err)
	}

	if _, err := tn.nodes["n1"].Insert(context.Background(), "a\x1fb", "1"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("insert with an invalid key should fail, got %v", err)
	}
}

func TestNodeStoreWriteFailure(t *testing.T) {
	network := NewMemoryNetwork()

	servers := make(ServerSet)
	for _, id := range []NodeId{"n1", "n2", "n3"} {
		servers[id] = ServerData{PublicAddress: testNodeAddress(id)}
	}

	var nodes []*Node

	for _, id := range []NodeId{"n1", "n2", "n3"} {
		cfg := testNodeCfg(network, id, servers, "n1")
		if id == "n1" {
			cfg.Store = &failingStore{MemoryStore: NewMemoryStore()}
		}

		node := startTestNode(t, network, cfg)
		t.Cleanup(node.Stop)

		nodes = append(nodes, node)
	}

	_, err := nodes[0].Insert(context.Background(), "x", "1")

	var storeErr *StoreWriteError
	if !errors.As(err, &storeErr) {
		t.Fatalf("insert should fail with a store write error, got %v", err)
	}

	assertStoreValue(t, "n2", nodes[1].Read, "x", "1")
	assertStoreValue(t, "n3", nodes[2].Read, "x", "1")
}

func TestNodeRestart(t *testing.T) {
	network := NewMemoryNetwork()
	dataDirectory := t.TempDir()

	servers := make(ServerSet)
	for _, id := range []NodeId{"n1", "n2", "n3"} {
		servers[id] = ServerData{PublicAddress: testNodeAddress(id)}
	}

	nodes := make(map[NodeId]*Node)

	for _, id := range []NodeId{"n1", "n2", "n3"} {
		cfg := testNodeCfg(network, id, servers, "n1")
		cfg.DataDirectory = dataDirectory

		nodes[id] = startTestNode(t, network, cfg)
	}

	defer func() {
		for _, node := range nodes {
			node.Stop()
		}
	}()

	if _, err := nodes["n1"].Insert(context.Background(), "x", "1"); err != nil {
		t.Fatalf("cannot insert: %v", err)
	}

	nodes["n2"].Stop()

	cfg := testNodeCfg(network, "n2", servers, "n1")
	cfg.DataDirectory = dataDirectory

	nodes["n2"] = startTestNode(t, network, cfg)

	assertStoreValue(t, "n2", nodes["n2"].Read, "x", "1")

	state := nodes["n2"].Acceptor().State("x")
	if state.LastAccepted == nil || state.LastAccepted.Value != "1" {
		t.Errorf("acceptor state was not restored: %#v", state)
	}
}
