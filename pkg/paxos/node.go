package paxos

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"sync"
	"time"
)

type NodeCfg struct {
	Id NodeId

	LocalAddress  NodeAddress
	PublicAddress NodeAddress

	Servers ServerSet

	LeaderId      NodeId
	LeaderAddress NodeAddress

	DataDirectory string

	Logger Logger

	Transport Transport
	Store     Store

	PeerTimeout      time.Duration
	RoundTimeout     time.Duration
	MaxRoundAttempts int

	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration

	MinRegistrationDelay time.Duration
	MaxRegistrationDelay time.Duration

	// A negative interval disables the liveness monitor.
	PingInterval time.Duration
}

// Node plays the proposer, acceptor and learner roles. It serves the RPCs
// of other nodes and runs consensus rounds for client writes.
type Node struct {
	Cfg NodeCfg
	Log Logger

	Id            NodeId
	LocalAddress  NodeAddress
	PublicAddress NodeAddress

	membership *Membership
	acceptor   *Acceptor
	learner    *Learner
	proposer   *Proposer

	acceptorStore *FileAcceptorStore
	fileStore     *FileStore

	transport  Transport
	httpServer *http.Server

	errorChan chan<- error
	stopChan  chan struct{}
	stopMu    sync.Mutex
	wg        sync.WaitGroup
}

func NewNode(cfg NodeCfg) (*Node, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty node id")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if sdata, found := cfg.Servers[cfg.Id]; found {
		if cfg.LocalAddress == "" {
			cfg.LocalAddress = sdata.LocalAddress
		}

		if cfg.PublicAddress == "" {
			cfg.PublicAddress = sdata.PublicAddress
		}
	}

	if cfg.PublicAddress == "" {
		cfg.PublicAddress = cfg.LocalAddress
	}

	if cfg.PublicAddress == "" {
		return nil, fmt.Errorf("missing or empty public address")
	}

	if cfg.LeaderId == cfg.Id {
		cfg.LeaderAddress = cfg.PublicAddress
	} else if cfg.LeaderId != "" && cfg.LeaderAddress == "" {
		sdata, found := cfg.Servers[cfg.LeaderId]
		if !found {
			return nil, fmt.Errorf("unknown leader id %q", cfg.LeaderId)
		}

		cfg.LeaderAddress = sdata.PublicAddress
	}

	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = time.Second
	}

	if cfg.RoundTimeout == 0 {
		cfg.RoundTimeout = 10 * time.Second
	}

	if cfg.MinRegistrationDelay == 0 {
		cfg.MinRegistrationDelay = 100 * time.Millisecond
	}

	if cfg.MaxRegistrationDelay == 0 {
		cfg.MaxRegistrationDelay = 5 * time.Second
	}

	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Second
	}

	transport := cfg.Transport
	if transport == nil {
		transport = NewHTTPTransport(cfg.Id)
	}

	self := NodeInfo{Id: cfg.Id, Address: cfg.PublicAddress}
	membership := NewMembership(self, cfg.LeaderId)

	for id, sdata := range cfg.Servers {
		membership.Register(id, sdata.PublicAddress)
	}

	if cfg.LeaderId != "" {
		membership.Register(cfg.LeaderId, cfg.LeaderAddress)
	}

	n := &Node{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:            cfg.Id,
		LocalAddress:  cfg.LocalAddress,
		PublicAddress: cfg.PublicAddress,

		membership: membership,

		transport: transport,

		stopChan: make(chan struct{}),
	}

	store := cfg.Store

	if cfg.DataDirectory != "" {
		dataDirectory := path.Join(cfg.DataDirectory, string(cfg.Id))

		n.acceptorStore = NewFileAcceptorStore(
			path.Join(dataDirectory, "acceptor.log"))

		if store == nil {
			n.fileStore = NewFileStore(path.Join(dataDirectory, "store.log"))
			store = n.fileStore
		}
	}

	if store == nil {
		store = NewMemoryStore()
	}

	if n.acceptorStore != nil {
		n.acceptor = NewAcceptor(n.acceptorStore)
	} else {
		n.acceptor = NewAcceptor(nil)
	}

	n.learner = NewLearner(store)

	proposerCfg := ProposerCfg{
		NodeId:  cfg.Id,
		Cluster: &nodeCluster{node: n},

		Logger: cfg.Logger,

		MaxAttempts: cfg.MaxRoundAttempts,

		MinRetryDelay: cfg.MinRetryDelay,
		MaxRetryDelay: cfg.MaxRetryDelay,
	}

	proposer, err := NewProposer(proposerCfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create proposer: %w", err)
	}

	n.proposer = proposer

	return n, nil
}

func (n *Node) Start(errorChan chan<- error) error {
	n.Log.Debug(1, "starting")

	n.errorChan = errorChan

	if n.Cfg.DataDirectory != "" {
		dataDirectory := path.Join(n.Cfg.DataDirectory, string(n.Id))

		if err := os.MkdirAll(dataDirectory, 0700); err != nil {
			return fmt.Errorf("cannot create directory %q: %w",
				dataDirectory, err)
		}
	}

	// Stores
	if n.fileStore != nil {
		if err := n.fileStore.Open(); err != nil {
			return fmt.Errorf("cannot open store: %w", err)
		}
	}

	if err := n.acceptor.Load(); err != nil {
		n.closeStores()
		return err
	}

	// Transport
	if n.LocalAddress != "" {
		if err := n.startHTTPServer(); err != nil {
			n.closeStores()
			return fmt.Errorf("cannot start http server: %w", err)
		}
	}

	// Membership
	if !n.membership.IsLeader() && n.Cfg.LeaderAddress != "" {
		n.goBackground("registration", n.registerWithLeader)
	}

	if n.Cfg.PingInterval > 0 {
		n.goBackground("monitor", n.monitor)
	}

	n.Log.Debug(1, "started")

	return nil
}

func (n *Node) Stop() {
	n.Log.Debug(1, "stopping")

	n.stopMu.Lock()
	select {
	case <-n.stopChan:
		n.stopMu.Unlock()
		return
	default:
		close(n.stopChan)
	}
	n.stopMu.Unlock()

	n.stopHTTPServer()
	n.wg.Wait()

	n.closeStores()

	n.Log.Debug(1, "stopped")
}

func (n *Node) closeStores() {
	if n.fileStore != nil {
		n.fileStore.Close()
	}

	if n.acceptorStore != nil {
		n.acceptorStore.Close()
	}
}

// goBackground runs fn in a goroutine tracked by the node unless the node is
// being stopped.
func (n *Node) goBackground(name string, fn func()) bool {
	n.stopMu.Lock()
	defer n.stopMu.Unlock()

	select {
	case <-n.stopChan:
		return false
	default:
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer logPanic(n.Log, name)

		fn()
	}()

	return true
}

func (n *Node) reportError(err error) {
	if n.errorChan == nil {
		n.Log.Error("%v", err)
		return
	}

	select {
	case n.errorChan <- err:
	case <-n.stopChan:
	}
}

func (n *Node) Membership() *Membership {
	return n.membership
}

func (n *Node) Acceptor() *Acceptor {
	return n.acceptor
}

func (n *Node) Read(key string) (string, bool) {
	return n.learner.Read(key)
}

func (n *Node) Keys() []string {
	return n.learner.Keys()
}

// Insert decides a value for a key. Nodes which are not the leader forward
// the request to the leader, and run the round themselves if the leader
// cannot be reached.
func (n *Node) Insert(ctx context.Context, key, value string) (*Proposal, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	if !n.membership.IsLeader() {
		proposal, err := n.forwardInsert(ctx, key, value)
		if err == nil {
			return proposal, nil
		}

		n.Log.Error("cannot forward insert to leader %s, running round "+
			"locally: %v", n.membership.LeaderId(), err)
	}

	return n.runInsert(ctx, key, value)
}

func (n *Node) runInsert(ctx context.Context, key, value string) (*Proposal, error) {
	ctx, cancel := context.WithTimeout(ctx, n.Cfg.RoundTimeout)
	defer cancel()

	proposal, err := n.proposer.RunRound(ctx, key, value)
	if err != nil {
		return nil, err
	}

	n.Log.Debug(1, "decided %v", proposal)

	return proposal, nil
}

func (n *Node) forwardInsert(ctx context.Context, key, value string) (*Proposal, error) {
	leader, found := n.membership.Node(n.membership.LeaderId())
	if !found {
		return nil, fmt.Errorf("unknown leader %q", n.membership.LeaderId())
	}

	ctx, cancel := context.WithTimeout(ctx, n.Cfg.RoundTimeout)
	defer cancel()

	resMsg, err := n.transport.Call(ctx, leader.Address,
		&InsertRequest{Key: key, Value: value})
	if err != nil {
		return nil, &PeerError{Id: leader.Id, Err: err}
	}

	res, ok := resMsg.(*InsertResponse)
	if !ok {
		return nil, unexpectedResponseError(resMsg)
	}

	if !res.Success {
		return nil, fmt.Errorf("leader %s could not decide a value", leader.Id)
	}

	return &res.Proposal, nil
}

// Repair makes the local learner catch up on a key whose commit it may have
// missed, then returns the local value. A key for which no member of the
// majority accepted anything was never decided and is reported as absent.
func (n *Node) Repair(ctx context.Context, key string) (string, bool, error) {
	if err := ValidateKey(key); err != nil {
		return "", false, err
	}

	ctx, cancel := context.WithTimeout(ctx, n.Cfg.RoundTimeout)
	defer cancel()

	proposal, err := n.proposer.Learn(ctx, key)
	if err != nil {
		return "", false, err
	}

	if proposal != nil {
		n.Log.Debug(1, "repaired %v", proposal)
	}

	value, found := n.learner.Read(key)
	return value, found, nil
}

func (n *Node) Ping(ctx context.Context, id NodeId) error {
	peer, found := n.membership.Node(id)
	if !found {
		return fmt.Errorf("unknown node %q", id)
	}

	if id == n.Id {
		return nil
	}

	resMsg, err := n.call(ctx, peer, &PingRequest{})
	if err != nil {
		return err
	}

	res, ok := resMsg.(*PingResponse)
	if !ok {
		return unexpectedResponseError(resMsg)
	}

	if !res.Health {
		return fmt.Errorf("node %s is not healthy", id)
	}

	return nil
}

func (n *Node) HandleRPC(ctx context.Context, sourceId NodeId, msg RPCMsg) (RPCMsg, error) {
	n.Log.Debug(2, "received %v from %s", msg, sourceId)

	if sourceId != n.Id {
		n.setPeerStatus(sourceId, NodeStatusActive)
	}

	switch msgv := msg.(type) {
	case *PingRequest:
		return &PingResponse{Health: true}, nil

	case *RegisterRequest:
		return n.onRegisterRequest(msgv)

	case *ProposeRequest:
		return n.onProposeRequest(msgv)

	case *AcceptRequest:
		return n.onAcceptRequest(msgv)

	case *CommitRequest:
		return n.onCommitRequest(msgv)

	case *InsertRequest:
		return n.onInsertRequest(ctx, msgv)

	default:
		return nil, fmt.Errorf("unexpected message %v", msg)
	}
}

func (n *Node) onProposeRequest(req *ProposeRequest) (RPCMsg, error) {
	proposal := req.Proposal()

	if err := ValidateKey(proposal.Key); err != nil {
		return nil, err
	}

	promise, err := n.acceptor.Prepare(proposal)
	if err != nil {
		var staleErr *StaleProposalError
		if errors.As(err, &staleErr) {
			n.Log.Debug(2, "rejecting %v: %v", proposal, staleErr)

			return &ProposeResponse{
				Promised:   false,
				PromisedId: staleErr.PromisedId,
			}, nil
		}

		return nil, err
	}

	return &ProposeResponse{
		Promised:      true,
		PromisedId:    promise.PromisedId,
		AcceptedId:    promise.AcceptedId,
		AcceptedValue: promise.AcceptedValue,
	}, nil
}

func (n *Node) onAcceptRequest(req *AcceptRequest) (RPCMsg, error) {
	proposal := req.Proposal()

	if err := ValidateKey(proposal.Key); err != nil {
		return nil, err
	}

	msg, err := n.acceptor.Accept(proposal)
	if err != nil {
		var staleErr *StaleProposalError
		if errors.As(err, &staleErr) {
			n.Log.Debug(2, "rejecting %v: %v", proposal, staleErr)

			return &AcceptResponse{
				Status:     AcceptStatusRejected,
				ProposalId: proposal.Id,
				Proposal:   proposal,
				PromisedId: staleErr.PromisedId,
			}, nil
		}

		return nil, err
	}

	return &AcceptResponse{
		Status:     msg.Status,
		ProposalId: msg.ProposalId,
		Proposal:   msg.Proposal,
		PromisedId: msg.ProposalId,
	}, nil
}

func (n *Node) onCommitRequest(req *CommitRequest) (RPCMsg, error) {
	proposal := req.Proposal()

	if err := ValidateKey(proposal.Key); err != nil {
		return nil, err
	}

	if err := n.learner.Insert(proposal); err != nil {
		return nil, err
	}

	return &CommitResponse{Accepted: true}, nil
}

func (n *Node) onInsertRequest(ctx context.Context, req *InsertRequest) (RPCMsg, error) {
	if err := ValidateKey(req.Key); err != nil {
		return nil, err
	}

	// Forwarded inserts are never forwarded again, even if the local node
	// does not consider itself the leader.
	proposal, err := n.runInsert(ctx, req.Key, req.Value)
	if err != nil {
		return nil, err
	}

	return &InsertResponse{Success: true, Proposal: *proposal}, nil
}

// call sends a message to a peer with the peer timeout and keeps track of
// the reachability of the peer. A call interrupted because the parent
// context is done, for example once a quorum was reached without the peer,
// says nothing about the peer and does not change its status.
func (n *Node) call(ctx context.Context, peer NodeInfo, msg RPCMsg) (RPCMsg, error) {
	callCtx, cancel := context.WithTimeout(ctx, n.Cfg.PeerTimeout)
	defer cancel()

	n.Log.Debug(2, "sending %v to %s", msg, peer.Id)

	resMsg, err := n.transport.Call(callCtx, peer.Address, msg)
	if err != nil {
		if ctx.Err() == nil {
			n.setPeerStatus(peer.Id, NodeStatusUnreachable)
		}

		return nil, &PeerError{Id: peer.Id, Err: err}
	}

	n.setPeerStatus(peer.Id, NodeStatusActive)

	return resMsg, nil
}

func (n *Node) setPeerStatus(id NodeId, status NodeStatus) {
	prevStatus, found := n.membership.SetStatus(id, status)
	if !found || prevStatus == status {
		return
	}

	switch status {
	case NodeStatusActive:
		n.Log.Info("node %s is reachable", id)
	case NodeStatusUnreachable:
		if prevStatus != NodeStatusRetrying {
			n.Log.Info("node %s is unreachable", id)
		}
	}
}

func unexpectedResponseError(msg RPCMsg) error {
	return fmt.Errorf("unexpected response %v", msg)
}
