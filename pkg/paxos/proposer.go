package paxos

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Cluster is the view of the cluster used by a proposer to run rounds. Calls
// on the local node must not go through the network.
type Cluster interface {
	Peers() []NodeInfo

	Propose(context.Context, NodeInfo, Proposal) (*Promise, error)
	Accept(context.Context, NodeInfo, Proposal) (*AcceptedMsg, error)
	Commit(context.Context, NodeInfo, Proposal) error
}

type ProposerCfg struct {
	NodeId  NodeId
	Cluster Cluster

	Logger Logger

	MaxAttempts int

	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
}

type Proposer struct {
	Cfg ProposerCfg
	Log Logger

	nodeId  NodeId
	cluster Cluster

	mu            sync.Mutex
	round         uint64
	randGenerator *rand.Rand
}

func NewProposer(cfg ProposerCfg) (*Proposer, error) {
	if cfg.NodeId == "" {
		return nil, fmt.Errorf("missing or empty node id")
	}

	if cfg.Cluster == nil {
		return nil, fmt.Errorf("missing cluster")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}

	if cfg.MinRetryDelay == 0 {
		cfg.MinRetryDelay = 10 * time.Millisecond
	}

	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = 100 * time.Millisecond
	}

	if cfg.MaxRetryDelay < cfg.MinRetryDelay {
		return nil, fmt.Errorf("invalid retry delay range")
	}

	randSource := rand.NewSource(time.Now().UnixNano())

	p := &Proposer{
		Cfg: cfg,
		Log: cfg.Logger,

		nodeId:  cfg.NodeId,
		cluster: cfg.Cluster,

		randGenerator: rand.New(randSource),
	}

	return p, nil
}

// NextProposalId returns an id strictly higher than any id previously
// returned by this proposer or observed in a rejection.
func (p *Proposer) NextProposalId() ProposalId {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.round++

	return ProposalId{Round: p.round, NodeId: p.nodeId}
}

func (p *Proposer) observe(id ProposalId) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id.Round > p.round {
		p.round = id.Round
	}
}

// RunRound runs consensus rounds until a value is decided for the key or
// until the maximum number of attempts is reached. The decided value is the
// requested one unless another value was already accepted for the key.
func (p *Proposer) RunRound(ctx context.Context, key, value string) (*Proposal, error) {
	return p.run(ctx, key, &value)
}

// Learn runs a round without a value of its own: if a value was accepted for
// the key by a member of the majority, it is driven to completion and
// returned. If nothing was ever accepted, Learn returns nil.
func (p *Proposer) Learn(ctx context.Context, key string) (*Proposal, error) {
	return p.run(ctx, key, nil)
}

func (p *Proposer) run(ctx context.Context, key string, value *string) (*Proposal, error) {
	var err error

	for attempt := 1; attempt <= p.Cfg.MaxAttempts; attempt++ {
		// Membership is read once per attempt; nodes joining during the
		// attempt do not change its quorum.
		peers := p.cluster.Peers()

		var proposal *Proposal
		proposal, err = p.attempt(ctx, peers, key, value)
		if err == nil {
			return proposal, nil
		}

		if !errors.Is(err, ErrQuorumUnreachable) {
			return nil, err
		}

		p.Log.Debug(1, "attempt %d/%d for key %q failed: %v",
			attempt, p.Cfg.MaxAttempts, key, err)

		if attempt < p.Cfg.MaxAttempts {
			if err := p.wait(ctx); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("cannot decide value for key %q after %d "+
		"attempts: %w", key, p.Cfg.MaxAttempts, err)
}

func (p *Proposer) attempt(ctx context.Context, peers []NodeInfo, key string, value *string) (*Proposal, error) {
	nbPeers := len(peers)
	quorum := Quorum(nbPeers)

	proposal := Proposal{
		Id:  p.NextProposalId(),
		Key: key,
	}

	if value != nil {
		proposal.Value = *value
	}

	// Phase 1
	promises, failures := gather(ctx, peers, quorum,
		func(ctx context.Context, peer NodeInfo) (*Promise, error) {
			promise, err := p.cluster.Propose(ctx, peer, proposal)
			if err != nil {
				return nil, err
			}

			if promise.PromisedId != proposal.Id {
				return nil, fmt.Errorf("promise for %v does not match "+
					"proposal %v", promise.PromisedId, proposal.Id)
			}

			return promise, nil
		})
	p.observeFailures(failures)

	if len(promises) < quorum {
		return nil, fmt.Errorf("%w: %d/%d promises for %v",
			ErrQuorumUnreachable, len(promises), nbPeers, proposal.Id)
	}

	// A value accepted by any member of the majority may already have been
	// chosen; the one with the highest id must be proposed again.
	var acceptedId *ProposalId

	for _, reply := range promises {
		promise := reply.value
		if promise.AcceptedId == nil || promise.AcceptedValue == nil {
			continue
		}

		if acceptedId == nil || acceptedId.Less(*promise.AcceptedId) {
			acceptedId = promise.AcceptedId
			proposal.Value = *promise.AcceptedValue
		} else if *acceptedId == *promise.AcceptedId &&
			proposal.Value != *promise.AcceptedValue {
			p.Log.Error("conflicting values accepted for proposal %v",
				*acceptedId)
		}
	}

	if acceptedId != nil {
		if value != nil && proposal.Value != *value {
			p.Log.Debug(1, "adopting value accepted in proposal %v for "+
				"key %q", *acceptedId, key)
		}
	} else if value == nil {
		return nil, nil
	}

	// Phase 2
	acceptors := make([]NodeInfo, len(promises))
	for i, reply := range promises {
		acceptors[i] = reply.peer
	}

	accepted, failures := gather(ctx, acceptors, quorum,
		func(ctx context.Context, peer NodeInfo) (*AcceptedMsg, error) {
			msg, err := p.cluster.Accept(ctx, peer, proposal)
			if err != nil {
				return nil, err
			}

			if msg.Status != AcceptStatusAccepted {
				return nil, fmt.Errorf("proposal %v not accepted",
					proposal.Id)
			}

			return msg, nil
		})
	p.observeFailures(failures)

	if len(accepted) < quorum {
		return nil, fmt.Errorf("%w: %d/%d accepts for %v",
			ErrQuorumUnreachable, len(accepted), nbPeers, proposal.Id)
	}

	// Phase 3
	if err := p.commit(ctx, peers, proposal); err != nil {
		return nil, err
	}

	return &proposal, nil
}

// commit sends the decided proposal to every peer. Failures on remote peers
// are logged and ignored: the value is already chosen. A failure on the
// local node is returned.
func (p *Proposer) commit(ctx context.Context, peers []NodeInfo, proposal Proposal) error {
	var g errgroup.Group
	var nbCommits int32

	for _, peer := range peers {
		peer := peer

		g.Go(func() error {
			err := p.cluster.Commit(ctx, peer, proposal)
			if err == nil {
				atomic.AddInt32(&nbCommits, 1)
				return nil
			}

			if peer.Id == p.nodeId {
				return fmt.Errorf("cannot commit %v: %w", proposal.Id, err)
			}

			p.Log.Error("cannot commit %v on %s: %v", proposal.Id, peer.Id, err)
			return nil
		})
	}

	err := g.Wait()

	p.Log.Debug(1, "committed %v on %d/%d nodes",
		proposal, atomic.LoadInt32(&nbCommits), len(peers))

	return err
}

func (p *Proposer) observeFailures(failures []peerReply[error]) {
	for _, failure := range failures {
		var staleErr *StaleProposalError

		if errors.As(failure.value, &staleErr) {
			p.observe(staleErr.PromisedId)
		} else {
			p.Log.Debug(2, "no vote from %s: %v", failure.peer.Id, failure.value)
		}
	}
}

func (p *Proposer) wait(ctx context.Context) error {
	p.mu.Lock()
	minDelay := p.Cfg.MinRetryDelay.Nanoseconds()
	maxDelay := p.Cfg.MaxRetryDelay.Nanoseconds()
	delay := minDelay + p.randGenerator.Int63n(maxDelay-minDelay+1)
	p.mu.Unlock()

	timer := time.NewTimer(time.Duration(delay))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type peerReply[T any] struct {
	peer  NodeInfo
	value T
}

// gather calls fn on all peers concurrently. It returns as soon as quorum
// calls succeeded or as soon as too many calls failed for quorum to be
// reached; calls still running are then canceled.
func gather[T any](ctx context.Context, peers []NodeInfo, quorum int, fn func(context.Context, NodeInfo) (T, error)) ([]peerReply[T], []peerReply[error]) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		peer  NodeInfo
		value T
		err   error
	}

	resultChan := make(chan result, len(peers))

	for _, peer := range peers {
		go func(peer NodeInfo) {
			value, err := fn(ctx, peer)
			resultChan <- result{peer: peer, value: value, err: err}
		}(peer)
	}

	var replies []peerReply[T]
	var failures []peerReply[error]

	for i := 0; i < len(peers); i++ {
		r := <-resultChan

		if r.err == nil {
			replies = append(replies, peerReply[T]{peer: r.peer, value: r.value})
		} else {
			failures = append(failures, peerReply[error]{peer: r.peer, value: r.err})
		}

		if len(replies) >= quorum || len(failures) > len(peers)-quorum {
			break
		}
	}

	return replies, failures
}
