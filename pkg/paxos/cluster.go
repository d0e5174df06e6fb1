package paxos

import (
	"context"
)

// nodeCluster is the view of the cluster used by the proposer of a node.
// Calls on the local node go straight to its acceptor and learner.
type nodeCluster struct {
	node *Node
}

func (c *nodeCluster) Peers() []NodeInfo {
	return c.node.membership.Peers()
}

func (c *nodeCluster) Propose(ctx context.Context, peer NodeInfo, p Proposal) (*Promise, error) {
	if peer.Id == c.node.Id {
		return c.node.acceptor.Prepare(p)
	}

	resMsg, err := c.node.call(ctx, peer, NewProposeRequest(p))
	if err != nil {
		return nil, err
	}

	res, ok := resMsg.(*ProposeResponse)
	if !ok {
		return nil, unexpectedResponseError(resMsg)
	}

	if !res.Promised {
		return nil, &StaleProposalError{
			ProposalId: p.Id,
			PromisedId: res.PromisedId,
		}
	}

	promise := Promise{
		PromisedId:    res.PromisedId,
		AcceptedId:    res.AcceptedId,
		AcceptedValue: res.AcceptedValue,
	}

	return &promise, nil
}

func (c *nodeCluster) Accept(ctx context.Context, peer NodeInfo, p Proposal) (*AcceptedMsg, error) {
	if peer.Id == c.node.Id {
		return c.node.acceptor.Accept(p)
	}

	resMsg, err := c.node.call(ctx, peer, NewAcceptRequest(p))
	if err != nil {
		return nil, err
	}

	res, ok := resMsg.(*AcceptResponse)
	if !ok {
		return nil, unexpectedResponseError(resMsg)
	}

	if res.Status != AcceptStatusAccepted {
		return nil, &StaleProposalError{
			ProposalId: p.Id,
			PromisedId: res.PromisedId,
		}
	}

	msg := AcceptedMsg{
		Status:     res.Status,
		ProposalId: res.ProposalId,
		Proposal:   res.Proposal,
	}

	return &msg, nil
}

func (c *nodeCluster) Commit(ctx context.Context, peer NodeInfo, p Proposal) error {
	if peer.Id == c.node.Id {
		return c.node.learner.Insert(p)
	}

	resMsg, err := c.node.call(ctx, peer, NewCommitRequest(p))
	if err != nil {
		return err
	}

	res, ok := resMsg.(*CommitResponse)
	if !ok {
		return unexpectedResponseError(resMsg)
	}

	if !res.Accepted {
		return &PeerError{Id: peer.Id, Err: ErrCommitRefused}
	}

	return nil
}
