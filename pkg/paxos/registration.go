package paxos

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// registerWithLeader announces the node to the leader, retrying with an
// exponential backoff until it succeeds or the node is stopped.
func (n *Node) registerWithLeader() {
	delay := n.Cfg.MinRegistrationDelay

	for {
		err := n.register()
		if err == nil {
			return
		}

		n.Log.Error("cannot register with leader %s (retrying in %v): %v",
			n.membership.LeaderId(), delay, err)

		timer := time.NewTimer(delay)

		select {
		case <-n.stopChan:
			timer.Stop()
			return

		case <-timer.C:
		}

		delay *= 2
		if delay > n.Cfg.MaxRegistrationDelay {
			delay = n.Cfg.MaxRegistrationDelay
		}
	}
}

func (n *Node) register() error {
	leader, found := n.membership.Node(n.membership.LeaderId())
	if !found {
		return fmt.Errorf("unknown leader %q", n.membership.LeaderId())
	}

	req := RegisterRequest{
		NodeId:  n.Id,
		Address: n.PublicAddress,
	}

	resMsg, err := n.call(context.Background(), leader, &req)
	if err != nil {
		return err
	}

	res, ok := resMsg.(*RegisterResponse)
	if !ok {
		return unexpectedResponseError(resMsg)
	}

	if !res.Accepted {
		return fmt.Errorf("registration refused by leader %s", leader.Id)
	}

	for _, member := range res.Members {
		if member.Id == n.Id {
			continue
		}

		if n.membership.Register(member.Id, member.Address) {
			n.Log.Info("node %s joined with address %s",
				member.Id, member.Address)
		}
	}

	n.Log.Info("registered with leader %s, %d members",
		leader.Id, n.membership.Size())

	return nil
}

func (n *Node) onRegisterRequest(req *RegisterRequest) (RPCMsg, error) {
	if n.membership.Register(req.NodeId, req.Address) {
		n.Log.Info("node %s joined with address %s", req.NodeId, req.Address)
	}

	if !req.Forwarded && n.membership.IsLeader() {
		forwardedReq := *req
		forwardedReq.Forwarded = true

		n.goBackground("registration forwarding", func() {
			n.forwardRegistration(&forwardedReq)
		})
	}

	res := RegisterResponse{
		Accepted: true,
		Members:  n.membership.Peers(),
	}

	return &res, nil
}

// forwardRegistration tells every other member about a node which registered
// with the leader.
func (n *Node) forwardRegistration(req *RegisterRequest) {
	var g errgroup.Group

	for _, peer := range n.membership.Peers() {
		if peer.Id == n.Id || peer.Id == req.NodeId {
			continue
		}

		peer := peer

		g.Go(func() error {
			if _, err := n.call(context.Background(), peer, req); err != nil {
				return fmt.Errorf("cannot forward registration of %s to %s: %w",
					req.NodeId, peer.Id, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		n.Log.Error("%v", err)
	}
}

func (n *Node) monitor() {
	ticker := time.NewTicker(n.Cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopChan:
			return

		case <-ticker.C:
			n.pingPeers()
		}
	}
}

func (n *Node) pingPeers() {
	var g errgroup.Group

	for _, peer := range n.membership.Peers() {
		if peer.Id == n.Id {
			continue
		}

		peer := peer

		g.Go(func() error {
			if peer.Status == NodeStatusUnreachable {
				n.membership.SetStatus(peer.Id, NodeStatusRetrying)
			}

			if err := n.Ping(context.Background(), peer.Id); err != nil {
				n.Log.Debug(2, "cannot ping %s: %v", peer.Id, err)
			}

			return nil
		})
	}

	g.Wait()
}
