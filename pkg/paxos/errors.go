package paxos

import (
	"errors"
	"fmt"
)

var (
	ErrQuorumUnreachable = errors.New("quorum unreachable")
	ErrInvalidKey        = errors.New("invalid key")
	ErrUnknownKey        = errors.New("unknown key")
	ErrNodeStopped       = errors.New("node stopped")
	ErrCommitRefused     = errors.New("commit refused")
)

// StaleProposalError is returned by an acceptor which has already promised a
// proposal id higher than the one it was asked to prepare or accept.
type StaleProposalError struct {
	ProposalId ProposalId
	PromisedId ProposalId
}

func (err *StaleProposalError) Error() string {
	return fmt.Sprintf("stale proposal %v (promised %v)",
		err.ProposalId, err.PromisedId)
}

type PeerError struct {
	Id  NodeId
	Err error
}

func (err *PeerError) Error() string {
	return fmt.Sprintf("peer %s: %v", err.Id, err.Err)
}

func (err *PeerError) Unwrap() error {
	return err.Err
}

type StoreWriteError struct {
	Key string
	Err error
}

func (err *StoreWriteError) Error() string {
	return fmt.Sprintf("cannot write key %q to store: %v", err.Key, err.Err)
}

func (err *StoreWriteError) Unwrap() error {
	return err.Err
}
