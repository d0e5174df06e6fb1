package paxos

import (
	"fmt"
	"strings"

	jsonvalidator "github.com/galdor/go-json-validator"
)

type NodeId string

type NodeAddress string

type ServerSet map[NodeId]ServerData

type ServerData struct {
	LocalAddress  NodeAddress `json:"localAddress"`
	PublicAddress NodeAddress `json:"publicAddress"`
}

type NodeStatus string

const (
	NodeStatusActive      NodeStatus = "active"
	NodeStatusUnreachable NodeStatus = "unreachable"
	NodeStatusRetrying    NodeStatus = "retrying"
)

type NodeInfo struct {
	Id      NodeId      `json:"id"`
	Address NodeAddress `json:"address"`
	Status  NodeStatus  `json:"status"`
}

// ProposalId orders proposals across the whole cluster. Rounds are compared
// first; the node id breaks ties so that two nodes never issue the same id.
type ProposalId struct {
	Round  uint64 `json:"round"`
	NodeId NodeId `json:"nodeId"`
}

func (id *ProposalId) ValidateJSON(v *jsonvalidator.Validator) {
	v.Check("round", id.Round > 0, "invalid_round", "round must be positive")
	v.CheckStringNotEmpty("nodeId", string(id.NodeId))
}

func (id ProposalId) Compare(id2 ProposalId) int {
	switch {
	case id.Round < id2.Round:
		return -1
	case id.Round > id2.Round:
		return 1
	}

	return strings.Compare(string(id.NodeId), string(id2.NodeId))
}

func (id ProposalId) Less(id2 ProposalId) bool {
	return id.Compare(id2) < 0
}

func (id ProposalId) IsZero() bool {
	return id.Round == 0 && id.NodeId == ""
}

func (id ProposalId) String() string {
	return fmt.Sprintf("%d.%s", id.Round, id.NodeId)
}

type AcceptStatus string

const (
	AcceptStatusAccepted AcceptStatus = "accepted"
	AcceptStatusRejected AcceptStatus = "rejected"
)

// Promise is returned by a successful prepare. AcceptedId and AcceptedValue
// are set if the acceptor has already accepted a proposal for the key.
type Promise struct {
	PromisedId    ProposalId  `json:"promisedId"`
	AcceptedId    *ProposalId `json:"acceptedId,omitempty"`
	AcceptedValue *string     `json:"acceptedValue,omitempty"`
}

type AcceptedMsg struct {
	Status     AcceptStatus `json:"status"`
	ProposalId ProposalId   `json:"proposalId"`
	Proposal   Proposal     `json:"proposal"`
}

type AcceptorState struct {
	MaxPromisedId ProposalId `json:"maxPromisedId"`
	MaxAcceptedId ProposalId `json:"maxAcceptedId"`
	LastAccepted  *Proposal  `json:"lastAccepted,omitempty"`
}
