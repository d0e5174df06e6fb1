package paxos

import (
	"encoding/json"
	"fmt"

	jsonvalidator "github.com/galdor/go-json-validator"
)

type RPCMsg interface {
	GetType() string

	fmt.Stringer
}

type PingRequest struct {
}

func (msg *PingRequest) GetType() string {
	return "pingRequest"
}

func (msg *PingRequest) String() string {
	return "PingRequest{}"
}

type PingResponse struct {
	Health bool `json:"health"`
}

func (msg *PingResponse) GetType() string {
	return "pingResponse"
}

func (msg *PingResponse) String() string {
	return fmt.Sprintf("PingResponse{health: %v}", msg.Health)
}

type RegisterRequest struct {
	NodeId    NodeId      `json:"nodeId"`
	Address   NodeAddress `json:"address"`
	Forwarded bool        `json:"forwarded,omitempty"`
}

func (msg *RegisterRequest) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("nodeId", string(msg.NodeId))
	v.CheckStringNotEmpty("address", string(msg.Address))
}

func (msg *RegisterRequest) GetType() string {
	return "registerRequest"
}

func (msg *RegisterRequest) String() string {
	return fmt.Sprintf("RegisterRequest{nodeId: %q, address: %q, "+
		"forwarded: %v}", msg.NodeId, msg.Address, msg.Forwarded)
}

type RegisterResponse struct {
	Accepted bool       `json:"accepted"`
	Members  []NodeInfo `json:"members,omitempty"`
}

func (msg *RegisterResponse) GetType() string {
	return "registerResponse"
}

func (msg *RegisterResponse) String() string {
	return fmt.Sprintf("RegisterResponse{accepted: %v, %d members}",
		msg.Accepted, len(msg.Members))
}

type ProposeRequest struct {
	ProposalId ProposalId `json:"proposalId"`
	Key        string     `json:"key"`
	Value      string     `json:"value"`
}

func NewProposeRequest(p Proposal) *ProposeRequest {
	return &ProposeRequest{ProposalId: p.Id, Key: p.Key, Value: p.Value}
}

func (msg *ProposeRequest) Proposal() Proposal {
	return NewProposal(msg.ProposalId, msg.Key, msg.Value)
}

func (msg *ProposeRequest) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("proposalId", &msg.ProposalId)
}

func (msg *ProposeRequest) GetType() string {
	return "proposeRequest"
}

func (msg *ProposeRequest) String() string {
	return fmt.Sprintf("ProposeRequest{proposalId: %v, key: %q}",
		msg.ProposalId, msg.Key)
}

// ProposeResponse carries a promise if Promised is true. Otherwise
// PromisedId is the id the acceptor has already promised.
type ProposeResponse struct {
	Promised      bool        `json:"promised"`
	PromisedId    ProposalId  `json:"promisedId"`
	AcceptedId    *ProposalId `json:"acceptedId,omitempty"`
	AcceptedValue *string     `json:"acceptedValue,omitempty"`
}

func (msg *ProposeResponse) GetType() string {
	return "proposeResponse"
}

func (msg *ProposeResponse) String() string {
	var acceptedId string
	if msg.AcceptedId != nil {
		acceptedId = msg.AcceptedId.String()
	}

	return fmt.Sprintf("ProposeResponse{promised: %v, promisedId: %v, "+
		"acceptedId: %s}", msg.Promised, msg.PromisedId, acceptedId)
}

type AcceptRequest struct {
	ProposalId ProposalId `json:"proposalId"`
	Key        string     `json:"key"`
	Value      string     `json:"value"`
}

func NewAcceptRequest(p Proposal) *AcceptRequest {
	return &AcceptRequest{ProposalId: p.Id, Key: p.Key, Value: p.Value}
}

func (msg *AcceptRequest) Proposal() Proposal {
	return NewProposal(msg.ProposalId, msg.Key, msg.Value)
}

func (msg *AcceptRequest) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("proposalId", &msg.ProposalId)
}

func (msg *AcceptRequest) GetType() string {
	return "acceptRequest"
}

func (msg *AcceptRequest) String() string {
	return fmt.Sprintf("AcceptRequest{proposalId: %v, key: %q}",
		msg.ProposalId, msg.Key)
}

// AcceptResponse carries the accepted proposal if Status is accepted.
// Otherwise PromisedId is the id the acceptor has already promised.
type AcceptResponse struct {
	Status     AcceptStatus `json:"status"`
	ProposalId ProposalId   `json:"proposalId"`
	Proposal   Proposal     `json:"proposal"`
	PromisedId ProposalId   `json:"promisedId"`
}

func (msg *AcceptResponse) GetType() string {
	return "acceptResponse"
}

func (msg *AcceptResponse) String() string {
	return fmt.Sprintf("AcceptResponse{status: %s, proposalId: %v}",
		msg.Status, msg.ProposalId)
}

type CommitRequest struct {
	ProposalId ProposalId `json:"proposalId"`
	Key        string     `json:"key"`
	Value      string     `json:"value"`
}

func NewCommitRequest(p Proposal) *CommitRequest {
	return &CommitRequest{ProposalId: p.Id, Key: p.Key, Value: p.Value}
}

func (msg *CommitRequest) Proposal() Proposal {
	return NewProposal(msg.ProposalId, msg.Key, msg.Value)
}

func (msg *CommitRequest) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("proposalId", &msg.ProposalId)
}

func (msg *CommitRequest) GetType() string {
	return "commitRequest"
}

func (msg *CommitRequest) String() string {
	return fmt.Sprintf("CommitRequest{proposalId: %v, key: %q}",
		msg.ProposalId, msg.Key)
}

type CommitResponse struct {
	Accepted bool `json:"accepted"`
}

func (msg *CommitResponse) GetType() string {
	return "commitResponse"
}

func (msg *CommitResponse) String() string {
	return fmt.Sprintf("CommitResponse{accepted: %v}", msg.Accepted)
}

type InsertRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (msg *InsertRequest) GetType() string {
	return "insertRequest"
}

func (msg *InsertRequest) String() string {
	return fmt.Sprintf("InsertRequest{key: %q}", msg.Key)
}

// InsertResponse contains the decided proposal, whose value can differ from
// the requested one.
type InsertResponse struct {
	Success  bool     `json:"success"`
	Proposal Proposal `json:"proposal"`
}

func (msg *InsertResponse) GetType() string {
	return "insertResponse"
}

func (msg *InsertResponse) String() string {
	return fmt.Sprintf("InsertResponse{success: %v, proposalId: %v}",
		msg.Success, msg.Proposal.Id)
}

func EncodeRPCMsg(msg RPCMsg) ([]byte, error) {
	value := struct {
		Type  string `json:"type"`
		Value RPCMsg `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

func DecodeRPCMsg(data []byte) (RPCMsg, error) {
	var value struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	var msg RPCMsg

	switch value.Type {
	case "pingRequest":
		msg = &PingRequest{}
	case "pingResponse":
		msg = &PingResponse{}

	case "registerRequest":
		msg = &RegisterRequest{}
	case "registerResponse":
		msg = &RegisterResponse{}

	case "proposeRequest":
		msg = &ProposeRequest{}
	case "proposeResponse":
		msg = &ProposeResponse{}

	case "acceptRequest":
		msg = &AcceptRequest{}
	case "acceptResponse":
		msg = &AcceptResponse{}

	case "commitRequest":
		msg = &CommitRequest{}
	case "commitResponse":
		msg = &CommitResponse{}

	case "insertRequest":
		msg = &InsertRequest{}
	case "insertResponse":
		msg = &InsertResponse{}

	default:
		return nil, fmt.Errorf("unknown message type %q", value.Type)
	}

	if err := json.Unmarshal(value.Value, msg); err != nil {
		return nil, err
	}

	if err := jsonvalidator.Validate(msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", value.Type, err)
	}

	return msg, nil
}
