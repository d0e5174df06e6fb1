package paxos

import (
	"testing"
)

func TestRPCMsgEncoding(t *testing.T) {
	acceptedId := pid(3, "a")
	acceptedValue := ""

	msg := ProposeResponse{
		Promised:      true,
		PromisedId:    pid(4, "b"),
		AcceptedId:    &acceptedId,
		AcceptedValue: &acceptedValue,
	}

	data, err := EncodeRPCMsg(&msg)
	if err != nil {
		t.Fatalf("cannot encode message: %v", err)
	}

	msg2, err := DecodeRPCMsg(data)
	if err != nil {
		t.Fatalf("cannot decode message: %v", err)
	}

	res, ok := msg2.(*ProposeResponse)
	if !ok {
		t.Fatalf("unexpected message %#v", msg2)
	}

	// An empty accepted value is still a value
	if res.AcceptedValue == nil || *res.AcceptedValue != "" {
		t.Errorf("accepted value was lost")
	}

	if res.AcceptedId == nil || *res.AcceptedId != acceptedId {
		t.Errorf("accepted id was lost")
	}

	data, err = EncodeRPCMsg(&ProposeResponse{PromisedId: pid(4, "b")})
	if err != nil {
		t.Fatalf("cannot encode message: %v", err)
	}

	msg2, err = DecodeRPCMsg(data)
	if err != nil {
		t.Fatalf("cannot decode message: %v", err)
	}

	if res := msg2.(*ProposeResponse); res.AcceptedId != nil ||
		res.AcceptedValue != nil {
		t.Errorf("absent accepted proposal was decoded as %v", res)
	}
}

func TestDecodeUnknownRPCMsg(t *testing.T) {
	if _, err := DecodeRPCMsg([]byte(`{"type": "foo", "value": {}}`)); err == nil {
		t.Errorf("unknown message type should not be decoded")
	}
}

func TestDecodeInvalidRPCMsg(t *testing.T) {
	invalidMsgs := []string{
		`{"type": "registerRequest", "value": {"address": "localhost:9001"}}`,
		`{"type": "registerRequest", "value": {"nodeId": "n2"}}`,
		`{"type": "proposeRequest", "value": {"key": "x"}}`,
		`{"type": "acceptRequest", "value": {"proposalId": {"round": 0, "nodeId": "n1"}, "key": "x"}}`,
		`{"type": "commitRequest", "value": {"proposalId": {"round": 3}, "key": "x"}}`,
	}

	for _, data := range invalidMsgs {
		if msg, err := DecodeRPCMsg([]byte(data)); err == nil {
			t.Errorf("invalid message %s was decoded as %v", data, msg)
		}
	}

	data := `{"type": "commitRequest", "value": {"proposalId": {"round": 3, "nodeId": "n1"}, "key": "x", "value": "1"}}`
	if _, err := DecodeRPCMsg([]byte(data)); err != nil {
		t.Errorf("cannot decode valid commit request: %v", err)
	}
}

func TestProposalIdOrdering(t *testing.T) {
	ids := []ProposalId{
		{},
		pid(1, "a"),
		pid(1, "b"),
		pid(2, "a"),
		pid(10, "a"),
	}

	for i := 0; i < len(ids)-1; i++ {
		if !ids[i].Less(ids[i+1]) || ids[i+1].Less(ids[i]) {
			t.Errorf("%v should be lower than %v", ids[i], ids[i+1])
		}
	}

	if !(ProposalId{}).IsZero() || pid(1, "a").IsZero() {
		t.Errorf("invalid zero proposal id")
	}
}
