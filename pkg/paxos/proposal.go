package paxos

import (
	"fmt"
	"strings"
)

// Proposal is a value object; it is always passed and stored by copy.
type Proposal struct {
	Id    ProposalId `json:"id"`
	Key   string     `json:"key"`
	Value string     `json:"value"`
}

func NewProposal(id ProposalId, key, value string) Proposal {
	return Proposal{
		Id:    id,
		Key:   key,
		Value: value,
	}
}

func (p Proposal) String() string {
	return fmt.Sprintf("Proposal{id: %v, key: %q, value: %q}",
		p.Id, p.Key, p.Value)
}

func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	if strings.IndexByte(key, UnitSeparator) >= 0 {
		return fmt.Errorf("%w: key contains a unit separator", ErrInvalidKey)
	}

	return nil
}
