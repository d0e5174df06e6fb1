package paxos

import (
	"fmt"
	"strings"
)

// UnitSeparator separates the fields of store operations. Keys cannot
// contain it; the last field of an operation, usually a value, can.
const UnitSeparator byte = 0x1f

var unitSeparator = string(UnitSeparator)

type OpName string

const (
	OpNamePut OpName = "put"
)

// Op is a store operation as written in the store record log.
type Op interface {
	Name() OpName
	Fields() []string
}

type opDecodeFunc func([]string) (Op, error)

var opDecoders = map[OpName]struct {
	nbFields int
	decode   opDecodeFunc
}{
	OpNamePut: {2, decodeOpPut},
}

func EncodeOp(op Op) []byte {
	fields := append([]string{string(op.Name())}, op.Fields()...)
	return []byte(strings.Join(fields, unitSeparator))
}

func DecodeOp(data []byte) (Op, error) {
	name, rest, found := strings.Cut(string(data), unitSeparator)
	if !found {
		return nil, fmt.Errorf("missing op name separator")
	}

	decoder, found := opDecoders[OpName(name)]
	if !found {
		return nil, fmt.Errorf("unknown op %q", name)
	}

	fields := strings.SplitN(rest, unitSeparator, decoder.nbFields)
	if len(fields) != decoder.nbFields {
		return nil, fmt.Errorf("invalid %s op: %d fields instead of %d",
			name, len(fields), decoder.nbFields)
	}

	return decoder.decode(fields)
}

type OpPut struct {
	Key   string
	Value string
}

func (op *OpPut) Name() OpName {
	return OpNamePut
}

func (op *OpPut) Fields() []string {
	return []string{op.Key, op.Value}
}

func decodeOpPut(fields []string) (Op, error) {
	if fields[0] == "" {
		return nil, fmt.Errorf("invalid put op: empty key")
	}

	return &OpPut{Key: fields[0], Value: fields[1]}, nil
}
