package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Operation defines an application-level content unit waiting for inclusion
// in a block. Operations are immutable once created and may be shared by
// pointer between pools.
type Operation struct {
	ID      ID          `cbor:"1,keyasint"`
	Size    int         `cbor:"2,keyasint"`
	MatchA  Fingerprint `cbor:"3,keyasint"`
	MatchB  Fingerprint `cbor:"4,keyasint"`
	Inputs  []ID        `cbor:"5,keyasint,omitempty"`
	Outputs []Resource  `cbor:"6,keyasint,omitempty"`
	Payload []byte      `cbor:"7,keyasint,omitempty"`
}

// SerializedSize is the size estimate used when packing blocks.
func (op *Operation) SerializedSize() int {
	return op.Size
}

// Validate is the operation's validity predicate. Operations failing it are
// rejected at submission and never enter a pool.
func (op *Operation) Validate() error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	}
	if op.ID == ZeroID {
		return fmt.Errorf("%w: missing id", ErrInvalidOperation)
	}
	if op.Size <= 0 {
		return fmt.Errorf("%w: operation %s has non-positive size %d", ErrInvalidOperation, op.ID, op.Size)
	}

	inputs := make(IDSet, len(op.Inputs))
	for _, in := range op.Inputs {
		if in == ZeroID {
			return fmt.Errorf("%w: operation %s consumes the zero resource", ErrInvalidOperation, op.ID)
		}
		if inputs.Has(in) {
			return fmt.Errorf("%w: operation %s consumes %s twice", ErrInvalidOperation, op.ID, in)
		}
		inputs.Add(in)
	}

	outputs := make(IDSet, len(op.Outputs))
	for _, out := range op.Outputs {
		if out.ID == ZeroID {
			return fmt.Errorf("%w: operation %s produces the zero resource", ErrInvalidOperation, op.ID)
		}
		if inputs.Has(out.ID) || outputs.Has(out.ID) {
			return fmt.Errorf("%w: operation %s reuses resource id %s", ErrInvalidOperation, op.ID, out.ID)
		}
		outputs.Add(out.ID)
	}
	return nil
}

// Marshal serializes the operation into CBOR format
func (op *Operation) Marshal() ([]byte, error) {
	return cbor.Marshal(op)
}

// Unmarshal deserializes the operation from CBOR format
func (op *Operation) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, op)
}

// OperationIDs returns the ids of ops in order.
func OperationIDs(ops []*Operation) []ID {
	ids := make([]ID, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}
