// types/resource.go
package types

import (
	"github.com/fxamacker/cbor/v2"
)

// Resource is a durable, spendable output produced by an operation. Once the
// block producing it is finalized it lives in the resource table until an
// operation consumes it.
type Resource struct {
	ID      ID     `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint,omitempty"`
}

func (r *Resource) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

func (r *Resource) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, r)
}
