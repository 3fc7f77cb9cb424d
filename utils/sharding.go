package utils

import (
	"github.com/btcsuite/btcutil/bech32"
	"golang.org/x/crypto/blake2b"

	"github.com/thrylos-labs/shardtree/types"
)

// FingerprintFromAddress derives the routing fingerprint of an address.
// Bech32 addresses (e.g. "tl1...") are hashed over their decoded payload so
// that case and checksum variations route identically; anything else is
// hashed as raw bytes.
func FingerprintFromAddress(addr string) types.Fingerprint {
	if _, words, err := bech32.Decode(addr); err == nil {
		if data, err := bech32.ConvertBits(words, 5, 8, false); err == nil {
			return blake2b.Sum256(data)
		}
	}
	return blake2b.Sum256([]byte(addr))
}

// NewOperation builds an operation routed by the sender and receiver
// addresses.
func NewOperation(sender, receiver string, size int, inputs []types.ID, outputs []types.Resource) *types.Operation {
	return &types.Operation{
		ID:      types.NewID(),
		Size:    size,
		MatchA:  FingerprintFromAddress(sender),
		MatchB:  FingerprintFromAddress(receiver),
		Inputs:  inputs,
		Outputs: outputs,
	}
}
