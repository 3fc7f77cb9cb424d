package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thrylos-labs/shardtree/types"
)

func TestMaskClassify(t *testing.T) {
	tests := []struct {
		name   string
		depth  int
		a, b   types.Fingerprint
		expect Direction
	}{
		{"both zero", 0, types.Fingerprint{0x00}, types.Fingerprint{0x7f}, Left},
		{"both one", 0, types.Fingerprint{0x80}, types.Fingerprint{0xff}, Right},
		{"disagree", 0, types.Fingerprint{0x80}, types.Fingerprint{0x00}, Center},
		{"second bit", 1, types.Fingerprint{0x40}, types.Fingerprint{0xc0}, Right},
		{"second byte", 8, types.Fingerprint{0xff, 0x00}, types.Fingerprint{0x00, 0x7f}, Left},
		{"wraps past the end", MaxDepth, types.Fingerprint{0x80}, types.Fingerprint{0x80}, Right},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMask(tt.depth)
			assert.Equal(t, tt.expect, m.Classify(tt.a, tt.b))
			assert.Equal(t, tt.expect, m.Classify(tt.a, tt.b), "classification is deterministic")
		})
	}
}

func TestMaskAdvance(t *testing.T) {
	m := NewMask(3).Advance()
	assert.Equal(t, 4, m.Depth)
	assert.Equal(t, "mask(depth=4, byte=0, bit=4)", m.String())
	assert.Equal(t, "center", Center.String())
}
