// Package state tracks resource usage states across the commands of one
// command list and decides which barriers must be recorded before a use.
//
// Buffers are tracked as a whole. Textures start out tracked as a whole and
// switch to per-subresource tracking (mip level x array slice) the first time
// a subset is required in a different state. Resources with a permanent
// state are never transitioned; requiring a state they do not include is a
// contract violation.
package state

import (
	"fmt"
	"math/bits"
	"strings"
)

// States is a bitmask of simultaneous usage intents.
type States uint32

// Usage states.
const (
	Unknown        States = 0
	Common         States = 1 << (iota - 1)
	ConstantBuffer
	VertexBuffer
	IndexBuffer
	IndirectArgument
	ShaderResource
	UnorderedAccess
	RenderTarget
	DepthWrite
	DepthRead
	StreamOut
	CopyDest
	CopySource
	ResolveDest
	ResolveSource
	Present
	AccelStructRead
	AccelStructWrite
	AccelStructBuildInput
	ShadingRateSurface
)

var stateNames = [...]string{
	"Common",
	"ConstantBuffer",
	"VertexBuffer",
	"IndexBuffer",
	"IndirectArgument",
	"ShaderResource",
	"UnorderedAccess",
	"RenderTarget",
	"DepthWrite",
	"DepthRead",
	"StreamOut",
	"CopyDest",
	"CopySource",
	"ResolveDest",
	"ResolveSource",
	"Present",
	"AccelStructRead",
	"AccelStructWrite",
	"AccelStructBuildInput",
	"ShadingRateSurface",
}

// Has reports whether every bit of want is present in s.
func (s States) Has(want States) bool { return s&want == want }

// String returns the set bits joined with "|".
func (s States) String() string {
	if s == Unknown {
		return "Unknown"
	}
	var parts []string
	for rest := uint32(s); rest != 0; rest &= rest - 1 {
		bit := bits.TrailingZeros32(rest)
		if bit < len(stateNames) {
			parts = append(parts, stateNames[bit])
		} else {
			parts = append(parts, fmt.Sprintf("0x%x", uint32(1)<<bit))
		}
	}
	return strings.Join(parts, "|")
}
