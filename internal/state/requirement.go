package state

// Requirement is the state a binding needs from one resource. Binding sets
// store requirements and evaluate them against the tracker of every command
// list that consumes the set, right before the draw or dispatch.
//
// Exactly one of Texture and Buffer is set.
type Requirement struct {
	Texture      *Texture
	Subresources SubresourceSet
	Buffer       *Buffer
	State        States
}

// TextureRequirement builds a texture requirement.
func TextureRequirement(t *Texture, subresources SubresourceSet, s States) Requirement {
	return Requirement{Texture: t, Subresources: subresources, State: s}
}

// BufferRequirement builds a buffer requirement.
func BufferRequirement(b *Buffer, s States) Requirement {
	return Requirement{Buffer: b, State: s}
}

// Apply requires the state from tr.
func (r Requirement) Apply(tr *Tracker) error {
	if r.Texture != nil {
		return tr.RequireTexture(r.Texture, r.Subresources, r.State)
	}
	if r.Buffer != nil {
		return tr.RequireBuffer(r.Buffer, r.State)
	}
	return nil
}
