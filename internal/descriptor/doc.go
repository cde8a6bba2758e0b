// Package descriptor implements the growable descriptor-slot allocator.
//
// A Heap hands out contiguous ranges of fixed-stride descriptor slots. The
// allocation table is one bit per slot; a search cursor advances past every
// successful allocation and is pulled back by releases, so steady-state
// churn is amortized O(1). When no free range lies between the cursor and
// the end of the heap, the heap grows to the next power of two instead of
// rescanning from zero. Growth copies every existing descriptor to the same
// index in the new storage, so outstanding indices stay valid.
//
// Shader-visible heaps (ShaderResource and Sampler) keep a mirror that
// shaders read from. Descriptors are written to host storage first and
// published with CopyToShaderVisible.
package descriptor
