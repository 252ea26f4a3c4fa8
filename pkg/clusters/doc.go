// Package clusters binds a cluster's attribute and command schema to typed
// methods on top of an im.InteractionClient, without runtime reflection.
//
// # Architecture
//
// A cluster is described by a set of AttributeDescriptor and
// CommandDescriptor values — plain data naming the attribute/command's
// path and carrying the TLV encode/decode functions for its Go type. The
// package-level generic functions (GetAttribute, SetAttribute,
// SubscribeAttribute, InvokeCommand) take a descriptor and an
// InteractionClient and perform the bound operation. A cluster package
// defines its descriptors once as package variables and exposes small
// typed wrapper methods that close over them; see descriptor_test.go for
// the pattern. Cluster definitions themselves (the concrete attribute and
// command ids of e.g. On/Off or Basic Information) are out of scope for
// this package — it supplies the binding machinery a generated or
// hand-written cluster package would use.
//
// This mirrors the "generic trait parameterised by descriptors" shape
// over the alternative of building typed methods from a schema object at
// runtime: each descriptor is a value, not a generated type, and binding
// happens through ordinary generic function calls rather than reflection
// over a schema map.
//
// # Helpers
//
// This package also provides common TLV helpers for descriptor encode/
// decode functions:
//   - Command TLV encoding/decoding (encoding.go)
//   - Descriptor and binding types (descriptor.go)
package clusters
