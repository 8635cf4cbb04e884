// Package manager assembles the engine: it wires storage, state, resources,
// sandboxing, scheduling and workflows together and exposes the operations
// the API surface serves.
package manager
