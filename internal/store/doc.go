// Package store persists protocol templates and devices.
//
// The two entities mirror the REST resources: ProtocolTemplate holds a
// reusable protocol definition (its JSON body is opaque here; the protocol
// package parses it), and Device binds a template to a physical endpoint
// with connection parameters and variable values.
//
// Implementations are interface-first (TemplateStore, DeviceStore) so the
// runtime manager and API handlers can be tested against in-memory fakes.
// The SQL implementations use ? placeholders and plain string timestamps,
// keeping them portable across the SQLite and MySQL schemas shipped in
// migrations/.
//
// Device codes are normalised (upper-case, trimmed) on every write and
// lookup, and validated against ^[A-Z0-9][A-Z0-9_-]{0,63}$ so external
// systems can rely on a canonical spelling.
package store
