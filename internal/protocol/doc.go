// Package protocol implements the declarative protocol-template engine.
//
// A template is a recipe of variables, setup steps, poll/manual steps, an
// optional message handler and an output schema. The Executor interprets a
// template against a driver: it resolves ${path} placeholders from a
// context of variables and earlier step results, runs each step's action,
// applies the step's parse pipeline, and renders the output schema into a
// normalised reading.
//
// The package is pure with respect to everything but the driver and the
// local context: no persistence, no event publishing, no device lifecycle.
// Those belong to the runtime package.
//
// Thread Safety: Executor methods are stateless and safe for concurrent
// use; callers serialise access to a shared driver themselves.
package protocol
