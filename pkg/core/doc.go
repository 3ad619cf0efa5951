// Package core holds the shared domain model for the docflow orchestrator:
// the pipeline state and event vocabulary, the persisted entities, the
// Storage interface, and the notification event types.
//
// Most users should import the root package github.com/docflow-io/docflow
// which re-exports the public types.
package core
