// Package plan stores floor plans: one JSON document per floor, as drawn by
// the operator UI, persisted in the floor_plans SQLite table.
//
// Documents are opaque to the orchestrator apart from an optional string
// "name" member. Saving a plan for an existing floor replaces its document
// and keeps its creation time.
package plan
