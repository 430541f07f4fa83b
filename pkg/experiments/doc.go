// Package experiments provides deterministic experiment assignment and bucketing
// for the Relay billing control plane.
//
// # Overview
//
// This package implements the experiment lifecycle (draft → running ⇄ paused →
// concluded → archived), deterministic subject bucketing, durable assignments,
// deduplicated conversion tracking, and per-variant statistics rollups.
//
// # Bucketing
//
// All bucketing decisions derive from a stable 32-bit hash of a composite key
// (experiment key + purpose + subject id). The hash is sha256 truncated to the
// first 8 hex characters of the digest. Changing the hash or the truncation
// scheme re-buckets every existing subject and is a breaking change.
//
// Traffic allocation and variant selection are pure functions of the hash, so a
// given subject always receives the same decision across processes and restarts.
// Raising an experiment's traffic percentage only ever adds subjects; lowering
// it only removes from the top of the bucket range.
//
// # Assignments
//
// Exactly one automatic assignment exists per (experiment, subject). The store
// enforces this with a unique constraint on (experiment_id, subject_key) and an
// atomic insert-or-fetch, so concurrent first exposures collapse onto one row.
//
// # Usage Example
//
// Decide a variant:
//
//	decision, err := service.GetAssignment(ctx, wsID, "pricing-page-v2",
//		experiments.Subject{CustomerID: "cus_123"},
//		map[string]any{"plan": "pro"},
//	)
//	if decision == nil {
//		// not targeted, excluded by traffic allocation, or not running
//	}
//
// Record a conversion:
//
//	recorded, err := service.RecordConversion(ctx, wsID, "pricing-page-v2",
//		experiments.Subject{CustomerID: "cus_123"}, &value, nil)
//
// # Related Packages
//
//   - pkg/workspaces: Workspace scoping for experiment keys
//   - pkg/scheduler: Scheduled start/conclude of experiments
//   - pkg/analytics: Stats snapshot export
package experiments
