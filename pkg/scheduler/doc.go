// Package scheduler runs the background jobs that keep experiment lifecycles
// honest without operator intervention: starting draft experiments whose
// scheduled start time has passed, concluding experiments whose end time has
// passed, and exporting nightly stats snapshots.
package scheduler
