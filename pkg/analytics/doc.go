// Package analytics exports experiment statistics snapshots to object
// storage for offline analysis. The export is a nightly JSON document per
// workspace; warehouse tooling downstream owns anything fancier.
package analytics
