// Package workspaces provides the minimal tenant registry the experiment
// engine scopes everything to. A workspace is the uniqueness boundary for
// experiment keys; membership, quotas, and authentication belong to the
// surrounding platform.
package workspaces
