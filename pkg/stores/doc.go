// Package stores persists orchestration runs and the lifecycle state of workspaces,
// cloud contexts and resources on SQLite or PostgreSQL.
//
// Every workspace, cloud context and resource row carries a state and an owning run.
// Rows in INITIALIZING, UPDATING or DELETING always have an owner. Ownership changes
// only through Claim, a single conditional UPDATE that succeeds when the row is in a
// valid predecessor state and is unowned or already owned by the caller:
//
//	ok, err := store.Claim(ctx, stores.ResourceRef(ws, id),
//		[]stores.State{stores.StateReady, stores.StateBroken}, stores.StateDeleting, runID)
//	if err != nil {
//		return err
//	}
//	if !ok {
//		// another run owns the resource
//	}
//
// Release, Remove and MarkBroken end ownership. ListOrphans finds in-progress rows whose
// owning run is missing or finished.
//
// Schema migrations for both dialects are embedded and applied with golang-migrate.
// Queries are written with ? placeholders and rebound for PostgreSQL.
package stores
