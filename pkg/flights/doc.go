// Package flights defines the stage lists of every workspace operation.
//
// Each builder decodes and validates the operation parameters, then returns an
// engine.Flight. Stages that touch a row in the state store claim it first
// (moving it into an in-progress state owned by the run) and every claim has a
// compensation that restores the prior state. Stages calling the policy
// service snapshot the object they change so compensation can put it back.
//
// Workspace deletion fans out to one child run per resource and cloud context.
// Child run ids are derived from the parent id, so a recovered parent re-drives
// the same children instead of submitting new ones.
//
// The Janitor marks rows whose owning run is gone or finished as BROKEN.
package flights
