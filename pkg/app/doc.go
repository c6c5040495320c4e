// Package app assembles the service from configuration: the state store, the
// policy engine and service, IAM, cloud providers, flights, the run engine,
// the orphan janitor and the HTTP API.
package app
