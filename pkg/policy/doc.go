// Package policy provides Open Policy Agent (OPA) integration for the workspace manager.
//
// Policy decisions are Rego rules evaluated against one of three packages:
//
//  1. wsm.policy.conflicts - whether incoming policy attributes conflict with an object's current ones
//  2. wsm.guards.region - whether a resource region is allowed by the workspace region constraint
//  3. wsm.guards.naming - resource naming conventions
//
// Each package query collects the deny set of every enabled rule declaring that package.
// Rules with error severity block; warnings are reported only.
//
// # Usage
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := engine.CheckNaming(ctx, policy.NamedResource{
//	    ID:           "8f0c...",
//	    Name:         "analytics",
//	    ResourceType: "dataset",
//	})
//
// The Service interface is the collaborator flights talk to when workspaces and
// resources carry policy attributes. MemoryService keeps objects in process and
// uses the engine's conflict rules to decide whether a merge or link may apply:
//
//	svc := policy.NewMemoryService(engine, map[string][]string{"gcp": {"us-central1", "us-east1"}})
//	res, err := svc.Merge(ctx, workspaceID, attrs)
//	if err == nil && !res.Applied {
//	    fmt.Println(res.ConflictList())
//	}
//
// # Operator Rules
//
// Additional rules are loaded from .rego and .json files with a Loader. A Rego
// file joins a package by declaring it:
//
//	# Temporary names are reserved.
//	package wsm.guards.naming
//
//	import rego.v1
//
//	deny contains violation if {
//	    startswith(input.resource.name, "tmp")
//	    violation := {"field": "name", "message": "temporary names are reserved"}
//	}
//
// Watch reloads the files on change; ReplaceRules swaps operator rules while
// keeping the builtin ones.
package policy
