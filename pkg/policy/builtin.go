package policy

import (
	"time"
)

// BuiltinRules returns the rules every engine starts with.
func BuiltinRules() []Rule {
	return []Rule{
		attributeConflictsRule(),
		regionGuardRule(),
		resourceNamingRule(),
	}
}

// attributeConflictsRule detects incompatible policy attribute updates.
// Input: {"current": [attribute], "incoming": [attribute]}.
func attributeConflictsRule() Rule {
	return Rule{
		Name:        "attribute-conflicts",
		Description: "Rejects merges whose region constraints do not overlap or whose single-valued attributes differ",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		LoadedAt:    time.Now(),
		Rego: `package wsm.policy.conflicts

import rego.v1

single_valued := {"data-tier"}

current_regions := {a.value | some a in input.current; a.name == "region-constraint"}

incoming_regions := {a.value | some a in input.incoming; a.name == "region-constraint"}

deny contains violation if {
	count(current_regions) > 0
	count(incoming_regions) > 0
	count(current_regions & incoming_regions) == 0
	violation := {
		"field": "region-constraint",
		"message": sprintf("region constraints %v and %v do not overlap", [sort(current_regions), sort(incoming_regions)]),
	}
}

deny contains violation if {
	some a in input.current
	some b in input.incoming
	a.name in single_valued
	a.name == b.name
	a.namespace == b.namespace
	a.value != b.value
	violation := {
		"field": a.name,
		"message": sprintf("%s is %q and cannot become %q", [a.name, a.value, b.value]),
	}
}
`,
	}
}

// regionGuardRule checks a resource region against the workspace policy.
// Input: {"resource_id", "platform", "region", "enforce", "allowed_regions": [string]}.
func regionGuardRule() Rule {
	return Rule{
		Name:        "region-guard",
		Description: "Resources must live in a region allowed by the workspace policy",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		LoadedAt:    time.Now(),
		Rego: `package wsm.guards.region

import rego.v1

allowed := {r | some r in input.allowed_regions}

deny contains violation if {
	input.enforce
	input.region != ""
	not allowed[input.region]
	violation := {
		"field": "region",
		"resource": input.resource_id,
		"message": sprintf("region %s is not allowed on %s by the workspace policy", [input.region, input.platform]),
	}
}
`,
	}
}

// resourceNamingRule enforces resource and bucket naming.
// Input: {"resource": {"id", "name", "resource_type", "attributes"}}.
func resourceNamingRule() Rule {
	return Rule{
		Name:        "resource-naming",
		Description: "Resource names are 1-1024 letters, digits, hyphens or underscores; bucket names follow cloud rules",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		LoadedAt:    time.Now(),
		Rego: `package wsm.guards.naming

import rego.v1

deny contains violation if {
	name := input.resource.name
	not regex.match("^[a-zA-Z0-9][-_a-zA-Z0-9]*$", name)
	violation := {
		"field": "name",
		"resource": input.resource.id,
		"message": sprintf("resource name %q must start with a letter or digit and contain only letters, digits, hyphens and underscores", [name]),
	}
}

deny contains violation if {
	name := input.resource.name
	count(name) > 1024
	violation := {
		"field": "name",
		"resource": input.resource.id,
		"message": sprintf("resource name is %d characters, the limit is 1024", [count(name)]),
	}
}

deny contains violation if {
	input.resource.resource_type == "storage-bucket"
	bucket := input.resource.attributes.bucket_name
	not regex.match("^[a-z0-9][-_.a-z0-9]{1,61}[a-z0-9]$", bucket)
	violation := {
		"field": "bucket_name",
		"resource": input.resource.id,
		"message": sprintf("bucket name %q must be 3-63 lowercase letters, digits, dots, hyphens or underscores", [bucket]),
	}
}

deny contains violation if {
	input.resource.resource_type == "storage-bucket"
	bucket := input.resource.attributes.bucket_name
	startswith(bucket, "goog")
	violation := {
		"field": "bucket_name",
		"resource": input.resource.id,
		"message": sprintf("bucket name %q must not start with goog", [bucket]),
	}
}
`,
	}
}
