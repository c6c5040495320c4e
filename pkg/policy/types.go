package policy

import (
	"errors"
	"sort"
	"time"
)

// Severity represents the severity level of a rule violation.
type Severity string

const (
	// SeverityWarning is reported but does not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the operation.
	SeverityError Severity = "error"
)

// Rule is a compiled unit of Rego code evaluated against one package query.
type Rule struct {
	// Name is the unique name of the rule.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego source.
	Rego string `json:"rego"`

	// Severity is the default severity of its violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the rule is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin rules survive reloads of operator rules.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the rule was loaded from.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Rule packages queried by the system. Operator rules join one of them by declaring
// the same package.
const (
	PackageConflicts   = "wsm.policy.conflicts"
	PackageRegionGuard = "wsm.guards.region"
	PackageNamingGuard = "wsm.guards.naming"
)

// Violation is one deny result of a rule.
type Violation struct {
	// Rule is the rule that produced the violation.
	Rule string `json:"rule"`

	// Field names the offending attribute or field.
	Field string `json:"field,omitempty"`

	// Resource is the resource id the violation is about, if any.
	Resource string `json:"resource,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating one package.
type Result struct {
	Allowed        bool          `json:"allowed"`
	Violations     []Violation   `json:"violations,omitempty"`
	Warnings       []Violation   `json:"warnings,omitempty"`
	EvaluatedRules []string      `json:"evaluated_rules"`
	EvaluatedAt    time.Time     `json:"evaluated_at"`
	Duration       time.Duration `json:"duration"`
}

// Messages returns the violation messages in order.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Message)
	}
	return out
}

// Well-known attribute names.
const (
	// AttrRegionConstraint values are the regions resources may live in.
	AttrRegionConstraint = "region-constraint"

	// AttrDataTier is single valued.
	AttrDataTier = "data-tier"

	// DefaultNamespace is used when an attribute has none.
	DefaultNamespace = "wsm"
)

// Attribute is one policy input on a policy object.
type Attribute struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	Name      string `json:"name" yaml:"name"`
	Value     string `json:"value" yaml:"value"`
}

// Key identifies the attribute name within its namespace.
func (a Attribute) Key() string {
	ns := a.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return ns + ":" + a.Name
}

// Object is a named policy-attribute object owned by a workspace.
type Object struct {
	ObjectID   string      `json:"object_id"`
	Component  string      `json:"component"`
	ObjectType string      `json:"object_type"`
	Attributes []Attribute `json:"attributes"`

	// Sources lists the objects linked into this one.
	Sources   []string  `json:"sources,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of o.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := *o
	c.Attributes = append([]Attribute(nil), o.Attributes...)
	c.Sources = append([]string(nil), o.Sources...)
	return &c
}

// Values returns the values of the named attribute, sorted.
func (o *Object) Values(name string) []string {
	var out []string
	for _, a := range o.Attributes {
		if a.Name == name {
			out = append(out, a.Value)
		}
	}
	sort.Strings(out)
	return out
}

// UpdateMode names the kind of change an update applies.
type UpdateMode string

const (
	UpdateMerge   UpdateMode = "merge"
	UpdateLink    UpdateMode = "link"
	UpdateReplace UpdateMode = "replace"
)

// UpdateResult is either the updated object or the conflicts that prevented the update.
type UpdateResult struct {
	Mode      UpdateMode  `json:"mode"`
	Object    *Object     `json:"object"`
	Conflicts []Violation `json:"conflicts,omitempty"`
	Applied   bool        `json:"applied"`
}

// ConflictList renders the conflicts as "field: message" strings.
func (r *UpdateResult) ConflictList() []string {
	out := make([]string, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		if c.Field != "" {
			out = append(out, c.Field+": "+c.Message)
			continue
		}
		out = append(out, c.Message)
	}
	return out
}

// ErrObjectNotFound is returned for unknown policy objects.
var ErrObjectNotFound = errors.New("policy object not found")

// ErrUnknownPlatform is returned by ListValidRegions for a platform without a
// region catalog.
var ErrUnknownPlatform = errors.New("no region catalog for cloud platform")
