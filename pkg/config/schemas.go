package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Resource types with attribute schemas.
const (
	ResourceTypeStorageBucket   = "storage-bucket"
	ResourceTypeDataset         = "dataset"
	ResourceTypeNetwork         = "network"
	ResourceTypeComputeInstance = "compute-instance"
	ResourceTypeRelayEndpoint   = "relay-endpoint"
	ResourceTypeSecurityGroup   = "security-group"
)

// SchemaRegistry holds one CUE definition per resource type describing its
// attribute payload.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the builtin resource schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, schema := range builtinSchemas {
		if err := sr.RegisterSchema(name, schema); err != nil {
			panic(err)
		}
	}
	return sr
}

// RegisterSchema compiles schema, which must declare #Attributes, under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath("#Attributes"))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare #Attributes", name)
	}

	sr.schemas[name] = def
	return nil
}

// HasSchema reports whether resourceType is known.
func (sr *SchemaRegistry) HasSchema(resourceType string) bool {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	_, ok := sr.schemas[resourceType]
	return ok
}

// ValidateAttributes checks a JSON attribute payload against the schema of
// resourceType. An empty payload is validated as an empty object.
func (sr *SchemaRegistry) ValidateAttributes(resourceType string, attrs json.RawMessage) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[resourceType]
	sr.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown resource type: %s", resourceType)
	}

	if len(attrs) == 0 {
		attrs = json.RawMessage(`{}`)
	}
	// JSON is a subset of CUE; compiling it keeps integers integral.
	if !json.Valid(attrs) {
		return fmt.Errorf("attributes are not valid JSON")
	}
	dataVal := sr.ctx.CompileBytes(attrs)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid %s attributes: %w", resourceType, err)
	}
	return nil
}

// ListSchemas returns the registered resource types, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var builtinSchemas = map[string]string{
	ResourceTypeStorageBucket:   storageBucketSchema,
	ResourceTypeDataset:         datasetSchema,
	ResourceTypeNetwork:         networkSchema,
	ResourceTypeComputeInstance: computeInstanceSchema,
	ResourceTypeRelayEndpoint:   relayEndpointSchema,
	ResourceTypeSecurityGroup:   securityGroupSchema,
}

const storageBucketSchema = `
#Attributes: {
	// bucket_name is the cloud name; naming rules apply to it separately
	bucket_name?: string
	storage_class?: "STANDARD" | "NEARLINE" | "COLDLINE" | "ARCHIVE"
	versioning?: bool
	lifecycle?: [...{
		action: "Delete" | "SetStorageClass"
		age_days: int & >=0
		storage_class?: string
	}]
}
`

const datasetSchema = `
import "strings"

#Attributes: {
	dataset_id?: string & =~"^[a-zA-Z0-9_]+$" & strings.MaxRunes(1024)
	default_table_lifetime_ms?: int & >=3600000
	description?: string
}
`

const networkSchema = `
#CIDR: string & =~"^([0-9]{1,3}\\.){3}[0-9]{1,3}/([0-9]|[12][0-9]|3[0-2])$"

#Attributes: {
	cidr: #CIDR
	subnets?: [...{
		name: string
		cidr: #CIDR
	}]
	private_google_access?: bool
}
`

const computeInstanceSchema = `
#Attributes: {
	machine_type: string & !=""
	image?: string
	zone?: string
	disk_size_gb?: int & >=10 & <=65536
	gpus?: int & >=0
}
`

const relayEndpointSchema = `
#Attributes: {
	namespace: string & !=""
	connection_name: string & !=""
	port?: int & >0 & <65536
}
`

const securityGroupSchema = `
#Attributes: {
	rules?: [...{
		direction: "ingress" | "egress"
		protocol: "tcp" | "udp" | "icmp" | "all"
		port_range?: string & =~"^[0-9]{1,5}(-[0-9]{1,5})?$"
		cidr: string
	}]
}
`
