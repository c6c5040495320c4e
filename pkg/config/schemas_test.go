package config

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	want := []string{
		ResourceTypeComputeInstance,
		ResourceTypeDataset,
		ResourceTypeNetwork,
		ResourceTypeRelayEndpoint,
		ResourceTypeSecurityGroup,
		ResourceTypeStorageBucket,
	}
	got := sr.ListSchemas()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ListSchemas() = %v, want %v", got, want)
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("custom", `#Attributes: { size: int }`); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if !sr.HasSchema("custom") {
		t.Fatal("expected to find custom schema")
	}

	if err := sr.RegisterSchema("nodef", `#Other: { size: int }`); err == nil {
		t.Error("expected error for schema without #Attributes")
	}
	if err := sr.RegisterSchema("broken", `#Attributes: {`); err == nil {
		t.Error("expected error for invalid CUE")
	}
}

func TestSchemaRegistry_ValidateAttributes(t *testing.T) {
	sr := NewSchemaRegistry()

	tests := []struct {
		name         string
		resourceType string
		attrs        string
		wantErr      bool
	}{
		{"empty bucket", ResourceTypeStorageBucket, "", false},
		{"bucket", ResourceTypeStorageBucket, `{"bucket_name":"data-1","storage_class":"NEARLINE"}`, false},
		{"bucket bad class", ResourceTypeStorageBucket, `{"storage_class":"HOT"}`, true},
		{"bucket unknown field", ResourceTypeStorageBucket, `{"colour":"blue"}`, true},
		{"bucket lifecycle", ResourceTypeStorageBucket, `{"lifecycle":[{"action":"Delete","age_days":30}]}`, false},
		{"dataset lifetime", ResourceTypeDataset, `{"default_table_lifetime_ms":3600000}`, false},
		{"dataset id", ResourceTypeDataset, `{"dataset_id":"analytics_raw"}`, false},
		{"dataset id with hyphen", ResourceTypeDataset, `{"dataset_id":"analytics-raw"}`, true},
		{"dataset id too long", ResourceTypeDataset, `{"dataset_id":"` + strings.Repeat("d", 1025) + `"}`, true},
		{"dataset short lifetime", ResourceTypeDataset, `{"default_table_lifetime_ms":1000}`, true},
		{"network", ResourceTypeNetwork, `{"cidr":"10.0.0.0/16","subnets":[{"name":"a","cidr":"10.0.1.0/24"}]}`, false},
		{"network missing cidr", ResourceTypeNetwork, `{}`, true},
		{"network bad cidr", ResourceTypeNetwork, `{"cidr":"10.0.0.0"}`, true},
		{"instance", ResourceTypeComputeInstance, `{"machine_type":"n2-standard-4","disk_size_gb":100}`, false},
		{"instance small disk", ResourceTypeComputeInstance, `{"machine_type":"n2","disk_size_gb":1}`, true},
		{"relay", ResourceTypeRelayEndpoint, `{"namespace":"ns","connection_name":"c"}`, false},
		{"security group", ResourceTypeSecurityGroup, `{"rules":[{"direction":"ingress","protocol":"tcp","port_range":"80-443","cidr":"0.0.0.0/0"}]}`, false},
		{"security group bad direction", ResourceTypeSecurityGroup, `{"rules":[{"direction":"up","protocol":"tcp","cidr":"0.0.0.0/0"}]}`, true},
		{"not json", ResourceTypeDataset, `{dataset_id: "x"}`, true},
		{"unknown type", "queue", `{}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAttributes(tt.resourceType, json.RawMessage(tt.attrs))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAttributes() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
