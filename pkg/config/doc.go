// Package config loads the service configuration and validates resource
// attribute payloads.
//
// # Service Configuration
//
// Load reads a YAML file with viper, applies WSM_ environment overrides
// (WSM_ENGINE_WORKERS, WSM_DATABASE_DSN, ...) and validates the result with
// go-playground/validator:
//
//	cfg, err := config.Load("wsm.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store, err := stores.NewStore(cfg.StoreConfig())
//
// A minimal file:
//
//	database:
//	  driver: postgres
//	  dsn: postgres://wsm@db/wsm?sslmode=disable
//	engine:
//	  workers: 8
//	regions:
//	  gcp: [us-central1, us-east1]
//
// The same validator checks operation parameters; ValidateStruct flattens its
// field errors into a single message.
//
// # Attribute Schemas
//
// Every resource type has a CUE definition named #Attributes. ValidateAttributes
// unifies the JSON payload with it; definitions are closed, so unknown fields
// are rejected:
//
//	sr := config.NewSchemaRegistry()
//	err := sr.ValidateAttributes("network", json.RawMessage(`{"cidr":"10.0.0.0/16"}`))
package config
