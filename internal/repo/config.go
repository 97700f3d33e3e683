package repo

import (
	"bytes"
	"encoding/json"
	"fmt"

	"flanes/internal/domain"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema describes the configuration document fields enumerated in
// spec.md section 6, made explicit and machine-checked the way
// writerslogic-witnessd validates its own JSON documents against schemas
// under docs/schema.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "default_lane"],
  "properties": {
    "version": {"type": "string"},
    "default_lane": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$"},
    "max_blob_size": {"type": "integer", "minimum": 0},
    "max_tree_depth": {"type": "integer", "minimum": 0},
    "lock_timeout_seconds": {"type": "number", "minimum": 0},
    "evaluators": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string"},
          "command": {"type": "string"},
          "args": {"type": "array", "items": {"type": "string"}},
          "working_directory": {"type": "string"},
          "required": {"type": "boolean"},
          "timeout_seconds": {"type": "integer", "minimum": 0}
        }
      }
    },
    "embedding_provider": {"type": "string"},
    "embedding_model": {"type": "string"},
    "embedding_api_key_env": {"type": "string"},
    "remote_storage": {"type": "object"}
  }
}`

// Config is the canonical configuration document at .state/config.json.
type Config struct {
	Version             string          `json:"version"`
	DefaultLane         string          `json:"default_lane"`
	MaxBlobSize         int64           `json:"max_blob_size,omitempty"`
	MaxTreeDepth        int             `json:"max_tree_depth,omitempty"`
	LockTimeoutSeconds  float64         `json:"lock_timeout_seconds,omitempty"`
	Evaluators          []EvaluatorSpec `json:"evaluators,omitempty"`
	EmbeddingProvider   string          `json:"embedding_provider,omitempty"`
	EmbeddingModel      string          `json:"embedding_model,omitempty"`
	EmbeddingAPIKeyEnv  string          `json:"embedding_api_key_env,omitempty"`
	RemoteStorage       map[string]any  `json:"remote_storage,omitempty"`
}

// WithDefaults fills zero fields with compile-time defaults.
func (c Config) WithDefaults() Config {
	if c.Version == "" {
		c.Version = "1"
	}
	if c.DefaultLane == "" {
		c.DefaultLane = domain.MainWorkspace
	}
	return c
}

// Validate checks DefaultLane against the lane-name rule; it checks no
// other field (LoadConfig's schema pass covers the raw JSON).
func (c Config) Validate() error {
	return domain.ValidateName(domain.NameKindLane, c.DefaultLane)
}

var compiledConfigSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", bytes.NewReader([]byte(configSchema))); err != nil {
		panic(fmt.Sprintf("repo: invalid embedded config schema: %v", err))
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("repo: failed to compile embedded config schema: %v", err))
	}
	compiledConfigSchema = schema
}

// LoadConfig parses and schema-validates a config document's raw bytes,
// failing fast with a structured error instead of panicking deep inside
// evaluator or lane setup on a malformed field.
func LoadConfig(data []byte) (Config, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return Config{}, domain.Newf(domain.ErrInvalidName, "config.json is not valid JSON: %v", err)
	}
	if err := compiledConfigSchema.Validate(generic); err != nil {
		return Config{}, domain.Newf(domain.ErrInvalidName, "config.json failed schema validation: %v", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, domain.Newf(domain.ErrInvalidName, "config.json does not match expected shape: %v", err)
	}
	return cfg.WithDefaults(), nil
}
