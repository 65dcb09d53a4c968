package dynamo

// Config holds configuration for the DynamoDB backend.
type Config struct {
	// EntityTable is the table holding normalized entity records.
	// Default: "espalier_entities"
	EntityTable string

	// DependencyTable is the table holding the reverse-dependency index
	// (entity ref -> root refs).
	// Default: "espalier_dependencies"
	DependencyTable string

	// ReferenceTable is the table holding reverse references
	// (target entity -> referring entity), used to rewrite referrers on
	// rekey without scanning the entity table.
	// Default: "espalier_references"
	ReferenceTable string

	// ByRootIndex is the GSI on DependencyTable keyed by root ref, used to
	// replace a root's dependency set without knowing its previous entries.
	// Default: "by_root"
	ByRootIndex string

	// NumShards is the number of shards for the dependency and reference
	// tables. Higher values increase write throughput for hot entities but
	// require more parallel queries on fan-out.
	// Default: 1 (no sharding, single query)
	// Max: 256
	NumShards int
}

// DefaultConfig returns sensible defaults for small datasets.
func DefaultConfig() Config {
	return Config{
		EntityTable:     "espalier_entities",
		DependencyTable: "espalier_dependencies",
		ReferenceTable:  "espalier_references",
		ByRootIndex:     "by_root",
		NumShards:       1,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.EntityTable == "" {
		c.EntityTable = "espalier_entities"
	}
	if c.DependencyTable == "" {
		c.DependencyTable = "espalier_dependencies"
	}
	if c.ReferenceTable == "" {
		c.ReferenceTable = "espalier_references"
	}
	if c.ByRootIndex == "" {
		c.ByRootIndex = "by_root"
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
}
