package job

// Blueprint is a compliance specification the generated schema must satisfy.
type Blueprint struct {
	Schema []BlueprintTable `json:"schema" yaml:"schema"`
}

// BlueprintTable names a required table and its required columns.
type BlueprintTable struct {
	TableName string            `json:"tableName" yaml:"tableName"`
	Columns   []BlueprintColumn `json:"columns" yaml:"columns"`
}

// BlueprintColumn is one required column. Type "UUID" additionally constrains the column type.
type BlueprintColumn struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// IsEmpty reports whether the blueprint constrains nothing.
func (b *Blueprint) IsEmpty() bool {
	return b == nil || len(b.Schema) == 0
}
