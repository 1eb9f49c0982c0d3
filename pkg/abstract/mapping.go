package abstract

// TableMapping describes how one source table lands on the target. A missing
// mapping means one-to-one with identical names; a source column absent from
// ColumnMapping passes through unchanged.
type TableMapping struct {
	TargetTable   string            `yaml:"target_table" mapstructure:"target_table"`
	ColumnMapping map[string]string `yaml:"column_mapping" mapstructure:"column_mapping"`
	// Transforms holds opaque per-column expressions evaluated by the source
	// adapter inside its scan query.
	Transforms map[string]string `yaml:"transforms" mapstructure:"transforms"`
}

func (m *TableMapping) TargetTableName(sourceTable string) string {
	if m == nil || m.TargetTable == "" {
		return sourceTable
	}
	return m.TargetTable
}

func (m *TableMapping) TargetColumn(sourceColumn string) string {
	if m == nil {
		return sourceColumn
	}
	if tgt, ok := m.ColumnMapping[sourceColumn]; ok {
		return tgt
	}
	return sourceColumn
}

func (m *TableMapping) TransformExpr(sourceColumn string) string {
	if m == nil {
		return ""
	}
	return m.Transforms[sourceColumn]
}

// MapColumns rewrites a scanned column list into target column names.
func (m *TableMapping) MapColumns(sourceColumns []string) []string {
	mapped := make([]string, len(sourceColumns))
	for i, col := range sourceColumns {
		mapped[i] = m.TargetColumn(col)
	}
	return mapped
}
