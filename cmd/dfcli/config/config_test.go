package config

import (
	"fmt"
	"testing"

	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/stretchr/testify/require"
)

var jobYaml = []byte(`
source:
  host: src.internal
  port: 5432
  database: appdb
  user: ferry
  password: s3cret
  driver: postgres
target:
  host: mysql://dst.internal:3306/appdb
  user: ferry
  password: s3cret
tables:
  users:
    target_table: accounts
    column_mapping:
      email: mail
    transforms:
      created_at: "DATE_TRUNC('day', created_at)"
  orders: {}
chunk_size: 50000
batch_size: 2000
validate: true
drop_constraints: true
`)

func TestJobSpecFromYaml(t *testing.T) {
	spec, err := JobSpecFromYamlBytes(jobYaml)
	require.NoError(t, err)

	require.Equal(t, "src.internal", spec.Source.Host)
	require.Equal(t, abstract.DriverPostgres, spec.Source.Driver)
	require.Equal(t, "s3cret", spec.Source.Password.Raw())
	require.Equal(t, "mysql://dst.internal:3306/appdb", spec.Target.Host)

	require.Len(t, spec.Mappings, 2)
	users := spec.Mappings["users"]
	require.Equal(t, "accounts", users.TargetTableName("users"))
	require.Equal(t, "mail", users.TargetColumn("email"))
	require.Equal(t, "DATE_TRUNC('day', created_at)", users.TransformExpr("created_at"))

	require.Equal(t, 50000, spec.ChunkSize)
	require.Equal(t, 2000, spec.BatchSize)
	require.True(t, spec.Validate)
	require.True(t, spec.DropConstraints)
}

func TestJobSpecPasswordNeverPrints(t *testing.T) {
	spec, err := JobSpecFromYamlBytes(jobYaml)
	require.NoError(t, err)
	rendered := fmt.Sprintf("%v %s", spec.Source.Password, spec.Target.Password)
	require.NotContains(t, rendered, "s3cret")
	require.Contains(t, rendered, "***")
}

func TestJobSpecRejectsUnknownKeys(t *testing.T) {
	_, err := JobSpecFromYamlBytes([]byte(`
source:
  host: postgres://src.internal/appdb
target:
  host: postgres://dst.internal/appdb
chunk_sizes: 100
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "chunk_sizes")
}

func TestJobSpecBadYaml(t *testing.T) {
	_, err := JobSpecFromYamlBytes([]byte("source: [unclosed"))
	require.Error(t, err)
}
