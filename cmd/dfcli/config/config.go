package config

import (
	"os"

	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/mitchellh/mapstructure"
	"go.ytsaurus.tech/library/go/core/xerrors"
	"gopkg.in/yaml.v3"
)

// JobSpecFromYaml loads a job description file. The yaml is decoded loosely
// first and mapped strictly after, so an unknown key fails with its name
// instead of being dropped on the floor.
func JobSpecFromYaml(path string) (*abstract.JobSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("unable to read job file %s: %w", path, err)
	}
	return JobSpecFromYamlBytes(raw)
}

func JobSpecFromYamlBytes(raw []byte) (*abstract.JobSpec, error) {
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, xerrors.Errorf("unable to parse job yaml: %w", err)
	}
	var spec abstract.JobSpec
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "yaml",
		Result:      &spec,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, xerrors.Errorf("unable to build spec decoder: %w", err)
	}
	if err := decoder.Decode(tree); err != nil {
		return nil, xerrors.Errorf("unable to map job yaml onto spec: %w", err)
	}
	return &spec, nil
}
