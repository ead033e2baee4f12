package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML boot configuration file and overlays it onto Default.
// Fields absent from the file keep their default value.
func Load(path string) (*Limits_t, error) {
	l := Default()
	if path == "" {
		return l, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}
	if err := yaml.Unmarshal(buf, l); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %s", path)
	}
	return l, nil
}
