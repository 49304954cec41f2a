package road

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/raetroad/raet/pkg/keep"
)

// FileConfig is the on-disk shape of a Stack's YAML configuration, loaded by
// cmd/raetd and by anything else that wants to start a Stack from a file
// instead of building a road.Config by hand.
type FileConfig struct {
	Name        string `yaml:"name"`
	UID         uint32 `yaml:"uid"`
	HA          string `yaml:"ha"`
	BaseDirPath string `yaml:"basedirpath"`
	Main        bool   `yaml:"main"`
	Mutable     bool   `yaml:"mutable"`
	Auto        string `yaml:"auto"` // never | once | always
	Kind        uint8  `yaml:"kind"`
	ListenPort  int    `yaml:"listenPort"`
}

// LoadFileConfig reads and parses a Stack configuration file.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("road: reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("road: parsing config %s: %w", path, err)
	}
	return fc, nil
}

// ToStackConfig resolves a FileConfig into the road.Config New expects.
func (fc FileConfig) ToStackConfig() (Config, error) {
	auto, err := keep.ParseAutoMode(fc.Auto)
	if err != nil {
		return Config{}, err
	}
	ha := fc.HA
	if ha == "" && fc.ListenPort != 0 {
		ha = fmt.Sprintf(":%d", fc.ListenPort)
	}
	return Config{
		Name:        fc.Name,
		UID:         fc.UID,
		HA:          ha,
		BaseDirPath: fc.BaseDirPath,
		Auto:        auto,
		Mutable:     fc.Mutable,
		Main:        fc.Main,
		Kind:        fc.Kind,
	}, nil
}
