// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the top-level shape of a pools-and-queues configuration
// document: one process typically owns a handful of named pools, each
// feeding one or more queues.
type ConfigFile struct {
	Pools  []PoolConfig  `yaml:"pools"`
	Queues []QueueConfig `yaml:"queues"`
}

// DecodeConfig reads a ConfigFile from r. Unknown fields are rejected so
// that a typo in an operator-edited config file surfaces immediately
// rather than silently taking a default.
func DecodeConfig(r io.Reader) (ConfigFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg ConfigFile
	if err := dec.Decode(&cfg); err != nil {
		return ConfigFile{}, fmt.Errorf("shmcore/memory: decode config: %w", err)
	}
	return cfg, nil
}

// PoolByName returns the PoolConfig named name, or false if none matches.
func (c ConfigFile) PoolByName(name string) (PoolConfig, bool) {
	for _, p := range c.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return PoolConfig{}, false
}

// QueueByName returns the QueueConfig named name, or false if none
// matches.
func (c ConfigFile) QueueByName(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}
