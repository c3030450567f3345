// Copyright 2024 The BM2 Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bun-bm2/bm2"
)

// ecosystemFile is the on-disk shape of a service manifest: either a
// bare list, or an object with an `apps` key (the second is also the
// shape of the IPC `ecosystem` request's data, spec.md §6.1).
type ecosystemFile struct {
	Apps []*bm2.ServiceSpec `yaml:"apps"`
}

// LoadEcosystem reads a YAML manifest of service specs from path,
// grounded on govisord/main.go's directory-scan-and-load-manifest
// startup, generalized to a single file of many specs instead of one
// manifest per file.
func LoadEcosystem(path string) ([]*bm2.ServiceSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read ecosystem %s: %w", path, err)
	}

	var withApps ecosystemFile
	if err := yaml.Unmarshal(b, &withApps); err == nil && len(withApps.Apps) > 0 {
		return withApps.Apps, nil
	}

	var bare []*bm2.ServiceSpec
	if err := yaml.Unmarshal(b, &bare); err != nil {
		return nil, fmt.Errorf("config: parse ecosystem %s: %w", path, err)
	}
	return bare, nil
}
