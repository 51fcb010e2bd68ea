// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package metrics

import (
	"fmt"
	"io"

	"github.com/uber-go/tally"

	"github.com/ccbt-project/ccbt/internal/log"
)

type scopeFactory func(config Config, env string) (tally.Scope, io.Closer, error)

var _scopeFactories = make(map[string]scopeFactory)

func register(name string, f scopeFactory) {
	if _, ok := _scopeFactories[name]; ok {
		log.Fatalf("metrics backend %q already registered", name)
	}
	_scopeFactories[name] = f
}

func init() {
	register("statsd", newStatsdScope)
	register("disabled", newDisabledScope)
	register("m3", newM3Scope)
	register("stdout", newStdoutScope)
}

// New creates the root tally.Scope described by config. An empty
// Backend is treated as "disabled" so an unconfigured agent still runs,
// just without emitting metrics anywhere.
func New(config Config, env string) (tally.Scope, io.Closer, error) {
	if config.Backend == "" {
		config.Backend = "disabled"
	}
	f, ok := _scopeFactories[config.Backend]
	if !ok || f == nil {
		return nil, nil, fmt.Errorf("metrics backend %q not registered", config.Backend)
	}
	return f(config, env)
}
