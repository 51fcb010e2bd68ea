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
package session

import (
	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/ccbt-project/ccbt/checkpoint"
	"github.com/ccbt-project/ccbt/dht"
	"github.com/ccbt-project/ccbt/diskio"
	"github.com/ccbt-project/ccbt/events"
	"github.com/ccbt-project/ccbt/peerwire"
	"github.com/ccbt-project/ccbt/tracker/httptracker"
	"github.com/ccbt-project/ccbt/tracker/udptracker"
)

// Deps bundles the process-wide resources every Session shares with its
// siblings: a single bandwidth-metered Handshaker, a single DHT node, a
// single disk engine, and the event/metrics sinks. Manager constructs
// one Deps and hands it to every Session it creates.
type Deps struct {
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
	Bus        *events.Bus
	Disk       *diskio.Disk
	Checkpoint *checkpoint.Store
	DHT        *dht.Server // nil if DHT discovery is disabled
	Handshaker *peerwire.Handshaker

	HTTPTracker httptracker.Config
	UDPTracker  udptracker.Config
}
