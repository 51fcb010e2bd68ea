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

// Package memsize provides byte/bit size constants and human-readable
// formatting, used for config defaults and log messages around bandwidth
// and disk I/O throughput.
package memsize

import "fmt"

// Byte-based size units.
const (
	B  = 1
	KB = 1024 * B
	MB = 1024 * KB
	GB = 1024 * MB
	TB = 1024 * GB
)

// Bit-based rate units, used for bits-per-second bandwidth configuration.
const (
	bit  = 1
	Kbit = 1000 * bit
	Mbit = 1000 * Kbit
	Gbit = 1000 * Mbit
	Tbit = 1000 * Gbit
)

var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}
var bitUnits = []string{"bit", "Kbit", "Mbit", "Gbit", "Tbit"}

// Format renders bytes in human-readable form, e.g. "1.50GB".
func Format(bytes uint64) string {
	return format(bytes, 1024, byteUnits, "0B")
}

// BitFormat renders bits (e.g. a bits-per-second rate) in human-readable
// form, e.g. "90.00Mbit".
func BitFormat(bits uint64) string {
	return format(bits, 1000, bitUnits, "0bit")
}

func format(v uint64, base uint64, units []string, zero string) string {
	if v == 0 {
		return zero
	}
	f := float64(v)
	i := 0
	for f >= float64(base) && i < len(units)-1 {
		f /= float64(base)
		i++
	}
	return fmt.Sprintf("%.2f%s", f, units[i])
}
