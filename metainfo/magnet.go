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
package metainfo

import (
	"encoding/base32"
	"net/url"
	"strings"

	"github.com/ccbt-project/ccbt/core"
)

// Magnet is a decoded magnet: URI (BEP 9's btih link format).
type Magnet struct {
	InfoHash    core.InfoHash
	DisplayName string
	Trackers    []string
	WebSeeds    []string
}

// ParseMagnet decodes a magnet: URI. It recognizes xt=urn:btih:<hex40 |
// base32-32>, dn, tr (repeatable), and ws (repeatable). xt is the only
// required parameter.
func ParseMagnet(uri string) (*Magnet, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, &InvalidTorrent{Reason: "malformed magnet uri: " + err.Error()}
	}
	if u.Scheme != "magnet" {
		return nil, &InvalidTorrent{Reason: "not a magnet uri"}
	}

	q := u.Query()
	xt := ""
	for _, v := range q["xt"] {
		if strings.HasPrefix(v, "urn:btih:") {
			xt = strings.TrimPrefix(v, "urn:btih:")
			break
		}
	}
	if xt == "" {
		return nil, &InvalidTorrent{Reason: "magnet uri missing xt=urn:btih: parameter"}
	}

	hash, err := decodeBTIH(xt)
	if err != nil {
		return nil, &InvalidTorrent{Reason: "malformed btih: " + err.Error()}
	}

	return &Magnet{
		InfoHash:    hash,
		DisplayName: q.Get("dn"),
		Trackers:    q["tr"],
		WebSeeds:    q["ws"],
	}, nil
}

func decodeBTIH(s string) (core.InfoHash, error) {
	switch len(s) {
	case 40:
		return core.NewInfoHashFromHex(s)
	case 32:
		b, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(s))
		if err != nil {
			return core.InfoHash{}, err
		}
		return core.NewInfoHashFromRaw(b)
	default:
		return core.InfoHash{}, &InvalidTorrent{Reason: "btih must be 40 hex or 32 base32 characters"}
	}
}
