// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package scheduler

import (
	"strings"

	"github.com/cubefs/dbcache/proto"
)

var pingerKeys = map[string]struct{}{
	"icmpping":     {},
	"icmppingloss": {},
	"icmppingsec":  {},
}

// PollerFor picks the pool that executes an item. Items of a proxied host are
// collected by the proxy, except the ones computed from server side data.
func PollerFor(t proto.ItemType, key string, proxied bool) proto.PollerType {
	if proxied {
		switch t {
		case proto.ItemTypeInternal, proto.ItemTypeAggregate, proto.ItemTypeCalculated:
		default:
			return proto.PollerNone
		}
	}

	switch t {
	case proto.ItemTypeSimple:
		if _, ok := pingerKeys[keyName(key)]; ok {
			return proto.PollerPinger
		}
		return proto.PollerNormal
	case proto.ItemTypeAgent, proto.ItemTypeSNMPv1, proto.ItemTypeSNMPv2c, proto.ItemTypeSNMPv3,
		proto.ItemTypeInternal, proto.ItemTypeAggregate, proto.ItemTypeExternal,
		proto.ItemTypeDBMonitor, proto.ItemTypeSSH, proto.ItemTypeTelnet, proto.ItemTypeCalculated:
		return proto.PollerNormal
	case proto.ItemTypeIPMI:
		return proto.PollerIPMI
	case proto.ItemTypeJMX:
		return proto.PollerJavaGateway
	case proto.ItemTypeHTTPAgent:
		return proto.PollerHTTPAgent
	}
	// pushed to the server or derived from other items
	return proto.PollerNone
}

// Quarantine is the pool an item moves to while its host does not respond.
func Quarantine(pt proto.PollerType) proto.PollerType {
	switch pt {
	case proto.PollerNormal, proto.PollerIPMI, proto.PollerJavaGateway, proto.PollerHTTPAgent:
		return proto.PollerUnreachable
	}
	return pt
}

// keyName strips the parameters: "icmpping[,3]" is "icmpping".
func keyName(key string) string {
	if i := strings.IndexByte(key, '['); i >= 0 {
		return key[:i]
	}
	return key
}
