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

// Package dbsync keeps the cache in line with the configuration database.
// Each round loads a full snapshot, diffs it against what the cache already
// accepted and applies only the difference.
package dbsync

import (
	"context"
	"slices"

	"github.com/cubefs/dbcache/proto"
)

type Source interface {
	Load(ctx context.Context) (*proto.Snapshot, error)
}

// Differ remembers the entities the cache accepted. Entities rejected by a
// sync stay different and are sent again next round.
type Differ struct {
	hosts     map[proto.HostID]proto.Host
	items     map[proto.ItemID]proto.Item
	triggers  map[proto.TriggerID]proto.Trigger
	functions map[proto.FunctionID]proto.Function
}

func NewDiffer() *Differ {
	return &Differ{
		hosts:     make(map[proto.HostID]proto.Host),
		items:     make(map[proto.ItemID]proto.Item),
		triggers:  make(map[proto.TriggerID]proto.Trigger),
		functions: make(map[proto.FunctionID]proto.Function),
	}
}

// Diff returns upserts for new or changed entities and deletes for vanished
// ones.
func (d *Differ) Diff(snap *proto.Snapshot) *proto.Batch {
	b := &proto.Batch{}

	seenHosts := make(map[proto.HostID]struct{}, len(snap.Hosts))
	for _, h := range snap.Hosts {
		seenHosts[h.ID] = struct{}{}
		if old, ok := d.hosts[h.ID]; !ok || !hostEqual(&old, &h) {
			b.Hosts = append(b.Hosts, proto.HostChange{Host: h})
		}
	}
	for id := range d.hosts {
		if _, ok := seenHosts[id]; !ok {
			b.Hosts = append(b.Hosts, proto.HostChange{Op: proto.OpDelete, Host: proto.Host{ID: id}})
		}
	}

	seenItems := make(map[proto.ItemID]struct{}, len(snap.Items))
	for _, it := range snap.Items {
		seenItems[it.ID] = struct{}{}
		if old, ok := d.items[it.ID]; !ok || !itemEqual(&old, &it) {
			b.Items = append(b.Items, proto.ItemChange{Item: it})
		}
	}
	for id := range d.items {
		if _, ok := seenItems[id]; !ok {
			b.Items = append(b.Items, proto.ItemChange{Op: proto.OpDelete, Item: proto.Item{ID: id}})
		}
	}

	seenTriggers := make(map[proto.TriggerID]struct{}, len(snap.Triggers))
	for _, t := range snap.Triggers {
		seenTriggers[t.ID] = struct{}{}
		if old, ok := d.triggers[t.ID]; !ok || old != t {
			b.Triggers = append(b.Triggers, proto.TriggerChange{Trigger: t})
		}
	}
	for id := range d.triggers {
		if _, ok := seenTriggers[id]; !ok {
			b.Triggers = append(b.Triggers, proto.TriggerChange{Op: proto.OpDelete, Trigger: proto.Trigger{ID: id}})
		}
	}

	seenFunctions := make(map[proto.FunctionID]struct{}, len(snap.Functions))
	for _, f := range snap.Functions {
		seenFunctions[f.ID] = struct{}{}
		if old, ok := d.functions[f.ID]; !ok || old != f {
			b.Functions = append(b.Functions, proto.FunctionChange{Function: f})
		}
	}
	for id := range d.functions {
		if _, ok := seenFunctions[id]; !ok {
			b.Functions = append(b.Functions, proto.FunctionChange{Op: proto.OpDelete, Function: proto.Function{ID: id}})
		}
	}
	return b
}

// Commit records the changes of b the cache applied.
func (d *Differ) Commit(b *proto.Batch, res *proto.SyncResult) {
	if res == nil {
		return
	}
	applied := make(map[proto.EntityRef]struct{}, len(res.Applied))
	for _, ref := range res.Applied {
		applied[ref] = struct{}{}
	}
	ok := func(kind proto.EntityKind, id uint64, op proto.Op) bool {
		_, found := applied[proto.EntityRef{Kind: kind, ID: id, Op: op}]
		return found
	}

	for _, c := range b.Hosts {
		if !ok(proto.KindHost, c.Host.ID, c.Op) {
			continue
		}
		if c.Op == proto.OpDelete {
			delete(d.hosts, c.Host.ID)
			// the cache drops the items of a deleted host with it
			for id, it := range d.items {
				if it.HostID == c.Host.ID {
					delete(d.items, id)
				}
			}
			continue
		}
		d.hosts[c.Host.ID] = c.Host
	}
	for _, c := range b.Items {
		if !ok(proto.KindItem, c.Item.ID, c.Op) {
			continue
		}
		if c.Op == proto.OpDelete {
			delete(d.items, c.Item.ID)
			continue
		}
		d.items[c.Item.ID] = c.Item
	}
	for _, c := range b.Triggers {
		if !ok(proto.KindTrigger, c.Trigger.ID, c.Op) {
			continue
		}
		if c.Op == proto.OpDelete {
			delete(d.triggers, c.Trigger.ID)
			for id, f := range d.functions {
				if f.TriggerID == c.Trigger.ID {
					delete(d.functions, id)
				}
			}
			continue
		}
		d.triggers[c.Trigger.ID] = c.Trigger
	}
	for _, c := range b.Functions {
		if !ok(proto.KindFunction, c.Function.ID, c.Op) {
			continue
		}
		if c.Op == proto.OpDelete {
			delete(d.functions, c.Function.ID)
			continue
		}
		d.functions[c.Function.ID] = c.Function
	}
}

func hostEqual(a, b *proto.Host) bool {
	return a.ID == b.ID && a.Name == b.Name && a.ProxyID == b.ProxyID && a.Status == b.Status &&
		slices.Equal(a.Groups, b.Groups) &&
		a.MaintenanceFrom.Equal(b.MaintenanceFrom) && a.MaintenanceTo.Equal(b.MaintenanceTo)
}

// only configuration fields, runtime state is owned by the cache
func itemEqual(a, b *proto.Item) bool {
	return a.ID == b.ID && a.HostID == b.HostID && a.Key == b.Key && a.Type == b.Type &&
		a.ValueType == b.ValueType && a.Delay == b.Delay && a.Status == b.Status
}
