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

package proto

import "time"

type (
	HostID     = uint64
	ItemID     = uint64
	TriggerID  = uint64
	FunctionID = uint64
	GroupID    = uint64
)

type Host struct {
	ID      HostID
	Name    string
	ProxyID HostID
	// sorted ascending
	Groups    []GroupID
	Status    HostStatus
	Available Availability

	ErrorsFrom   time.Time
	DisableUntil time.Time

	// data collection is suppressed inside [MaintenanceFrom, MaintenanceTo)
	MaintenanceFrom time.Time
	MaintenanceTo   time.Time
}

func (h *Host) InMaintenance(t time.Time) bool {
	if h.MaintenanceTo.IsZero() {
		return false
	}
	return !t.Before(h.MaintenanceFrom) && t.Before(h.MaintenanceTo)
}

type Item struct {
	ID        ItemID
	HostID    HostID
	Key       string
	Type      ItemType
	ValueType ValueType
	// update interval, "30s" or "1m;10s/1-5,09:00-18:00"
	Delay  string
	Status ItemStatus
	Error  string

	LastCheck    time.Time
	NextCheck    time.Time
	PollerType   PollerType
	SchedState   SchedState
	Failures     uint32
	FunctionRefs uint32
}

type Trigger struct {
	ID          TriggerID
	Description string
	Expression  string
	Status      TriggerStatus
	Value       TriggerValue
}

type Function struct {
	ID        FunctionID
	ItemID    ItemID
	TriggerID TriggerID
	Name      string
	Parameter string
}

// Claim hands a due item to exactly one worker. The token must be presented
// when the result is reported.
type Claim struct {
	Item      Item
	Token     uint64
	ClaimedAt time.Time
}

type Result struct {
	ItemID    ItemID
	Token     uint64
	Kind      ResultKind
	Value     string
	Error     string
	Timestamp time.Time
}

// Snapshot is a full copy of the persisted configuration.
type Snapshot struct {
	Hosts     []Host
	Items     []Item
	Triggers  []Trigger
	Functions []Function
}
