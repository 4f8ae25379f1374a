package proto

import (
	"fmt"
	"strings"
)

type ItemType uint8

const (
	ItemTypeAgent ItemType = iota
	ItemTypeSNMPv1
	ItemTypeTrapper
	ItemTypeSimple
	ItemTypeSNMPv2c
	ItemTypeInternal
	ItemTypeSNMPv3
	ItemTypeAgentActive
	ItemTypeAggregate
	ItemTypeHTTPTest
	ItemTypeExternal
	ItemTypeDBMonitor
	ItemTypeIPMI
	ItemTypeSSH
	ItemTypeTelnet
	ItemTypeCalculated
	ItemTypeJMX
	ItemTypeSNMPTrap
	ItemTypeDependent
	ItemTypeHTTPAgent
	itemTypeMax
)

func (t ItemType) Valid() bool { return t < itemTypeMax }

type ValueType uint8

const (
	ValueTypeFloat ValueType = iota
	ValueTypeStr
	ValueTypeLog
	ValueTypeUint
	ValueTypeText
)

type ItemStatus uint8

const (
	ItemStatusActive ItemStatus = iota
	ItemStatusDisabled
	ItemStatusNotSupported
)

func (s ItemStatus) String() string {
	switch s {
	case ItemStatusActive:
		return "active"
	case ItemStatusDisabled:
		return "disabled"
	case ItemStatusNotSupported:
		return "not_supported"
	}
	return fmt.Sprintf("ItemStatus(%d)", uint8(s))
}

// PollerType is the worker pool an item is executed by.
type PollerType uint8

const (
	PollerNone PollerType = iota
	PollerNormal
	PollerUnreachable
	PollerIPMI
	PollerPinger
	PollerJavaGateway
	PollerHTTPAgent
	pollerTypeMax
)

var pollerNames = [...]string{
	PollerNone:        "none",
	PollerNormal:      "poller",
	PollerUnreachable: "unreachable",
	PollerIPMI:        "ipmi",
	PollerPinger:      "pinger",
	PollerJavaGateway: "java",
	PollerHTTPAgent:   "http",
}

func (p PollerType) String() string {
	if p < pollerTypeMax {
		return pollerNames[p]
	}
	return fmt.Sprintf("PollerType(%d)", uint8(p))
}

func (p PollerType) Valid() bool { return p < pollerTypeMax }

func PollerTypes() []PollerType {
	ret := make([]PollerType, 0, pollerTypeMax-1)
	for p := PollerNormal; p < pollerTypeMax; p++ {
		ret = append(ret, p)
	}
	return ret
}

func ParsePollerType(name string) (PollerType, bool) {
	for i, n := range pollerNames {
		if strings.EqualFold(n, name) {
			return PollerType(i), true
		}
	}
	return PollerNone, false
}

// SchedState is the scheduling state of an item.
type SchedState uint8

const (
	SchedUnscheduled SchedState = iota
	SchedQueued
	SchedClaimed
	SchedBackoff
	SchedSuppressed
	SchedDisabled
	SchedInvalid
)

func (s SchedState) String() string {
	switch s {
	case SchedUnscheduled:
		return "unscheduled"
	case SchedQueued:
		return "queued"
	case SchedClaimed:
		return "claimed"
	case SchedBackoff:
		return "backoff"
	case SchedSuppressed:
		return "suppressed"
	case SchedDisabled:
		return "disabled"
	case SchedInvalid:
		return "invalid"
	}
	return fmt.Sprintf("SchedState(%d)", uint8(s))
}

type HostStatus uint8

const (
	HostMonitored HostStatus = iota
	HostNotMonitored
)

type Availability uint8

const (
	AvailabilityUnknown Availability = iota
	Available
	Unreachable
	Unavailable
)

func (a Availability) String() string {
	switch a {
	case AvailabilityUnknown:
		return "unknown"
	case Available:
		return "available"
	case Unreachable:
		return "unreachable"
	case Unavailable:
		return "unavailable"
	}
	return fmt.Sprintf("Availability(%d)", uint8(a))
}

type TriggerStatus uint8

const (
	TriggerEnabled TriggerStatus = iota
	TriggerDisabled
)

type TriggerValue uint8

const (
	TriggerOK TriggerValue = iota
	TriggerProblem
)

type ResultKind uint8

const (
	ResultSuccess ResultKind = iota
	// ResultNetworkError means the host could not be reached.
	ResultNetworkError
	ResultNotSupported
)

// ProcessType identifies a kind of worker for self-monitoring.
type ProcessType uint8

const (
	ProcessPoller ProcessType = iota
	ProcessUnreachablePoller
	ProcessIPMIPoller
	ProcessPinger
	ProcessJavaPoller
	ProcessHTTPPoller
	ProcessConfigSyncer
	ProcessTypeCount
)

var processNames = [...]string{
	ProcessPoller:            "poller",
	ProcessUnreachablePoller: "unreachable poller",
	ProcessIPMIPoller:        "ipmi poller",
	ProcessPinger:            "icmp pinger",
	ProcessJavaPoller:        "java poller",
	ProcessHTTPPoller:        "http poller",
	ProcessConfigSyncer:      "configuration syncer",
}

func (p ProcessType) String() string {
	if p < ProcessTypeCount {
		return processNames[p]
	}
	return fmt.Sprintf("ProcessType(%d)", uint8(p))
}

func ProcessTypeOf(p PollerType) ProcessType {
	switch p {
	case PollerUnreachable:
		return ProcessUnreachablePoller
	case PollerIPMI:
		return ProcessIPMIPoller
	case PollerPinger:
		return ProcessPinger
	case PollerJavaGateway:
		return ProcessJavaPoller
	case PollerHTTPAgent:
		return ProcessHTTPPoller
	}
	return ProcessPoller
}

func ParseProcessType(name string) (ProcessType, bool) {
	for i, n := range processNames {
		if n == name {
			return ProcessType(i), true
		}
	}
	return ProcessTypeCount, false
}
