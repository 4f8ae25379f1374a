package catalog

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/cubefs/dbcache/common/arena"
	"github.com/cubefs/dbcache/common/strpool"
	"github.com/cubefs/dbcache/proto"
	"github.com/cubefs/dbcache/scheduler"
)

// Every record starts with a tag word. The high bits are set so a tag never
// equals a region offset, which lets a process rebuild its indexes by walking
// the arena.
const (
	tagHeader   = uint64(0xdbc0_0000_0000_0000)
	tagHost     = uint64(0xdbc0_0000_0000_0001)
	tagItem     = uint64(0xdbc0_0000_0000_0002)
	tagTrigger  = uint64(0xdbc0_0000_0000_0003)
	tagFunction = uint64(0xdbc0_0000_0000_0004)
	tagLog      = uint64(0xdbc0_0000_0000_0005)
)

// header record, arena root slot 1
const (
	headerSlot = 1

	oHdrGeneration = 8
	oHdrTokenSeq   = 16
	oHdrLogSeq     = 24
	oHdrLog        = 32
	oHdrLogCap     = 40
	hdrSize        = 48
)

// change log entry: record tag, entity id, current handle (0 once freed)
const (
	oLogTag      = 0
	oLogID       = 8
	oLogHandle   = 16
	logEntrySize = 24
)

// host record
const (
	oHostID           = 8
	oHostProxy        = 16
	oHostName         = 24
	oHostStatus       = 32
	oHostAvailable    = 33
	oHostErrorsFrom   = 40
	oHostDisableUntil = 48
	oHostMaintFrom    = 56
	oHostMaintTo      = 64
	oHostNGroups      = 72
	oHostGroups       = 80
)

// item record
const (
	oItemID        = 8
	oItemHost      = 16
	oItemKey       = 24
	oItemDelay     = 32
	oItemError     = 40
	oItemType      = 48
	oItemValueType = 49
	oItemStatus    = 50
	oItemPoller    = 51
	oItemState     = 52
	oItemDeleted   = 53
	oItemFailures  = 56
	oItemFuncRefs  = 60
	oItemLastCheck = 64
	oItemNextCheck = 72
	oItemToken     = 80
	oItemClaimedAt = 88
	itemRecordSize = 96
)

// trigger record
const (
	oTriggerID        = 8
	oTriggerDesc      = 16
	oTriggerExpr      = 24
	oTriggerStatus    = 32
	oTriggerValue     = 33
	triggerRecordSize = 40
)

// function record
const (
	oFunctionID        = 8
	oFunctionItem      = 16
	oFunctionTrigger   = 24
	oFunctionName      = 32
	oFunctionParam     = 40
	functionRecordSize = 48
)

type record []byte

func (r record) tag() uint64 {
	if len(r) < 8 {
		return 0
	}
	return r.u64(0)
}

func (r record) u64(off int) uint64 { return binary.LittleEndian.Uint64(r[off:]) }
func (r record) setU64(off int, v uint64) { binary.LittleEndian.PutUint64(r[off:], v) }
func (r record) u32(off int) uint32 { return binary.LittleEndian.Uint32(r[off:]) }
func (r record) setU32(off int, v uint32) { binary.LittleEndian.PutUint32(r[off:], v) }
func (r record) ref(off int) strpool.Ref { return strpool.Ref(r.u64(off)) }

func (r record) setRef(off int, ref strpool.Ref) { r.setU64(off, uint64(ref)) }

// Times are stored as unix nanoseconds; zero is the zero time and MaxInt64
// is scheduler.Never.
func (r record) time(off int) time.Time {
	n := int64(r.u64(off))
	switch n {
	case 0:
		return time.Time{}
	case math.MaxInt64:
		return scheduler.Never
	}
	return time.Unix(0, n)
}

func (r record) setTime(off int, t time.Time) {
	var n int64
	switch {
	case t.IsZero():
	case scheduler.IsNever(t):
		n = math.MaxInt64
	default:
		n = t.UnixNano()
	}
	r.setU64(off, uint64(n))
}

// hostRecordSize is the size of a host record with n groups.
func hostRecordSize(n int) int { return oHostGroups + 8*n }

func (r record) hostGroups() []proto.GroupID {
	n := int(r.u32(oHostNGroups))
	if n == 0 {
		return nil
	}
	groups := make([]proto.GroupID, n)
	for i := range groups {
		groups[i] = r.u64(oHostGroups + 8*i)
	}
	return groups
}

func (r record) writeHostState(h *proto.Host) {
	r[oHostStatus] = byte(h.Status)
	r[oHostAvailable] = byte(h.Available)
	r.setTime(oHostErrorsFrom, h.ErrorsFrom)
	r.setTime(oHostDisableUntil, h.DisableUntil)
	r.setTime(oHostMaintFrom, h.MaintenanceFrom)
	r.setTime(oHostMaintTo, h.MaintenanceTo)
}

func (r record) readHostState(h *proto.Host) {
	h.Status = proto.HostStatus(r[oHostStatus])
	h.Available = proto.Availability(r[oHostAvailable])
	h.ErrorsFrom = r.time(oHostErrorsFrom)
	h.DisableUntil = r.time(oHostDisableUntil)
	h.MaintenanceFrom = r.time(oHostMaintFrom)
	h.MaintenanceTo = r.time(oHostMaintTo)
}

func (r record) writeItemSched(it *proto.Item) {
	r[oItemPoller] = byte(it.PollerType)
	r[oItemState] = byte(it.SchedState)
	r.setU32(oItemFailures, it.Failures)
	r.setTime(oItemLastCheck, it.LastCheck)
	r.setTime(oItemNextCheck, it.NextCheck)
}

func (r record) readItemSched(it *proto.Item) {
	it.PollerType = proto.PollerType(r[oItemPoller])
	it.SchedState = proto.SchedState(r[oItemState])
	it.Failures = r.u32(oItemFailures)
	it.FunctionRefs = r.u32(oItemFuncRefs)
	it.LastCheck = r.time(oItemLastCheck)
	it.NextCheck = r.time(oItemNextCheck)
}

func (r record) deleted() bool { return r[oItemDeleted] != 0 }

// view is the arena and string pool a catalog decodes records from.
type view struct {
	a    *arena.Arena
	pool *strpool.Pool
}

func (v view) rec(h arena.Handle) record { return record(v.a.Bytes(h)) }

func (v view) host(h arena.Handle) *proto.Host {
	r := v.rec(h)
	host := &proto.Host{
		ID:      r.u64(oHostID),
		ProxyID: r.u64(oHostProxy),
		Name:    v.pool.String(r.ref(oHostName)),
		Groups:  r.hostGroups(),
	}
	r.readHostState(host)
	return host
}

func (v view) item(h arena.Handle) *proto.Item {
	r := v.rec(h)
	it := &proto.Item{
		ID:        r.u64(oItemID),
		HostID:    r.u64(oItemHost),
		Key:       v.pool.String(r.ref(oItemKey)),
		Delay:     v.pool.String(r.ref(oItemDelay)),
		Error:     v.pool.String(r.ref(oItemError)),
		Type:      proto.ItemType(r[oItemType]),
		ValueType: proto.ValueType(r[oItemValueType]),
		Status:    proto.ItemStatus(r[oItemStatus]),
	}
	r.readItemSched(it)
	return it
}

func (v view) trigger(h arena.Handle) *proto.Trigger {
	r := v.rec(h)
	return &proto.Trigger{
		ID:          r.u64(oTriggerID),
		Description: v.pool.String(r.ref(oTriggerDesc)),
		Expression:  v.pool.String(r.ref(oTriggerExpr)),
		Status:      proto.TriggerStatus(r[oTriggerStatus]),
		Value:       proto.TriggerValue(r[oTriggerValue]),
	}
}

func (v view) function(h arena.Handle) *proto.Function {
	r := v.rec(h)
	return &proto.Function{
		ID:        r.u64(oFunctionID),
		ItemID:    r.u64(oFunctionItem),
		TriggerID: r.u64(oFunctionTrigger),
		Name:      v.pool.String(r.ref(oFunctionName)),
		Parameter: v.pool.String(r.ref(oFunctionParam)),
	}
}

// interner takes string references for a record under construction and
// gives them all back when the record cannot be completed.
type interner struct {
	pool *strpool.Pool
	refs []strpool.Ref
	err  error
}

func (in *interner) intern(s string) strpool.Ref {
	if in.err != nil || s == "" {
		return 0
	}
	ref, err := in.pool.InternString(s)
	if err != nil {
		in.err = err
		return 0
	}
	in.refs = append(in.refs, ref)
	return ref
}

func (in *interner) rollback() {
	for _, ref := range in.refs {
		in.pool.Release(ref)
	}
	in.refs = nil
}

// releaseRefs drops the string references held by a record.
func releaseRefs(pool *strpool.Pool, r record, offs ...int) {
	for _, off := range offs {
		if ref := r.ref(off); ref != 0 {
			pool.Release(ref)
		}
	}
}

var (
	hostRefs     = []int{oHostName}
	itemRefs     = []int{oItemKey, oItemDelay, oItemError}
	triggerRefs  = []int{oTriggerDesc, oTriggerExpr}
	functionRefs = []int{oFunctionName, oFunctionParam}
)
