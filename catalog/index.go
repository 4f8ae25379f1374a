package catalog

import (
	"math"
	"sort"

	"github.com/cubefs/cubefs/util/btree"
	"github.com/cubefs/dbcache/common/arena"
	"github.com/cubefs/dbcache/common/strpool"
	"github.com/cubefs/dbcache/proto"
)

const dueDegree = 32

// dueEntry orders the due queue by poller type, then next check, then id.
type dueEntry struct {
	pt   proto.PollerType
	next int64
	id   proto.ItemID
}

func (e *dueEntry) Less(than btree.Item) bool {
	o := than.(*dueEntry)
	if e.pt != o.pt {
		return e.pt < o.pt
	}
	if e.next != o.next {
		return e.next < o.next
	}
	return e.id < o.id
}

func (e *dueEntry) Copy() btree.Item {
	c := *e
	return &c
}

type keyIndex struct {
	host proto.HostID
	// interned, so equal keys have equal refs
	key strpool.Ref
}

// index is the process local lookup structure over the records in the arena.
// It is derived data: rebuild recreates it from the records alone, and apply
// refreshes the entries of one entity from its current record.
type index struct {
	hosts     map[proto.HostID]arena.Handle
	items     map[proto.ItemID]arena.Handle
	deferred  map[proto.ItemID]arena.Handle
	triggers  map[proto.TriggerID]arena.Handle
	functions map[proto.FunctionID]arena.Handle

	hostItems        map[proto.HostID][]proto.ItemID
	itemKeys         map[keyIndex]proto.ItemID
	itemKeyOf        map[proto.ItemID]keyIndex
	functionLinks    map[proto.FunctionID]functionLink
	itemFunctions    map[proto.ItemID][]proto.FunctionID
	triggerFunctions map[proto.TriggerID][]proto.FunctionID

	due     *btree.BTree
	dueKeys map[proto.ItemID]*dueEntry
	depth   map[proto.PollerType]int
	claimed map[proto.ItemID]struct{}

	// entities changed since the last commit
	dirty map[changeKey]struct{}
}

type functionLink struct {
	item    proto.ItemID
	trigger proto.TriggerID
}

func newIndex() *index {
	return &index{
		hosts:            make(map[proto.HostID]arena.Handle),
		items:            make(map[proto.ItemID]arena.Handle),
		deferred:         make(map[proto.ItemID]arena.Handle),
		triggers:         make(map[proto.TriggerID]arena.Handle),
		functions:        make(map[proto.FunctionID]arena.Handle),
		hostItems:        make(map[proto.HostID][]proto.ItemID),
		itemKeys:         make(map[keyIndex]proto.ItemID),
		itemKeyOf:        make(map[proto.ItemID]keyIndex),
		functionLinks:    make(map[proto.FunctionID]functionLink),
		itemFunctions:    make(map[proto.ItemID][]proto.FunctionID),
		triggerFunctions: make(map[proto.TriggerID][]proto.FunctionID),
		due:              btree.New(dueDegree),
		dueKeys:          make(map[proto.ItemID]*dueEntry),
		depth:            make(map[proto.PollerType]int),
		claimed:          make(map[proto.ItemID]struct{}),
		dirty:            make(map[changeKey]struct{}),
	}
}

// rebuild indexes every record found in the arena.
func rebuild(v view) *index {
	idx := newIndex()
	var items, functions []arena.Handle
	v.a.Walk(func(h arena.Handle) bool {
		r := v.rec(h)
		switch r.tag() {
		case tagHost:
			idx.hosts[r.u64(oHostID)] = h
		case tagItem:
			items = append(items, h)
		case tagTrigger:
			idx.triggers[r.u64(oTriggerID)] = h
		case tagFunction:
			functions = append(functions, h)
		}
		return true
	})
	for _, h := range items {
		r := v.rec(h)
		id := r.u64(oItemID)
		if r.deleted() {
			idx.deferred[id] = h
			continue
		}
		idx.addItem(id, r.u64(oItemHost), r.ref(oItemKey), h)
		idx.requeue(id, r)
	}
	for _, h := range functions {
		r := v.rec(h)
		idx.addFunction(r.u64(oFunctionID), r.u64(oFunctionItem), r.u64(oFunctionTrigger), h)
	}
	idx.clean()
	return idx
}

// apply replaces the entries of one entity with what its record at h holds.
// A zero handle means the entity is gone.
func (idx *index) apply(v view, k changeKey, h arena.Handle) {
	switch k.tag {
	case tagHost:
		if h == 0 {
			delete(idx.hosts, k.id)
		} else {
			idx.hosts[k.id] = h
		}
	case tagTrigger:
		if h == 0 {
			delete(idx.triggers, k.id)
		} else {
			idx.triggers[k.id] = h
		}
	case tagFunction:
		if l, ok := idx.functionLinks[k.id]; ok {
			idx.removeFunction(k.id, l.item, l.trigger)
		}
		if h != 0 {
			r := v.rec(h)
			idx.addFunction(k.id, r.u64(oFunctionItem), r.u64(oFunctionTrigger), h)
		}
	case tagItem:
		if key, ok := idx.itemKeyOf[k.id]; ok {
			idx.removeItem(k.id, key.host, key.key)
		} else {
			delete(idx.items, k.id)
			idx.unschedule(k.id)
			delete(idx.claimed, k.id)
		}
		delete(idx.deferred, k.id)
		if h == 0 {
			return
		}
		r := v.rec(h)
		if r.deleted() {
			idx.deferred[k.id] = h
			return
		}
		idx.addItem(k.id, r.u64(oItemHost), r.ref(oItemKey), h)
		idx.requeue(k.id, r)
	}
}

// handle is where the record of an entity currently lives, 0 if nowhere.
func (idx *index) handle(k changeKey) arena.Handle {
	switch k.tag {
	case tagHost:
		return idx.hosts[k.id]
	case tagItem:
		if h, ok := idx.items[k.id]; ok {
			return h
		}
		return idx.deferred[k.id]
	case tagTrigger:
		return idx.triggers[k.id]
	case tagFunction:
		return idx.functions[k.id]
	}
	return 0
}

func (idx *index) touch(tag, id uint64) { idx.dirty[changeKey{tag: tag, id: id}] = struct{}{} }

func (idx *index) clean() {
	if len(idx.dirty) > 0 {
		idx.dirty = make(map[changeKey]struct{})
	}
}

func (idx *index) setHost(id proto.HostID, h arena.Handle) {
	idx.hosts[id] = h
	idx.touch(tagHost, id)
}

func (idx *index) dropHost(id proto.HostID) {
	delete(idx.hosts, id)
	idx.touch(tagHost, id)
}

func (idx *index) setTrigger(id proto.TriggerID, h arena.Handle) {
	idx.triggers[id] = h
	idx.touch(tagTrigger, id)
}

func (idx *index) dropTrigger(id proto.TriggerID) {
	delete(idx.triggers, id)
	idx.touch(tagTrigger, id)
}

func (idx *index) setDeferred(id proto.ItemID, h arena.Handle) {
	idx.deferred[id] = h
	idx.touch(tagItem, id)
}

func (idx *index) dropDeferred(id proto.ItemID) {
	delete(idx.deferred, id)
	idx.touch(tagItem, id)
}

func (idx *index) addItem(id proto.ItemID, host proto.HostID, key strpool.Ref, h arena.Handle) {
	idx.items[id] = h
	idx.hostItems[host] = insertID(idx.hostItems[host], id)
	idx.itemKeys[keyIndex{host: host, key: key}] = id
	idx.itemKeyOf[id] = keyIndex{host: host, key: key}
	idx.touch(tagItem, id)
}

func (idx *index) removeItem(id proto.ItemID, host proto.HostID, key strpool.Ref) {
	delete(idx.items, id)
	idx.removeKey(id, host, key)
	idx.unschedule(id)
	delete(idx.claimed, id)
	idx.touch(tagItem, id)
}

// removeKey drops the item from the per host lookups only.
func (idx *index) removeKey(id proto.ItemID, host proto.HostID, key strpool.Ref) {
	if ids := removeID(idx.hostItems[host], id); len(ids) > 0 {
		idx.hostItems[host] = ids
	} else {
		delete(idx.hostItems, host)
	}
	if k := (keyIndex{host: host, key: key}); idx.itemKeys[k] == id {
		delete(idx.itemKeys, k)
	}
	delete(idx.itemKeyOf, id)
	idx.touch(tagItem, id)
}

func (idx *index) addFunction(id proto.FunctionID, item proto.ItemID, trigger proto.TriggerID, h arena.Handle) {
	idx.functions[id] = h
	idx.functionLinks[id] = functionLink{item: item, trigger: trigger}
	idx.touch(tagFunction, id)
	idx.itemFunctions[item] = insertID(idx.itemFunctions[item], id)
	idx.triggerFunctions[trigger] = insertID(idx.triggerFunctions[trigger], id)
}

func (idx *index) removeFunction(id proto.FunctionID, item proto.ItemID, trigger proto.TriggerID) {
	delete(idx.functions, id)
	delete(idx.functionLinks, id)
	idx.touch(tagFunction, id)
	if ids := removeID(idx.itemFunctions[item], id); len(ids) > 0 {
		idx.itemFunctions[item] = ids
	} else {
		delete(idx.itemFunctions, item)
	}
	if ids := removeID(idx.triggerFunctions[trigger], id); len(ids) > 0 {
		idx.triggerFunctions[trigger] = ids
	} else {
		delete(idx.triggerFunctions, trigger)
	}
}

// requeue places the item according to the scheduling state of its record.
func (idx *index) requeue(id proto.ItemID, r record) {
	idx.touch(tagItem, id)
	pt := proto.PollerType(r[oItemPoller])
	next := int64(r.u64(oItemNextCheck))
	switch proto.SchedState(r[oItemState]) {
	case proto.SchedClaimed:
		idx.unschedule(id)
		idx.claimed[id] = struct{}{}
		return
	case proto.SchedQueued, proto.SchedBackoff, proto.SchedSuppressed:
		delete(idx.claimed, id)
		if pt != proto.PollerNone && next != math.MaxInt64 {
			idx.schedule(id, pt, next)
			return
		}
	default:
		delete(idx.claimed, id)
	}
	idx.unschedule(id)
}

// schedule puts the item in the due queue of pt, replacing its previous
// position.
func (idx *index) schedule(id proto.ItemID, pt proto.PollerType, next int64) {
	idx.unschedule(id)
	e := &dueEntry{pt: pt, next: next, id: id}
	idx.due.ReplaceOrInsert(e)
	idx.dueKeys[id] = e
	idx.depth[pt]++
}

func (idx *index) unschedule(id proto.ItemID) {
	e, ok := idx.dueKeys[id]
	if !ok {
		return
	}
	idx.due.Delete(e)
	delete(idx.dueKeys, id)
	if idx.depth[e.pt]--; idx.depth[e.pt] == 0 {
		delete(idx.depth, e.pt)
	}
}

// dueBefore returns up to max items of pt whose next check is not after now,
// earliest first.
func (idx *index) dueBefore(pt proto.PollerType, now int64, max int) []proto.ItemID {
	var ids []proto.ItemID
	idx.due.AscendGreaterOrEqual(&dueEntry{pt: pt}, func(i btree.Item) bool {
		e := i.(*dueEntry)
		if e.pt != pt || e.next > now || len(ids) >= max {
			return false
		}
		ids = append(ids, e.id)
		return true
	})
	return ids
}

// first is the earliest entry of pt.
func (idx *index) first(pt proto.PollerType) (*dueEntry, bool) {
	var found *dueEntry
	idx.due.AscendGreaterOrEqual(&dueEntry{pt: pt}, func(i btree.Item) bool {
		if e := i.(*dueEntry); e.pt == pt {
			found = e
		}
		return false
	})
	return found, found != nil
}

func searchID(ids []uint64, id uint64) (int, bool) {
	idx := sort.Search(len(ids), func(i int) bool {
		return ids[i] >= id
	})
	if idx == len(ids) || ids[idx] != id {
		return idx, false
	}
	return idx, true
}

func insertID(ids []uint64, id uint64) []uint64 {
	idx, ok := searchID(ids, id)
	if ok {
		return ids
	}
	ids = append(ids, id)
	if idx == len(ids)-1 {
		return ids
	}
	copy(ids[idx+1:], ids[idx:len(ids)-1])
	ids[idx] = id
	return ids
}

func removeID(ids []uint64, id uint64) []uint64 {
	if i, ok := searchID(ids, id); ok {
		copy(ids[i:], ids[i+1:])
		ids = ids[:len(ids)-1]
	}
	return ids
}
