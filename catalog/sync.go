package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/dbcache/common/arena"
	"github.com/cubefs/dbcache/common/strpool"
	apierrors "github.com/cubefs/dbcache/errors"
	"github.com/cubefs/dbcache/metrics"
	"github.com/cubefs/dbcache/proto"
)

type change struct {
	kind  proto.EntityKind
	id    uint64
	op    proto.Op
	apply func(ctx context.Context, now time.Time) error
}

// SyncConfiguration applies a change-set. Upserts run before deletes, parents
// before children, so references inside one batch resolve. A failing entity
// is reported in the result and the rest of the batch continues. The returned
// error is set only when the batch could not be completed, in which case the
// result covers the changes applied so far.
func (c *Catalog) SyncConfiguration(ctx context.Context, b *proto.Batch) (*proto.SyncResult, error) {
	span, ctx := trace.StartSpanFromContext(ctx, "")
	start := time.Now()
	defer func() { metrics.SyncSeconds.Observe(time.Since(start).Seconds()) }()

	changes := c.plan(b)
	res := &proto.SyncResult{}
	for i := 0; i < len(changes); i += syncChunk {
		end := i + syncChunk
		if end > len(changes) {
			end = len(changes)
		}
		release, err := c.acquire(ctx)
		if err != nil {
			span.Warnf("sync aborted after %d of %d changes: %s", i, len(changes), err)
			return res, err
		}
		now := time.Now()
		for _, ch := range changes[i:end] {
			err := ch.apply(ctx, now)
			res.Record(ch.kind, ch.id, ch.op, err)
			if err != nil {
				metrics.SyncChanges.WithLabelValues(ch.kind.String(), "failed").Inc()
				span.Warnf("%s %s:%d failed: %s", ch.op, ch.kind, ch.id, err)
				continue
			}
			metrics.SyncChanges.WithLabelValues(ch.kind.String(), "applied").Inc()
		}
		c.commit()
		release()
	}
	if len(changes) > 0 {
		span.Debugf("synced %d changes, %d failed, took %s", len(changes), len(res.Failed), time.Since(start))
	}
	return res, nil
}

func (c *Catalog) plan(b *proto.Batch) []change {
	changes := make([]change, 0, b.Len())
	for i := range b.Hosts {
		if h := &b.Hosts[i].Host; b.Hosts[i].Op == proto.OpUpsert {
			changes = append(changes, change{proto.KindHost, h.ID, proto.OpUpsert, func(ctx context.Context, now time.Time) error {
				return c.upsertHost(ctx, h, now)
			}})
		}
	}
	for i := range b.Items {
		if it := &b.Items[i].Item; b.Items[i].Op == proto.OpUpsert {
			changes = append(changes, change{proto.KindItem, it.ID, proto.OpUpsert, func(ctx context.Context, now time.Time) error {
				return c.upsertItem(ctx, it, now)
			}})
		}
	}
	for i := range b.Triggers {
		if t := &b.Triggers[i].Trigger; b.Triggers[i].Op == proto.OpUpsert {
			changes = append(changes, change{proto.KindTrigger, t.ID, proto.OpUpsert, func(context.Context, time.Time) error {
				return c.upsertTrigger(t)
			}})
		}
	}
	for i := range b.Functions {
		if f := &b.Functions[i].Function; b.Functions[i].Op == proto.OpUpsert {
			changes = append(changes, change{proto.KindFunction, f.ID, proto.OpUpsert, func(context.Context, time.Time) error {
				return c.upsertFunction(f)
			}})
		}
	}
	for i := range b.Functions {
		if id := b.Functions[i].Function.ID; b.Functions[i].Op == proto.OpDelete {
			changes = append(changes, change{proto.KindFunction, id, proto.OpDelete, func(context.Context, time.Time) error {
				return c.deleteFunction(id)
			}})
		}
	}
	for i := range b.Triggers {
		if id := b.Triggers[i].Trigger.ID; b.Triggers[i].Op == proto.OpDelete {
			changes = append(changes, change{proto.KindTrigger, id, proto.OpDelete, func(context.Context, time.Time) error {
				return c.deleteTrigger(id)
			}})
		}
	}
	for i := range b.Items {
		if id := b.Items[i].Item.ID; b.Items[i].Op == proto.OpDelete {
			changes = append(changes, change{proto.KindItem, id, proto.OpDelete, func(context.Context, time.Time) error {
				return c.deleteItem(id)
			}})
		}
	}
	for i := range b.Hosts {
		if id := b.Hosts[i].Host.ID; b.Hosts[i].Op == proto.OpDelete {
			changes = append(changes, change{proto.KindHost, id, proto.OpDelete, func(context.Context, time.Time) error {
				return c.deleteHost(id)
			}})
		}
	}
	return changes
}

func (c *Catalog) upsertHost(ctx context.Context, h *proto.Host, now time.Time) error {
	if h.ID == 0 {
		return fmt.Errorf("%w: host id 0", apierrors.ErrInvalidEntity)
	}
	groups := append([]proto.GroupID(nil), h.Groups...)
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	in := interner{pool: c.v.pool}
	name := in.intern(h.Name)
	if in.err != nil {
		return in.err
	}
	nh, err := c.v.a.Allocate(hostRecordSize(len(groups)))
	if err != nil {
		in.rollback()
		return err
	}

	r := c.v.rec(nh)
	r.setU64(0, tagHost)
	r.setU64(oHostID, h.ID)
	r.setU64(oHostProxy, h.ProxyID)
	r.setRef(oHostName, name)
	r.setU32(oHostNGroups, uint32(len(groups)))
	for i, g := range groups {
		r.setU64(oHostGroups+8*i, g)
	}
	state := *h
	old, exists := c.idx.hosts[h.ID]
	var prev *proto.Host
	if exists {
		// availability is runtime state owned by the cache
		prev = c.v.host(old)
		state.Available = prev.Available
		state.ErrorsFrom = prev.ErrorsFrom
		state.DisableUntil = prev.DisableUntil
	}
	r.writeHostState(&state)

	c.idx.setHost(h.ID, nh)
	if !exists {
		return nil
	}
	releaseRefs(c.v.pool, c.v.rec(old), hostRefs...)
	c.v.a.Free(old)

	if prev.Status != h.Status || prev.ProxyID != h.ProxyID ||
		!prev.MaintenanceFrom.Equal(h.MaintenanceFrom) || !prev.MaintenanceTo.Equal(h.MaintenanceTo) {
		for _, id := range c.idx.hostItems[h.ID] {
			c.replan(ctx, id, now)
		}
	}
	return nil
}

func (c *Catalog) upsertItem(ctx context.Context, it *proto.Item, now time.Time) error {
	if it.ID == 0 || it.Key == "" || !it.Type.Valid() {
		return fmt.Errorf("%w: item %d", apierrors.ErrInvalidEntity, it.ID)
	}
	if _, ok := c.idx.hosts[it.HostID]; !ok {
		return fmt.Errorf("%w: item %d on host %d", apierrors.ErrDanglingReference, it.ID, it.HostID)
	}

	in := interner{pool: c.v.pool}
	key := in.intern(it.Key)
	delay := in.intern(it.Delay)
	errMsg := in.intern(it.Error)
	if in.err != nil {
		in.rollback()
		return in.err
	}

	h, exists := c.idx.items[it.ID]
	resurrected := false
	if !exists {
		h, resurrected = c.idx.deferred[it.ID]
	}
	if !exists && !resurrected {
		var err error
		if h, err = c.v.a.Allocate(itemRecordSize); err != nil {
			in.rollback()
			return err
		}
		r := c.v.rec(h)
		for i := range r[:itemRecordSize] {
			r[i] = 0
		}
		r.setU64(0, tagItem)
		r.setU64(oItemID, it.ID)
	}

	r := c.v.rec(h)
	oldHost, oldKey := r.u64(oItemHost), r.ref(oItemKey)
	oldDelay, oldType, oldStatus := r.ref(oItemDelay), r[oItemType], r[oItemStatus]
	var oldRefs [3]strpool.Ref
	if exists || resurrected {
		oldRefs = [3]strpool.Ref{oldKey, oldDelay, r.ref(oItemError)}
	}
	status := it.Status
	if exists && status == proto.ItemStatusActive && proto.ItemStatus(oldStatus) == proto.ItemStatusNotSupported {
		// not supported is runtime state, kept until a check succeeds
		status = proto.ItemStatusNotSupported
		if errMsg == 0 {
			errMsg, oldRefs[2] = oldRefs[2], 0
		}
	}

	r.setU64(oItemHost, it.HostID)
	r.setRef(oItemKey, key)
	r.setRef(oItemDelay, delay)
	r.setRef(oItemError, errMsg)
	r[oItemType] = byte(it.Type)
	r[oItemValueType] = byte(it.ValueType)
	r[oItemStatus] = byte(status)
	r[oItemDeleted] = 0

	if exists {
		c.idx.removeKey(it.ID, oldHost, oldKey)
	}
	if resurrected {
		c.idx.dropDeferred(it.ID)
	}
	c.idx.addItem(it.ID, it.HostID, key, h)
	for _, ref := range oldRefs {
		if ref != 0 {
			c.v.pool.Release(ref)
		}
	}

	claimed := proto.SchedState(r[oItemState]) == proto.SchedClaimed
	changed := !exists || oldHost != it.HostID || oldKey != key || oldDelay != delay ||
		oldType != byte(it.Type) || oldStatus != byte(status)
	if !claimed && changed {
		c.replan(ctx, it.ID, now)
	}
	return nil
}

func (c *Catalog) upsertTrigger(t *proto.Trigger) error {
	if t.ID == 0 {
		return fmt.Errorf("%w: trigger id 0", apierrors.ErrInvalidEntity)
	}
	in := interner{pool: c.v.pool}
	desc := in.intern(t.Description)
	expr := in.intern(t.Expression)
	if in.err != nil {
		in.rollback()
		return in.err
	}

	h, exists := c.idx.triggers[t.ID]
	if !exists {
		var err error
		if h, err = c.v.a.Allocate(triggerRecordSize); err != nil {
			in.rollback()
			return err
		}
	}
	r := c.v.rec(h)
	var old record
	if exists {
		old = append(record(nil), r[:triggerRecordSize]...)
	}
	r.setU64(0, tagTrigger)
	r.setU64(oTriggerID, t.ID)
	r.setRef(oTriggerDesc, desc)
	r.setRef(oTriggerExpr, expr)
	r[oTriggerStatus] = byte(t.Status)
	r[oTriggerValue] = byte(t.Value)
	c.idx.setTrigger(t.ID, h)
	if old != nil {
		releaseRefs(c.v.pool, old, triggerRefs...)
	}
	return nil
}

func (c *Catalog) upsertFunction(f *proto.Function) error {
	if f.ID == 0 {
		return fmt.Errorf("%w: function id 0", apierrors.ErrInvalidEntity)
	}
	ih, ok := c.idx.items[f.ItemID]
	if !ok {
		return fmt.Errorf("%w: function %d on item %d", apierrors.ErrDanglingReference, f.ID, f.ItemID)
	}
	if _, ok := c.idx.triggers[f.TriggerID]; !ok {
		return fmt.Errorf("%w: function %d of trigger %d", apierrors.ErrDanglingReference, f.ID, f.TriggerID)
	}

	in := interner{pool: c.v.pool}
	name := in.intern(f.Name)
	param := in.intern(f.Parameter)
	if in.err != nil {
		in.rollback()
		return in.err
	}

	h, exists := c.idx.functions[f.ID]
	if !exists {
		var err error
		if h, err = c.v.a.Allocate(functionRecordSize); err != nil {
			in.rollback()
			return err
		}
	}
	r := c.v.rec(h)
	var old record
	if exists {
		old = append(record(nil), r[:functionRecordSize]...)
	}
	r.setU64(0, tagFunction)
	r.setU64(oFunctionID, f.ID)
	r.setU64(oFunctionItem, f.ItemID)
	r.setU64(oFunctionTrigger, f.TriggerID)
	r.setRef(oFunctionName, name)
	r.setRef(oFunctionParam, param)

	if old != nil {
		c.idx.removeFunction(f.ID, old.u64(oFunctionItem), old.u64(oFunctionTrigger))
	}
	c.idx.addFunction(f.ID, f.ItemID, f.TriggerID, h)
	if old == nil || old.u64(oFunctionItem) != f.ItemID {
		ir := c.v.rec(ih)
		ir.setU32(oItemFuncRefs, ir.u32(oItemFuncRefs)+1)
		if old != nil {
			c.dropFunctionRef(old.u64(oFunctionItem))
		}
	}
	if old != nil {
		releaseRefs(c.v.pool, old, functionRefs...)
	}
	return nil
}

// Deleting an entity that is not cached succeeds, so a repeated delete is
// harmless.

func (c *Catalog) deleteFunction(id proto.FunctionID) error {
	h, ok := c.idx.functions[id]
	if !ok {
		return nil
	}
	r := c.v.rec(h)
	item := r.u64(oFunctionItem)
	c.idx.removeFunction(id, item, r.u64(oFunctionTrigger))
	releaseRefs(c.v.pool, r, functionRefs...)
	c.v.a.Free(h)
	c.dropFunctionRef(item)
	return nil
}

func (c *Catalog) deleteTrigger(id proto.TriggerID) error {
	h, ok := c.idx.triggers[id]
	if !ok {
		return nil
	}
	for _, fid := range append([]proto.FunctionID(nil), c.idx.triggerFunctions[id]...) {
		c.deleteFunction(fid)
	}
	releaseRefs(c.v.pool, c.v.rec(h), triggerRefs...)
	c.v.a.Free(h)
	c.idx.dropTrigger(id)
	return nil
}

// deleteItem removes the item from lookups and queues. Its record stays
// allocated until the last function referencing it is gone.
func (c *Catalog) deleteItem(id proto.ItemID) error {
	h, ok := c.idx.items[id]
	if !ok {
		return nil
	}
	r := c.v.rec(h)
	c.idx.removeItem(id, r.u64(oItemHost), r.ref(oItemKey))
	if r.u32(oItemFuncRefs) > 0 {
		r[oItemDeleted] = 1
		r[oItemState] = byte(proto.SchedUnscheduled)
		r.setU64(oItemToken, 0)
		c.idx.setDeferred(id, h)
		return nil
	}
	c.freeItem(h)
	return nil
}

func (c *Catalog) deleteHost(id proto.HostID) error {
	h, ok := c.idx.hosts[id]
	if !ok {
		return nil
	}
	for _, iid := range append([]proto.ItemID(nil), c.idx.hostItems[id]...) {
		c.deleteItem(iid)
	}
	releaseRefs(c.v.pool, c.v.rec(h), hostRefs...)
	c.v.a.Free(h)
	c.idx.dropHost(id)
	return nil
}

func (c *Catalog) dropFunctionRef(item proto.ItemID) {
	h, live := c.idx.items[item]
	if !live {
		var ok bool
		if h, ok = c.idx.deferred[item]; !ok {
			return
		}
	}
	r := c.v.rec(h)
	rc := r.u32(oItemFuncRefs)
	if rc > 0 {
		rc--
		r.setU32(oItemFuncRefs, rc)
	}
	if rc == 0 && !live {
		c.idx.dropDeferred(item)
		c.freeItem(h)
	}
}

func (c *Catalog) freeItem(h arena.Handle) {
	releaseRefs(c.v.pool, c.v.rec(h), itemRefs...)
	c.v.a.Free(h)
}
