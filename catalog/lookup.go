package catalog

import (
	"context"

	apierrors "github.com/cubefs/dbcache/errors"
	"github.com/cubefs/dbcache/proto"
)

// Lookups return copies; callers may keep them after the lock is released.

func (c *Catalog) LookupItem(ctx context.Context, id proto.ItemID) (*proto.Item, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	h, ok := c.idx.items[id]
	if !ok {
		return nil, apierrors.ErrNotFound
	}
	return c.v.item(h), nil
}

func (c *Catalog) LookupItemByKey(ctx context.Context, hostID proto.HostID, key string) (*proto.Item, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ref, ok := c.v.pool.LookupString(key)
	if !ok {
		return nil, apierrors.ErrNotFound
	}
	id, ok := c.idx.itemKeys[keyIndex{host: hostID, key: ref}]
	if !ok {
		return nil, apierrors.ErrNotFound
	}
	return c.v.item(c.idx.items[id]), nil
}

// LookupItemsByHost returns the items of a host in ascending id order.
func (c *Catalog) LookupItemsByHost(ctx context.Context, hostID proto.HostID) ([]*proto.Item, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ids := c.idx.hostItems[hostID]
	items := make([]*proto.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, c.v.item(c.idx.items[id]))
	}
	return items, nil
}

func (c *Catalog) LookupHost(ctx context.Context, id proto.HostID) (*proto.Host, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	h, ok := c.idx.hosts[id]
	if !ok {
		return nil, apierrors.ErrNotFound
	}
	return c.v.host(h), nil
}

func (c *Catalog) LookupTrigger(ctx context.Context, id proto.TriggerID) (*proto.Trigger, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	h, ok := c.idx.triggers[id]
	if !ok {
		return nil, apierrors.ErrNotFound
	}
	return c.v.trigger(h), nil
}

// TriggersByItem returns the triggers whose expressions use the item, in
// ascending id order.
func (c *Catalog) TriggersByItem(ctx context.Context, itemID proto.ItemID) ([]*proto.Trigger, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var ids []proto.TriggerID
	for _, fid := range c.idx.itemFunctions[itemID] {
		tid := c.v.rec(c.idx.functions[fid]).u64(oFunctionTrigger)
		ids = insertID(ids, tid)
	}
	triggers := make([]*proto.Trigger, 0, len(ids))
	for _, tid := range ids {
		if h, ok := c.idx.triggers[tid]; ok {
			triggers = append(triggers, c.v.trigger(h))
		}
	}
	return triggers, nil
}

func (c *Catalog) FunctionsByItem(ctx context.Context, itemID proto.ItemID) ([]*proto.Function, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	fids := c.idx.itemFunctions[itemID]
	functions := make([]*proto.Function, 0, len(fids))
	for _, fid := range fids {
		functions = append(functions, c.v.function(c.idx.functions[fid]))
	}
	return functions, nil
}

// FunctionsByTrigger returns the functions of a trigger expression.
func (c *Catalog) FunctionsByTrigger(ctx context.Context, triggerID proto.TriggerID) ([]*proto.Function, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	fids := c.idx.triggerFunctions[triggerID]
	functions := make([]*proto.Function, 0, len(fids))
	for _, fid := range fids {
		functions = append(functions, c.v.function(c.idx.functions[fid]))
	}
	return functions, nil
}
