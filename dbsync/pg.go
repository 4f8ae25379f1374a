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

package dbsync

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cubefs/dbcache/proto"
)

const (
	queryHosts = `SELECT hostid, host, COALESCE(proxy_hostid, 0), status,
		COALESCE(maintenance_from, 0), COALESCE(maintenance_to, 0) FROM hosts`
	queryHostGroups = `SELECT hostid, groupid FROM hosts_groups ORDER BY hostid, groupid`
	queryItems      = `SELECT itemid, hostid, key_, type, value_type, delay, status FROM items`
	queryTriggers   = `SELECT triggerid, description, expression, status, value FROM triggers`
	queryFunctions  = `SELECT functionid, itemid, triggerid, name, parameter FROM functions`
)

type PGConfig struct {
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"max_conns"`
}

// PGSource loads the configuration tables from PostgreSQL.
type PGSource struct {
	pool *pgxpool.Pool
}

func NewPGSource(ctx context.Context, cfg PGConfig) (*PGSource, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Info(err, "parse dsn failed")
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errors.Info(err, "connect database failed", pc.ConnConfig.Host)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Info(err, "ping database failed", pc.ConnConfig.Host)
	}
	return &PGSource{pool: pool}, nil
}

// Load reads all tables in one read only snapshot so that references
// between them are consistent.
func (s *PGSource) Load(ctx context.Context) (*proto.Snapshot, error) {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, errors.Info(err, "begin transaction failed")
	}
	defer tx.Rollback(ctx)

	snap := &proto.Snapshot{}
	if snap.Hosts, err = loadHosts(ctx, tx); err != nil {
		return nil, err
	}
	if snap.Items, err = query(ctx, tx, queryItems, scanItem); err != nil {
		return nil, errors.Info(err, "load items failed")
	}
	if snap.Triggers, err = query(ctx, tx, queryTriggers, scanTrigger); err != nil {
		return nil, errors.Info(err, "load triggers failed")
	}
	if snap.Functions, err = query(ctx, tx, queryFunctions, scanFunction); err != nil {
		return nil, errors.Info(err, "load functions failed")
	}
	span.Debugf("loaded %d hosts, %d items, %d triggers, %d functions in %s",
		len(snap.Hosts), len(snap.Items), len(snap.Triggers), len(snap.Functions), time.Since(start))
	return snap, nil
}

func (s *PGSource) Close() {
	s.pool.Close()
}

func query[T any](ctx context.Context, tx pgx.Tx, sql string, fn pgx.RowToFunc[T]) ([]T, error) {
	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, fn)
}

func loadHosts(ctx context.Context, tx pgx.Tx) ([]proto.Host, error) {
	hosts, err := query(ctx, tx, queryHosts, scanHost)
	if err != nil {
		return nil, errors.Info(err, "load hosts failed")
	}
	byID := make(map[proto.HostID]int, len(hosts))
	for i := range hosts {
		byID[hosts[i].ID] = i
	}

	rows, err := tx.Query(ctx, queryHostGroups)
	if err != nil {
		return nil, errors.Info(err, "load host groups failed")
	}
	var hostID, groupID int64
	_, err = pgx.ForEachRow(rows, []any{&hostID, &groupID}, func() error {
		if i, ok := byID[uint64(hostID)]; ok {
			hosts[i].Groups = append(hosts[i].Groups, uint64(groupID))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Info(err, "load host groups failed")
	}
	return hosts, nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func scanHost(row pgx.CollectableRow) (proto.Host, error) {
	var (
		id, proxy, from, to int64
		name                string
		status              int16
	)
	if err := row.Scan(&id, &name, &proxy, &status, &from, &to); err != nil {
		return proto.Host{}, err
	}
	return proto.Host{
		ID:              uint64(id),
		Name:            name,
		ProxyID:         uint64(proxy),
		Status:          proto.HostStatus(status),
		MaintenanceFrom: unixTime(from),
		MaintenanceTo:   unixTime(to),
	}, nil
}

func scanItem(row pgx.CollectableRow) (proto.Item, error) {
	var (
		id, host               int64
		key, delay             string
		typ, valueType, status int16
	)
	if err := row.Scan(&id, &host, &key, &typ, &valueType, &delay, &status); err != nil {
		return proto.Item{}, err
	}
	it := proto.Item{
		ID:        uint64(id),
		HostID:    uint64(host),
		Key:       key,
		Type:      proto.ItemType(typ),
		ValueType: proto.ValueType(valueType),
		Delay:     delay,
	}
	if status != 0 {
		it.Status = proto.ItemStatusDisabled
	}
	return it, nil
}

func scanTrigger(row pgx.CollectableRow) (proto.Trigger, error) {
	var (
		id            int64
		desc, expr    string
		status, value int16
	)
	if err := row.Scan(&id, &desc, &expr, &status, &value); err != nil {
		return proto.Trigger{}, err
	}
	return proto.Trigger{
		ID:          uint64(id),
		Description: desc,
		Expression:  expr,
		Status:      proto.TriggerStatus(status),
		Value:       proto.TriggerValue(value),
	}, nil
}

func scanFunction(row pgx.CollectableRow) (proto.Function, error) {
	var (
		id, item, trigger int64
		name, param       string
	)
	if err := row.Scan(&id, &item, &trigger, &name, &param); err != nil {
		return proto.Function{}, err
	}
	return proto.Function{
		ID:        uint64(id),
		ItemID:    uint64(item),
		TriggerID: uint64(trigger),
		Name:      name,
		Parameter: param,
	}, nil
}
