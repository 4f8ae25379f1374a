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

package poller

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cubefs/dbcache/catalog"
	"github.com/cubefs/dbcache/proto"
	"github.com/cubefs/dbcache/selfmon"
)

// Checker executes the check of one item. Kind, Value and Error of the
// returned result are used, the rest is filled in by the worker.
type Checker interface {
	Check(ctx context.Context, item *proto.Item) proto.Result
}

type CheckerFunc func(ctx context.Context, item *proto.Item) proto.Result

func (f CheckerFunc) Check(ctx context.Context, item *proto.Item) proto.Result {
	return f(ctx, item)
}

func notSupported(format string, args ...interface{}) proto.Result {
	return proto.Result{Kind: proto.ResultNotSupported, Error: fmt.Sprintf(format, args...)}
}

func value(v interface{}) proto.Result {
	return proto.Result{Kind: proto.ResultSuccess, Value: fmt.Sprint(v)}
}

var unsupportedType = CheckerFunc(func(ctx context.Context, item *proto.Item) proto.Result {
	return notSupported("no checker for item type %d", item.Type)
})

// StatsSource is the part of the cache internal checks read.
type StatsSource interface {
	Stats(ctx context.Context) (*catalog.Stats, error)
}

// InternalChecker answers the internal items describing the server itself:
//
//	dbcache[hosts|items|triggers|functions|claimed]
//	dbcache[queue,<poller>]
//	dbcache[arena,pused|pfree|used|free]
//	dbcache[strings]
//	dbcache[process,<process type>,avg|max|min,busy|idle]
type InternalChecker struct {
	Stats   StatsSource
	Selfmon *selfmon.Collector
}

func (c *InternalChecker) Check(ctx context.Context, item *proto.Item) proto.Result {
	name, params, err := parseKey(item.Key)
	if err != nil {
		return notSupported("%s", err)
	}
	if name != "dbcache" || len(params) == 0 {
		return notSupported("unsupported item key")
	}
	if params[0] == "process" {
		return c.process(params[1:])
	}

	st, err := c.Stats.Stats(ctx)
	if err != nil {
		return proto.Result{Kind: proto.ResultNetworkError, Error: err.Error()}
	}
	switch params[0] {
	case "hosts":
		return value(st.Hosts)
	case "items":
		return value(st.Items)
	case "triggers":
		return value(st.Triggers)
	case "functions":
		return value(st.Functions)
	case "claimed":
		return value(st.Claimed)
	case "strings":
		return value(st.Strings.Entries)
	case "queue":
		if len(params) != 2 {
			return notSupported("invalid number of parameters")
		}
		pt, ok := proto.ParsePollerType(params[1])
		if !ok {
			return notSupported("unknown poller type %q", params[1])
		}
		return value(st.Queue[pt.String()])
	case "arena":
		if len(params) != 2 {
			return notSupported("invalid number of parameters")
		}
		a := st.Arena
		switch params[1] {
		case "used":
			return value(a.Used)
		case "free":
			return value(a.Free)
		case "pused", "pfree":
			if a.Capacity == 0 {
				return notSupported("arena is empty")
			}
			p := float64(a.Used) / float64(a.Capacity) * 100
			if params[1] == "pfree" {
				p = 100 - p
			}
			return value(strconv.FormatFloat(p, 'f', 2, 64))
		}
		return notSupported("invalid mode %q", params[1])
	}
	return notSupported("unsupported item key")
}

func (c *InternalChecker) process(params []string) proto.Result {
	if len(params) != 3 {
		return notSupported("invalid number of parameters")
	}
	pt, ok := proto.ParseProcessType(params[0])
	if !ok {
		return notSupported("unknown process type %q", params[0])
	}
	mode, err := selfmon.ParseMode(params[1])
	if err != nil {
		return notSupported("%s", err)
	}
	if params[2] != "busy" && params[2] != "idle" {
		return notSupported("invalid state %q", params[2])
	}
	if params[2] == "idle" {
		// idlest worker is the least busy one
		switch mode {
		case selfmon.ModeMax:
			mode = selfmon.ModeMin
		case selfmon.ModeMin:
			mode = selfmon.ModeMax
		}
	}
	ratio, ok := c.Selfmon.AggregateStats(pt, mode)
	if !ok {
		return notSupported("no data collected for %q yet", params[0])
	}
	if params[2] == "idle" {
		ratio = 1 - ratio
	}
	return value(strconv.FormatFloat(ratio*100, 'f', 2, 64))
}

// parseKey splits "name[p1,p2]" into its name and parameters. Parameters may
// be double quoted to contain commas.
func parseKey(key string) (string, []string, error) {
	i := strings.IndexByte(key, '[')
	if i < 0 {
		return key, nil, nil
	}
	if !strings.HasSuffix(key, "]") || i == 0 {
		return "", nil, fmt.Errorf("invalid item key %q", key)
	}
	name, body := key[:i], key[i+1:len(key)-1]
	var (
		params []string
		cur    strings.Builder
		quoted bool
	)
	for j := 0; j < len(body); j++ {
		ch := body[j]
		switch {
		case ch == '"':
			quoted = !quoted
		case ch == ',' && !quoted:
			params = append(params, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(ch)
		}
	}
	if quoted {
		return "", nil, fmt.Errorf("unterminated quote in item key %q", key)
	}
	params = append(params, strings.TrimSpace(cur.String()))
	return name, params, nil
}
