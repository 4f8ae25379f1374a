package catalog

import (
	"github.com/cubefs/dbcache/common/arena"
	"github.com/cubefs/dbcache/metrics"
)

const (
	defaultChangeLog = 1024
	minChangeLog     = 16
	// the log never takes more than 1/16 of the region
	changeLogShare = 16
)

// changeKey names an entity whose index entries changed.
type changeKey struct {
	tag uint64
	id  uint64
}

// changeLog is a ring in the arena holding the entities touched by the last
// commits of every process, the newest at the header's log sequence. A
// process whose index is at most cap entries behind replays them instead of
// walking the arena.
type changeLog struct {
	h   arena.Handle
	cap uint64
}

func changeLogCap(configured int, regionSize int) uint64 {
	n := configured
	if limit := regionSize / changeLogShare / logEntrySize; n > limit {
		n = limit
	}
	if n < minChangeLog {
		n = minChangeLog
	}
	return uint64(n)
}

func (l changeLog) size() int { return 8 + int(l.cap)*logEntrySize }

func (l changeLog) entry(v view, seq uint64) record {
	off := 8 + int(seq%l.cap)*logEntrySize
	return v.rec(l.h)[off : off+logEntrySize]
}

// publish appends the entities the index saw change since the last commit.
func (c *Catalog) publish() uint64 {
	seq := c.header().u64(oHdrLogSeq)
	for k := range c.idx.dirty {
		seq++
		e := c.log.entry(c.v, seq)
		e.setU64(oLogTag, k.tag)
		e.setU64(oLogID, k.id)
		e.setU64(oLogHandle, uint64(c.idx.handle(k)))
	}
	c.idx.clean()
	c.header().setU64(oHdrLogSeq, seq)
	return seq
}

// catchUp brings the index to the state other processes committed. Only
// the entities named in the log are refreshed; when the log wrapped past
// what this process saw, the index is rebuilt from the arena.
func (c *Catalog) catchUp() {
	seq := c.header().u64(oHdrLogSeq)
	if seq < c.seenSeq || seq-c.seenSeq > c.log.cap {
		c.idx = rebuild(c.v)
		c.rebuilds++
		metrics.IndexRefreshes.WithLabelValues("rebuild").Inc()
	} else {
		latest := make(map[changeKey]arena.Handle, seq-c.seenSeq)
		for s := c.seenSeq + 1; s <= seq; s++ {
			e := c.log.entry(c.v, s)
			latest[changeKey{tag: e.u64(oLogTag), id: e.u64(oLogID)}] = arena.Handle(e.u64(oLogHandle))
		}
		for k, h := range latest {
			c.idx.apply(c.v, k, h)
		}
		c.idx.clean()
		c.replayed += len(latest)
		metrics.IndexRefreshes.WithLabelValues("replay").Inc()
	}
	c.seenSeq = seq
}
