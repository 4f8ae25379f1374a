package proto

import "fmt"

type Op uint8

const (
	OpUpsert Op = iota
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "upsert"
}

type EntityKind uint8

const (
	KindHost EntityKind = iota
	KindItem
	KindTrigger
	KindFunction
)

func (k EntityKind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindItem:
		return "item"
	case KindTrigger:
		return "trigger"
	case KindFunction:
		return "function"
	}
	return fmt.Sprintf("EntityKind(%d)", uint8(k))
}

type (
	HostChange struct {
		Op   Op
		Host Host
	}
	ItemChange struct {
		Op   Op
		Item Item
	}
	TriggerChange struct {
		Op      Op
		Trigger Trigger
	}
	FunctionChange struct {
		Op       Op
		Function Function
	}
)

// Batch is one round of configuration changes produced by the persistence
// layer. Only the ID is required for deletes.
type Batch struct {
	Hosts     []HostChange
	Items     []ItemChange
	Triggers  []TriggerChange
	Functions []FunctionChange
}

func (b *Batch) Len() int {
	return len(b.Hosts) + len(b.Items) + len(b.Triggers) + len(b.Functions)
}

type EntityRef struct {
	Kind EntityKind
	ID   uint64
	Op   Op
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s %s:%d", r.Op, r.Kind, r.ID)
}

type SyncFailure struct {
	EntityRef
	Err error
}

// SyncResult lists which changes of a batch were applied and which were
// rejected. A batch is never all-or-nothing.
type SyncResult struct {
	Applied []EntityRef
	Failed  []SyncFailure
}

func (r *SyncResult) OK() bool { return len(r.Failed) == 0 }

func (r *SyncResult) applied(kind EntityKind, id uint64, op Op) {
	r.Applied = append(r.Applied, EntityRef{Kind: kind, ID: id, Op: op})
}

func (r *SyncResult) failed(kind EntityKind, id uint64, op Op, err error) {
	r.Failed = append(r.Failed, SyncFailure{EntityRef: EntityRef{Kind: kind, ID: id, Op: op}, Err: err})
}

// Record adds the outcome of one entity change.
func (r *SyncResult) Record(kind EntityKind, id uint64, op Op, err error) {
	if err != nil {
		r.failed(kind, id, op, err)
		return
	}
	r.applied(kind, id, op)
}
