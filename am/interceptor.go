package am

import (
	"sync"

	"github.com/ledgerwatch/collidx/document"
)

// Op is one diverted write captured by an Interceptor while a build is
// draining concurrent side writes (spec §4.5's DRAIN phases).
type Op struct {
	Insert    bool // false means remove
	Doc       document.Document
	OldDoc    document.Document // set only for an update (HasOldDoc true, Insert true)
	HasOldDoc bool
	RecordID  document.RecordId
}

// Interceptor is the side table an in-progress index build diverts
// concurrent collection writes into, so they can be drained into the
// access method once the initial bulk scan has caught up. It mirrors the
// teacher's unwind-log bucket: an ordered, replayable record of what
// happened while the build's own cursor was elsewhere.
type Interceptor struct {
	mu  sync.Mutex
	ops []Op
}

func NewInterceptor() *Interceptor { return &Interceptor{} }

func (i *Interceptor) RecordInsert(doc document.Document, recordID document.RecordId) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ops = append(i.ops, Op{Insert: true, Doc: doc, RecordID: recordID})
}

func (i *Interceptor) RecordRemove(doc document.Document, recordID document.RecordId) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ops = append(i.ops, Op{Insert: false, Doc: doc, RecordID: recordID})
}

func (i *Interceptor) RecordUpdate(oldDoc, newDoc document.Document, recordID document.RecordId) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ops = append(i.ops, Op{Insert: true, Doc: newDoc, OldDoc: oldDoc, HasOldDoc: true, RecordID: recordID})
}

// Drain replays every captured op into am in capture order, then clears
// the side table. Ops recorded by other goroutines after Drain begins
// reading are not included in this pass; callers loop Drain until it
// reports zero ops drained (spec §4.5's DRAIN_1/DRAIN_2 repeat-until-dry
// protocol).
func (i *Interceptor) Drain(target AccessMethod) (int, error) {
	i.mu.Lock()
	ops := i.ops
	i.ops = nil
	i.mu.Unlock()

	for _, op := range ops {
		var err error
		switch {
		case op.Insert && op.HasOldDoc:
			err = target.Update(op.OldDoc, op.Doc, op.RecordID)
		case op.Insert:
			_, err = target.Insert(op.Doc, op.RecordID)
		default:
			err = target.Remove(op.Doc, op.RecordID)
		}
		if err != nil {
			return 0, err
		}
	}
	return len(ops), nil
}

func (i *Interceptor) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.ops)
}
