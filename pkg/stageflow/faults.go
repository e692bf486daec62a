package stageflow

import "sync"

// DefaultFaultLimit is the number of handler faults a FaultLog keeps.
const DefaultFaultLimit = 1000

// FaultLog keeps the most recent handler faults for diagnostics. Failed
// batches are not retried; the log is where they can be inspected.
type FaultLog struct {
	mu     sync.RWMutex
	faults []*HandlerFault
	next   int
	full   bool
	total  int64

	// OnRecord, if set, is called for every recorded fault, outside the lock.
	OnRecord func(*HandlerFault)
}

// NewFaultLog creates a log keeping up to limit faults.
// limit <= 0 uses DefaultFaultLimit.
func NewFaultLog(limit int) *FaultLog {
	if limit <= 0 {
		limit = DefaultFaultLimit
	}
	return &FaultLog{faults: make([]*HandlerFault, limit)}
}

// Record adds a fault, evicting the oldest when full.
func (l *FaultLog) Record(f *HandlerFault) {
	l.mu.Lock()
	l.faults[l.next] = f
	l.next++
	if l.next == len(l.faults) {
		l.next = 0
		l.full = true
	}
	l.total++
	l.mu.Unlock()

	if l.OnRecord != nil {
		l.OnRecord(f)
	}
}

// Recent returns up to limit of the newest faults, oldest first.
// limit <= 0 returns everything kept.
func (l *FaultLog) Recent(limit int) []*HandlerFault {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.orderedLocked()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// ByStage returns the kept faults of one stage, oldest first.
func (l *FaultLog) ByStage(stage string) []*HandlerFault {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*HandlerFault
	for _, f := range l.orderedLocked() {
		if f.Stage == stage {
			out = append(out, f)
		}
	}
	return out
}

// Len returns the number of faults kept.
func (l *FaultLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.faults)
	}
	return l.next
}

// Total returns the number of faults ever recorded.
func (l *FaultLog) Total() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

func (l *FaultLog) orderedLocked() []*HandlerFault {
	if !l.full {
		return append([]*HandlerFault(nil), l.faults[:l.next]...)
	}
	out := make([]*HandlerFault, 0, len(l.faults))
	out = append(out, l.faults[l.next:]...)
	return append(out, l.faults[:l.next]...)
}
