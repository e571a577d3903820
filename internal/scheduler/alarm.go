package scheduler

import "container/heap"

// Alarm is a handle to a scheduled callback. It is returned by AddAlarmAtUs
// and accepted by CancelAlarm.
type Alarm struct {
	wakeupUs int64
	index    uint64
	pos      int // position in the outstanding heap, -1 once removed
	run      func()
	cancel   func()
}

// WakeupUs reports when the alarm is due.
func (a *Alarm) WakeupUs() int64 {
	return a.wakeupUs
}

func (a *Alarm) before(other *Alarm) bool {
	if a.wakeupUs != other.wakeupUs {
		return a.wakeupUs < other.wakeupUs
	}
	return a.index < other.index
}

// alarmHeap orders alarms by wakeup time, then by insertion index so equal
// wakeups fire in the order they were added.
type alarmHeap []*Alarm

func (h alarmHeap) Len() int           { return len(h) }
func (h alarmHeap) Less(i, j int) bool { return h[i].before(h[j]) }

func (h alarmHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *alarmHeap) Push(x any) {
	a := x.(*Alarm)
	a.pos = len(*h)
	*h = append(*h, a)
}

func (h *alarmHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.pos = -1
	*h = old[:n-1]
	return a
}

func (h *alarmHeap) peek() *Alarm {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

// remove drops a from the heap, reporting whether it was still present.
func (h *alarmHeap) remove(a *Alarm) bool {
	if a.pos < 0 || a.pos >= len(*h) || (*h)[a.pos] != a {
		return false
	}
	heap.Remove(h, a.pos)
	return true
}
