package server

// watchList lets callers wait for the commit or apply index to reach a
// target. Each registered watch holds a channel closed exactly once, when
// the watched index is reached or the group shuts down.
//
// Guarded by the owning Group's state lock.
type watchList struct {
	// waiters maps a target index to the channels watching it.
	waiters map[uint64][]chan struct{}
}

func newWatchList() *watchList {
	return &watchList{waiters: make(map[uint64][]chan struct{})}
}

// watch returns a channel closed once the tracked index reaches target.
// current is the index's present value; an already satisfied watch returns a
// closed channel.
func (w *watchList) watch(target, current uint64) <-chan struct{} {
	ch := make(chan struct{})
	if current >= target {
		close(ch)
		return ch
	}
	w.waiters[target] = append(w.waiters[target], ch)
	return ch
}

// advance wakes every watch with a target at or below index.
func (w *watchList) advance(index uint64) {
	for target, chans := range w.waiters {
		if target <= index {
			for _, ch := range chans {
				close(ch)
			}
			delete(w.waiters, target)
		}
	}
}

// drain wakes every watch regardless of target, used on shutdown. Woken
// callers must re-check the index they waited for.
func (w *watchList) drain() {
	for target, chans := range w.waiters {
		for _, ch := range chans {
			close(ch)
		}
		delete(w.waiters, target)
	}
}
