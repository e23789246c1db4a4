package docstore

import (
	"context"
	"sync"
)

// hub fans out committed changes to in-process watchers. Publishing never
// blocks: every watcher has an unbounded queue drained by its own goroutine.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*hubWatcher]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*hubWatcher]struct{})}
}

// subscribe registers a watcher seeded with the initial replay. Callers hold
// the store lock so no commit lands between the snapshot and registration.
func (h *hub) subscribe(ctx context.Context, collection string, initial []*Change) *hubWatcher {
	w := &hubWatcher{
		hub:        h,
		collection: collection,
		out:        make(chan *Change),
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		queue:      append(initial, nil),
	}

	h.mu.Lock()
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[*hubWatcher]struct{})
	}
	h.subs[collection][w] = struct{}{}
	h.mu.Unlock()

	go w.run()
	go func() {
		select {
		case <-ctx.Done():
			_ = w.Stop()
		case <-w.done:
		}
	}()

	return w
}

func (h *hub) publish(collection string, changes ...*Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.subs[collection] {
		w.push(changes...)
	}
}

func (h *hub) remove(w *hubWatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[w.collection], w)
}

// closeAll stops every watcher
func (h *hub) closeAll() {
	h.mu.Lock()
	var all []*hubWatcher
	for _, ws := range h.subs {
		for w := range ws {
			all = append(all, w)
		}
	}
	h.mu.Unlock()

	for _, w := range all {
		_ = w.Stop()
	}
}

type hubWatcher struct {
	hub        *hub
	collection string
	out        chan *Change
	signal     chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	mu    sync.Mutex
	queue []*Change
}

func (w *hubWatcher) Changes() <-chan *Change {
	return w.out
}

func (w *hubWatcher) Stop() error {
	w.stopOnce.Do(func() {
		w.hub.remove(w)
		close(w.done)
	})
	return nil
}

func (w *hubWatcher) push(changes ...*Change) {
	w.mu.Lock()
	w.queue = append(w.queue, changes...)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *hubWatcher) run() {
	defer close(w.out)

	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, c := range batch {
			select {
			case w.out <- c:
			case <-w.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-w.signal:
		case <-w.done:
			return
		}
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
