package router

import "orchestra/internal/domain"

// history keeps the most recent finished tasks, evicting the oldest first.
// Callers hold Router.mu.
type history struct {
	limit int
	order []string
	tasks map[string]domain.Task
}

func newHistory(limit int) *history {
	return &history{limit: limit, tasks: make(map[string]domain.Task, limit)}
}

func (h *history) add(t domain.Task) {
	if _, ok := h.tasks[t.ID]; !ok {
		h.order = append(h.order, t.ID)
	}
	h.tasks[t.ID] = t
	for len(h.order) > h.limit {
		delete(h.tasks, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *history) get(id string) (domain.Task, bool) {
	t, ok := h.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

func (h *history) len() int { return len(h.order) }
