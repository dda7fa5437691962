package storage

import "sync"

// Memory keeps rows in process. It is the default sink for tests and the
// memory storage driver.
type Memory struct {
	mu   sync.Mutex
	rows []Row
}

// NewMemory returns an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Save appends row.
func (m *Memory) Save(row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

// Rows returns a copy of all rows in save order.
func (m *Memory) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, len(m.rows))
	copy(out, m.rows)
	return out
}

// Len returns the number of saved rows.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Reset drops all rows.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = nil
}

// TraceEvents returns the trace_events rows in save order.
func (m *Memory) TraceEvents() []TraceEvent {
	return collect[TraceEvent](m)
}

// ModuleTraces returns the module_traces rows in save order.
func (m *Memory) ModuleTraces() []ModuleTrace {
	return collect[ModuleTrace](m)
}

// Variables returns the variables rows in save order.
func (m *Memory) Variables() []Variable {
	return collect[Variable](m)
}

func collect[T Row](m *Memory) []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []T
	for _, r := range m.rows {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
