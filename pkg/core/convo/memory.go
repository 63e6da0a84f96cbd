package convo

import "sync"

// DefaultMemoryExchanges bounds per-session conversation history.
const DefaultMemoryExchanges = 10

// Exchange is one completed (input, output) turn. Interrupted marks turns
// whose output was cut short by barge-in; the partial text is kept so the
// next prompt can reference what was actually said.
type Exchange struct {
	Input       string
	Output      string
	Speaker     string
	Interrupted bool
}

// Memory is a bounded sliding window of recent exchanges, oldest-first
// eviction. Safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	max       int
	exchanges []Exchange
}

func NewMemory(max int) *Memory {
	if max <= 0 {
		max = DefaultMemoryExchanges
	}
	return &Memory{max: max}
}

func (m *Memory) Append(ex Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = append(m.exchanges, ex)
	if len(m.exchanges) > m.max {
		m.exchanges = m.exchanges[len(m.exchanges)-m.max:]
	}
}

// Window returns a copy of the retained exchanges, oldest first.
func (m *Memory) Window() []Exchange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Exchange, len(m.exchanges))
	copy(out, m.exchanges)
	return out
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exchanges)
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = nil
}
