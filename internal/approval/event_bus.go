package approval

import (
	"sync"
	"time"
)

// 审批决定
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Event 审批决定事件
type Event struct {
	InboxItemID     string
	TeamID          string
	WorkflowStateID string
	Decision        string
	DecidedBy       string
	Reason          string
	OccurredAt      time.Time
}

// EventBusConfig 控制事件总线行为
type EventBusConfig struct {
	BufferSize int
}

// EventBus 进程内事件总线，按团队订阅
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan Event
	seq    uint64
	buffer int
}

// NewEventBus 创建事件总线
func NewEventBus(cfg *EventBusConfig) *EventBus {
	buffer := 1
	if cfg != nil && cfg.BufferSize > 0 {
		buffer = cfg.BufferSize
	}
	return &EventBus{
		subs:   make(map[string]map[uint64]chan Event),
		buffer: buffer,
	}
}

// Publish 发布事件，接收方处理慢时丢弃，不阻塞
func (b *EventBus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[evt.TeamID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe 订阅某团队的审批事件，返回取消函数
func (b *EventBus) Subscribe(teamID string) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.seq++
	id := b.seq
	if _, ok := b.subs[teamID]; !ok {
		b.subs[teamID] = make(map[uint64]chan Event)
	}
	b.subs[teamID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.removeListener(teamID, id) })
	}
}

func (b *EventBus) removeListener(teamID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if listeners, ok := b.subs[teamID]; ok {
		if ch, exists := listeners[id]; exists {
			delete(listeners, id)
			close(ch)
		}
		if len(listeners) == 0 {
			delete(b.subs, teamID)
		}
	}
}
