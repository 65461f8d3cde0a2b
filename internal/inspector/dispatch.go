package inspector

import (
	"sync"

	"GoInspectorLens/internal/protocol"
)

// Handler 事件处理器
// 处理器在分发协程中按到达顺序调用，可以在其中调用 Send，但不能无限期阻塞
type Handler func(ev protocol.Event)

// subscription 一个事件订阅
type subscription struct {
	kind    protocol.EventKind
	handler Handler
	once    bool
	fired   bool
}

// queued 队列元素：事件或同步屏障
type queued struct {
	event   protocol.Event
	barrier chan error
}

// eventQueue 无界FIFO事件队列，由分发协程消费
type eventQueue struct {
	mu     sync.Mutex
	items  []queued
	signal chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

// push 追加元素，队列关闭后返回 false
func (q *eventQueue) push(item queued) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// take 取出当前全部元素；队列已关闭且为空时 ok 为 false
func (q *eventQueue) take() (items []queued, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			items = q.items
			q.items = nil
			q.mu.Unlock()
			return items, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// close 关闭队列，已入队的元素仍会被取出
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}
