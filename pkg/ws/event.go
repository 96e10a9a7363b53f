package ws

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType 生命周期事件类型
type EventType string

const (
	EventClientConnected    EventType = "client.connected"
	EventClientDisconnected EventType = "client.disconnected"
	EventRouted             EventType = "event.routed"
	EventBuffered           EventType = "event.buffered"
	EventBufferEvicted      EventType = "buffer.evicted"
)

// Event 生命周期事件
type Event struct {
	Type      EventType
	Namespace string
	SessionID string
	Data      any
	Time      time.Time
}

// EventHandler 事件处理器
type EventHandler func(Event)

// EventBus 进程内事件总线，固定 worker 池异步分发
type EventBus struct {
	handlers      map[EventType][]EventHandler
	mu            sync.RWMutex
	workerCh      chan func()
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closed        atomic.Bool
	droppedEvents atomic.Int64
}

// NewEventBus 创建事件总线
func NewEventBus(workers, queueSize int) *EventBus {
	eb := &EventBus{
		handlers: make(map[EventType][]EventHandler),
		workerCh: make(chan func(), queueSize),
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case task := <-eb.workerCh:
			task()
		case <-eb.stopCh:
			return
		}
	}
}

// Subscribe 订阅事件
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Publish 异步发布
// 连接/断开事件最多阻塞 100ms，其余事件队列满时直接丢弃
func (eb *EventBus) Publish(event Event) {
	if eb.closed.Load() {
		return
	}

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		task := func() { h(event) }

		if event.Type == EventClientConnected || event.Type == EventClientDisconnected {
			timer := time.NewTimer(100 * time.Millisecond)
			select {
			case eb.workerCh <- task:
			case <-eb.stopCh:
			case <-timer.C:
				eb.droppedEvents.Add(1)
			}
			timer.Stop()
			continue
		}

		select {
		case eb.workerCh <- task:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// Close 关闭事件总线，未执行的事件被丢弃
func (eb *EventBus) Close() {
	if !eb.closed.CompareAndSwap(false, true) {
		return
	}
	close(eb.stopCh)
	eb.wg.Wait()
}

// DroppedEvents 丢弃的事件数量
func (eb *EventBus) DroppedEvents() int64 {
	return eb.droppedEvents.Load()
}
