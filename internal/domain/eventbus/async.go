package eventbus

import (
	"sync"
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"

	"lumatalk-server/internal/platform/logging"
)

// Bus 进程内事件总线。Publish 同步分发，PublishAsync 经有界队列交给 worker 分发，
// 队列满时丢弃并计数，发布方永不阻塞。
type Bus struct {
	bus       evbus.Bus
	workerNum int
	workChan  chan asyncEvent
	stopChan  chan struct{}
	wg        sync.WaitGroup
	pending   sync.WaitGroup
	logger    *logging.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	dropped   atomic.Int64
}

type asyncEvent struct {
	topic string
	args  []interface{}
}

// Options 异步分发参数
type Options struct {
	Workers   int
	QueueSize int
}

// New 创建事件总线。Workers 为 1 时异步事件按发布顺序分发。
func New(opts Options, logger *logging.Logger) *Bus {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	return &Bus{
		bus:       evbus.New(),
		workerNum: opts.Workers,
		workChan:  make(chan asyncEvent, opts.QueueSize),
		stopChan:  make(chan struct{}),
		logger:    logger,
	}
}

// Start 启动异步处理
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		for i := 0; i < b.workerNum; i++ {
			b.wg.Add(1)
			go b.worker()
		}
	})
}

// Stop 停止接收新事件，处理完队列中剩余事件后返回
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.stopChan)
		b.wg.Wait()
	})
}

func (b *Bus) worker() {
	defer b.wg.Done()

	for {
		select {
		case ev := <-b.workChan:
			b.dispatch(ev)
		case <-b.stopChan:
			for {
				select {
				case ev := <-b.workChan:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev asyncEvent) {
	defer b.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorTag("EventBus", "handler for %s panicked: %v", ev.topic, r)
		}
	}()
	b.bus.Publish(ev.topic, ev.args...)
}

// Publish 发布事件（同步）
func (b *Bus) Publish(topic string, args ...interface{}) {
	b.bus.Publish(topic, args...)
}

// PublishAsync 异步发布事件，返回是否入队
func (b *Bus) PublishAsync(topic string, args ...interface{}) bool {
	if b == nil || b.stopped.Load() {
		return false
	}
	b.pending.Add(1)
	select {
	case b.workChan <- asyncEvent{topic: topic, args: args}:
		return true
	default:
		b.pending.Done()
		n := b.dropped.Add(1)
		b.logger.WarnTag("EventBus", "queue full, dropped %s (total dropped %d)", topic, n)
		return false
	}
}

// Subscribe 订阅事件
func (b *Bus) Subscribe(topic string, fn interface{}) error {
	return b.bus.Subscribe(topic, fn)
}

// Unsubscribe 取消订阅
func (b *Bus) Unsubscribe(topic string, handler interface{}) error {
	return b.bus.Unsubscribe(topic, handler)
}

// HasCallback 检查是否有订阅者
func (b *Bus) HasCallback(topic string) bool {
	return b.bus.HasCallback(topic)
}

// Dropped 队列满时被丢弃的事件数
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// WaitAsync 等待已入队的异步事件全部分发完成
func (b *Bus) WaitAsync() {
	b.pending.Wait()
}
