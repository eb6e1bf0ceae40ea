package eventbus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/streaming"
)

// subscriber 每个订阅一个有界队列和一个投递 goroutine，保证顺序
type subscriber struct {
	id       string
	jobID    string
	handler  Handler
	events   chan streaming.Event
	done     chan struct{}
	stopOnce sync.Once
	// dropped 所属总线的丢弃计数
	dropped *atomic.Int64
	logger  *zap.Logger
}

func newSubscriber(id, jobID string, handler Handler, buffer int, dropped *atomic.Int64, logger *zap.Logger) *subscriber {
	s := &subscriber{
		id:      id,
		jobID:   jobID,
		handler: handler,
		events:  make(chan streaming.Event, buffer),
		done:    make(chan struct{}),
		dropped: dropped,
		logger:  logger,
	}
	go s.run()
	return s
}

// offer 非阻塞投递，缓冲满时丢弃
func (s *subscriber) offer(ev streaming.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	default:
		total := s.dropped.Add(1)
		s.logger.Warn("subscriber buffer full, dropping event",
			zap.String("job_id", s.jobID),
			zap.String("subscription", s.id),
			zap.String("type", string(ev.Type)),
			zap.Int64("dropped_total", total))
		return false
	}
}

func (s *subscriber) run() {
	for {
		select {
		case ev := <-s.events:
			s.deliver(ev)
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) deliver(ev streaming.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked",
				zap.String("job_id", s.jobID),
				zap.Any("recover", r))
		}
	}()
	s.handler(ev)
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
