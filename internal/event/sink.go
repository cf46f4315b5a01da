package event

import "sync"

// Sink は通知の送り先
type Sink interface {
	Emit(Event)
}

// SinkFunc は関数をSinkとして使う
type SinkFunc func(Event)

// Emit はfを呼ぶ
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard は通知を捨てる
var Discard Sink = SinkFunc(func(Event) {})

// Multi は全てのSinkに順に送る
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}

// ChannelSink はチャネルに流すSink
// 受け手が読むまでEmitはブロックする。Close後のEmitは捨てる
type ChannelSink struct {
	ch       chan Event
	done     chan struct{}
	doneOnce sync.Once
	mu       sync.RWMutex
	closed   bool
}

// NewChannelSink はバッファ付きのChannelSinkを作る
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Emit は通知をチャネルに送る
func (s *ChannelSink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	case <-s.done:
	}
}

// Events は通知チャネルを返す
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close はチャネルを閉じる（冪等）
func (s *ChannelSink) Close() {
	// ブロック中のEmitを先に解放する
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
