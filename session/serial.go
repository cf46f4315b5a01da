package session

import "sync"

// serial は積んだ関数を1本のゴルーチンで積んだ順に実行する
// 呼び出し側はロックを持ったまま積んでよく、実行の遅さに引きずられない
type serial struct {
	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

func newSerial() *serial {
	s := &serial{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

// do はfnを積む。close後は捨てる
func (s *serial) do(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.signal()
}

func (s *serial) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *serial) run() {
	defer close(s.stopped)
	for range s.wake {
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			closed := s.closed
			s.mu.Unlock()

			for _, fn := range batch {
				fn()
			}
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}

// close は積まれた分を実行し切ってから止める（冪等）
func (s *serial) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
	<-s.stopped
}
