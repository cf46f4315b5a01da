package checkpoint

import "sync"

// Epoch は巻き戻しのたびに1つ進む世代番号。減ることも戻ることもない
//
// 巻き戻し前に始まった非同期処理は、開始時に取ったFenceで
// 副作用を確定してよいかを判定する。
type Epoch struct {
	mu    sync.RWMutex
	value uint64
}

// Current は現在の値を返す
func (e *Epoch) Current() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value
}

// Advance は値を1つ進めて新しい値を返す
func (e *Epoch) Advance() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value++
	return e.value
}

// Fence は現在の世代を捕まえる
func (e *Epoch) Fence() Fence {
	return Fence{epoch: e, value: e.Current()}
}

// Fence は非同期処理の開始時に取る世代
type Fence struct {
	epoch *Epoch
	value uint64
}

// Value は捕まえた世代を返す
func (f Fence) Value() uint64 { return f.value }

// Valid は世代が進んでいないかを返す
func (f Fence) Valid() bool {
	return f.epoch != nil && f.epoch.Current() == f.value
}

// Commit は世代が変わっていなければfnを実行してtrueを返す
// fnの実行中はAdvanceが待たされるので、fnからAdvanceを呼んではいけない
func (f Fence) Commit(fn func()) bool {
	if f.epoch == nil {
		return false
	}
	f.epoch.mu.RLock()
	defer f.epoch.mu.RUnlock()
	if f.epoch.value != f.value {
		return false
	}
	fn()
	return true
}
