package correlation

import "sync"

// Invocation は追跡中のツール呼び出し
type Invocation struct {
	ID        string
	Name      string
	MessageID string // tool_useを含むアシスタントメッセージのID
	ParentID  string
	Input     map[string]any
	Status    Status
}

// Tracker はtool_use IDごとに状態を持つ
type Tracker struct {
	mu    sync.Mutex
	byID  map[string]*Invocation
	order []string
}

// NewTracker は空のTrackerを作成する
func NewTracker() *Tracker {
	return &Tracker{byID: make(map[string]*Invocation)}
}

// Track は呼び出しを登録する。既に登録済みなら状態のマージだけ行う
func (t *Tracker) Track(inv Invocation) Invocation {
	if inv.Status == "" {
		inv.Status = StatusStreamed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.byID[inv.ID]; ok {
		if cur.Status.Precedes(inv.Status) {
			cur.Status = inv.Status
		}
		if cur.MessageID == "" {
			cur.MessageID = inv.MessageID
		}
		if inv.Input != nil {
			cur.Input = inv.Input
		}
		return *cur
	}

	c := inv
	t.byID[inv.ID] = &c
	t.order = append(t.order, inv.ID)
	return c
}

// Advance は状態を進める。優先度が上がらない遷移は拒否してfalseを返す
func (t *Tracker) Advance(id string, status Status) (Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.byID[id]
	if !ok || !cur.Status.Precedes(status) {
		if ok {
			return *cur, false
		}
		return Invocation{}, false
	}
	cur.Status = status
	return *cur, true
}

// Get は呼び出しを返す
func (t *Tracker) Get(id string) (Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.byID[id]; ok {
		return *cur, true
	}
	return Invocation{}, false
}

// Remove は追跡をやめる
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[id]; !ok {
		return
	}
	delete(t.byID, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
}

// PendingForMessage はmessageIDに属し、まだ承認にも終端にも達していない呼び出しを登録順に返す
func (t *Tracker) PendingForMessage(messageID string) []Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Invocation
	for _, id := range t.order {
		inv := t.byID[id]
		if inv.MessageID == messageID && !inv.Status.Decided() {
			out = append(out, *inv)
		}
	}
	return out
}

// Len は追跡中の数を返す
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Reset は全ての追跡を捨てる
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID = make(map[string]*Invocation)
	t.order = nil
}
