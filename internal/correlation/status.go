package correlation

// Status はツール呼び出しの状態
type Status string

const (
	StatusPending          Status = "pending"
	StatusStreamed         Status = "streamed"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusDenied           Status = "denied"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusAbandoned        Status = "abandoned"
)

// rank は状態の優先度。同じ値同士の遷移も認めない
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusStreamed:
		return 1
	case StatusAwaitingApproval:
		return 2
	case StatusApproved, StatusDenied:
		return 3
	case StatusCompleted, StatusFailed, StatusAbandoned:
		return 4
	}
	return -1
}

// Terminal は終端状態かを返す
func (s Status) Terminal() bool { return s.rank() == 4 }

// Decided は承認済み以降（承認・拒否・終端）かを返す
func (s Status) Decided() bool { return s.rank() >= StatusApproved.rank() }

// Valid は既知の状態かを返す
func (s Status) Valid() bool { return s.rank() >= 0 }

// Precedes はsからnextへ進めるかを返す
func (s Status) Precedes(next Status) bool {
	return next.Valid() && next.rank() > s.rank()
}
