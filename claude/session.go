package claude

// Session は再開・分岐に使うセッション情報を保持する
type Session struct {
	ID       string // セッションID
	IsForked bool   // 分岐したセッションかどうか
	ParentID string // 分岐元のセッションID（分岐の場合のみ）
	ResumeAt string // このメッセージUUIDまでの履歴から再開する
}

// NewSession は新しいセッションを作成する
func NewSession(id string) *Session {
	return &Session{
		ID: id,
	}
}

// Fork はセッションを分岐する設定を返す
// 新しいIDはCLIが採番する
func (s *Session) Fork() *Session {
	return &Session{
		ParentID: s.ID,
		IsForked: true,
		ResumeAt: s.ResumeAt,
	}
}

// At は指定したメッセージUUIDの時点から再開する設定を返す
// 分岐元の履歴はそのまま残る
func (s *Session) At(messageUUID string) *Session {
	return &Session{
		ID:       s.ID,
		IsForked: s.IsForked,
		ParentID: s.ParentID,
		ResumeAt: messageUUID,
	}
}

// Apply は再開設定をOptionsに書き込む
func (s *Session) Apply(opts *Options) {
	if s == nil || opts == nil {
		return
	}
	switch {
	case s.IsForked:
		opts.Resume = s.ParentID
		opts.ForkSession = true
	default:
		opts.Resume = s.ID
	}
	opts.ResumeSessionAt = ""
	if opts.Resume != "" {
		opts.ResumeSessionAt = s.ResumeAt
	}
}
