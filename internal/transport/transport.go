package transport

import "context"

// RawMessage はエージェントから受信した生のJSONメッセージ
type RawMessage struct {
	Type string
	Data map[string]any
	Raw  []byte // 元のJSON行
}

// Transport はエージェントプロセスとの通信を抽象化するインターフェース
type Transport interface {
	// Connect はプロセスを起動して接続する
	Connect(ctx context.Context) error

	// Write はstdinに1行分のJSONを書き込む
	Write(data []byte) error

	// Messages は受信メッセージのチャネルを返す（プロセス終了時にクローズされる）
	Messages() <-chan RawMessage

	// Errors はエラーのチャネルを返す
	Errors() <-chan error

	// EndInput はstdinをクローズする
	EndInput() error

	// Close はプロセスを終了する
	Close() error

	// IsConnected は接続状態を返す
	IsConnected() bool
}

// Config はTransportの設定
type Config struct {
	CLIPath       string            // CLIのパス
	Args          []string          // 追加のコマンドライン引数
	Env           map[string]string // 追加の環境変数
	CWD           string            // 作業ディレクトリ
	MaxBufferSize int               // JSONバッファの最大サイズ

	// PermissionPromptToolName は権限確認の経路（"stdio"で制御プロトコル経由）
	PermissionPromptToolName string

	// IncludePartialMessages はstream_eventによる差分配信を有効にする
	IncludePartialMessages bool
}

// ProcessStatus はプロセスの終了状態
type ProcessStatus struct {
	ExitCode int
	Stderr   string
}
