// Package metrics はセッション層のPrometheusメトリクス
//
// 全メソッドはnilレシーバーでも動くので、メトリクスを使わない場合はnilを渡せばよい。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "claude_session"

// Metrics はセッション層のメトリクス
type Metrics struct {
	// Turns はターンの終わり方ごとの数
	// Labels: outcome (completed|error|cancelled|interrupted)
	Turns *prometheus.CounterVec

	// ToolTransitions はツール呼び出しの状態遷移の数
	// Labels: status
	ToolTransitions *prometheus.CounterVec

	// CorrelationMisses は告知のない許可確認の数
	CorrelationMisses prometheus.Counter

	// Rewinds は巻き戻しの数
	// Labels: option, outcome (ok|warning|error)
	Rewinds *prometheus.CounterVec

	// CompactRequests は自動圧縮の要求数
	CompactRequests prometheus.Counter

	// QueueDeliveries はキュー入力の配信数
	// Labels: path (hook|turn_end)
	QueueDeliveries *prometheus.CounterVec

	// ContextPercent はコンテキストウィンドウの使用率
	// Labels: session
	ContextPercent *prometheus.GaugeVec

	// StaleDiscards はエポック不一致で捨てた非同期処理の数
	StaleDiscards prometheus.Counter

	// ActiveSessions は開いているオーケストレーターの数
	ActiveSessions prometheus.Gauge
}

// New はregに登録したMetricsを作る
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns by outcome.",
		}, []string{"outcome"}),
		ToolTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_transitions_total",
			Help:      "Tool invocation status transitions.",
		}, []string{"status"}),
		CorrelationMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_misses_total",
			Help:      "Permission checks without a matching tool_use announcement.",
		}),
		Rewinds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewinds_total",
			Help:      "Rewind operations by option and outcome.",
		}, []string{"option", "outcome"}),
		CompactRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compact_requests_total",
			Help:      "Automatic compaction requests.",
		}),
		QueueDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_deliveries_total",
			Help:      "Queued input deliveries by path.",
		}, []string{"path"}),
		ContextPercent: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "context_percent",
			Help:      "Context window usage in percent.",
		}, []string{"session"}),
		StaleDiscards: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_discards_total",
			Help:      "Async completions discarded after a rewind.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Open session orchestrators.",
		}),
	}
}

// Turn はターンの終わりを記録する
func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

// ToolTransition はツールの状態遷移を記録する
func (m *Metrics) ToolTransition(status string) {
	if m == nil {
		return
	}
	m.ToolTransitions.WithLabelValues(status).Inc()
}

// CorrelationMiss は対応付けの失敗を記録する
func (m *Metrics) CorrelationMiss() {
	if m == nil {
		return
	}
	m.CorrelationMisses.Inc()
}

// Rewind は巻き戻しを記録する
func (m *Metrics) Rewind(option, outcome string) {
	if m == nil {
		return
	}
	m.Rewinds.WithLabelValues(option, outcome).Inc()
}

// CompactRequested は自動圧縮の要求を記録する
func (m *Metrics) CompactRequested() {
	if m == nil {
		return
	}
	m.CompactRequests.Inc()
}

// QueueDelivered はキュー入力の配信を記録する
func (m *Metrics) QueueDelivered(path string, n int) {
	if m == nil {
		return
	}
	m.QueueDeliveries.WithLabelValues(path).Add(float64(n))
}

// Context はコンテキスト使用率を記録する
func (m *Metrics) Context(session string, percent float64) {
	if m == nil {
		return
	}
	m.ContextPercent.WithLabelValues(session).Set(percent)
}

// ForgetSession はセッションのラベルを消す
func (m *Metrics) ForgetSession(session string) {
	if m == nil {
		return
	}
	m.ContextPercent.DeleteLabelValues(session)
}

// StaleDiscard はエポック不一致による破棄を記録する
func (m *Metrics) StaleDiscard() {
	if m == nil {
		return
	}
	m.StaleDiscards.Inc()
}

// SessionOpened は開いたセッションを数える
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed は閉じたセッションを数える
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}
