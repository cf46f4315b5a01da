package hooks

import (
	"regexp"
	"strings"
)

// Matcher はツール名のマッチングを行う
type Matcher struct {
	pattern string
	regex   *regexp.Regexp
}

// NewMatcher は新しいMatcherを作成する
//
// 空パターンと "*" は全てにマッチする。"Edit|Write" のような選択や
// "mcp__.*" のような正規表現はツール名全体に対して評価する。
// コンパイルできないパターンは完全一致として扱う。
func NewMatcher(pattern string) *Matcher {
	m := &Matcher{pattern: pattern}
	if pattern == "" || pattern == "*" {
		return m
	}

	if strings.ContainsAny(pattern, ".*+?^${}[]|()\\") {
		if re, err := regexp.Compile("^(?:" + pattern + ")$"); err == nil {
			m.regex = re
		}
	}
	return m
}

// Match はツール名がパターンにマッチするかを判定する
func (m *Matcher) Match(toolName string) bool {
	switch {
	case m.pattern == "" || m.pattern == "*":
		return true
	case m.regex != nil:
		return m.regex.MatchString(toolName)
	default:
		return m.pattern == toolName
	}
}

// Pattern はパターン文字列を返す
func (m *Matcher) Pattern() string {
	return m.pattern
}

// IsExact は完全一致かどうかを返す
func (m *Matcher) IsExact() bool {
	return m.pattern != "" && m.pattern != "*" && m.regex == nil
}
