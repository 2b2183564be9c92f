package session

import "time"

// LogEntry 会话日志环条目
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// LogRing 固定容量的日志环，仅保留最近的条目
type LogRing struct {
	entries []LogEntry
	next    int
	full    bool
}

// NewLogRing 创建日志环，capacity<=0时使用1024
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LogRing{entries: make([]LogEntry, capacity)}
}

// Add 追加条目，容量满时覆盖最旧的
func (r *LogRing) Add(at time.Time, level, message string) {
	r.entries[r.next] = LogEntry{Time: at, Level: level, Message: message}
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// Entries 按时间顺序返回全部条目的副本
func (r *LogRing) Entries() []LogEntry {
	if !r.full {
		out := make([]LogEntry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]LogEntry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// Len 当前条目数
func (r *LogRing) Len() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}
