package tnr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/charging-platform/evse-simulator/internal/bus"
	"github.com/charging-platform/evse-simulator/internal/domain/events"
)

// Divergence 回放与录制的一处差异
type Divergence struct {
	Session  string  `json:"session"`
	Index    int     `json:"index"` // 该会话流内的位置
	Reason   string  `json:"reason"`
	Expected *Record `json:"expected,omitempty"`
	Actual   *Record `json:"actual,omitempty"`
}

func (d Divergence) String() string {
	return fmt.Sprintf("session %s event %d: %s", d.Session, d.Index, d.Reason)
}

// LoadRecords 从JSON行流读取录制
func LoadRecords(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("tnr: line %d: %w", line, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tnr: read recording: %w", err)
	}
	return records, nil
}

// LoadRecordingFile 从文件读取录制
func LoadRecordingFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tnr: open recording: %w", err)
	}
	defer f.Close()
	return LoadRecords(f)
}

// Compare 按会话流比较两份录制
// 跨会话无顺序约束，会话内按出现顺序逐条比较确定性字段
func Compare(expected, actual []Record) []Divergence {
	expectedBySession := groupBySession(expected)
	actualBySession := groupBySession(actual)

	var divergences []Divergence
	for session, want := range expectedBySession {
		got, ok := actualBySession[session]
		if !ok {
			divergences = append(divergences, Divergence{
				Session: session,
				Reason:  "session missing from replay",
			})
			continue
		}
		divergences = append(divergences, compareStreams(session, want, got)...)
	}
	for session := range actualBySession {
		if _, ok := expectedBySession[session]; !ok {
			divergences = append(divergences, Divergence{
				Session: session,
				Reason:  "unexpected session in replay",
			})
		}
	}
	return divergences
}

func groupBySession(records []Record) map[string][]Record {
	grouped := make(map[string][]Record)
	for _, record := range records {
		grouped[record.Session] = append(grouped[record.Session], record)
	}
	return grouped
}

func compareStreams(session string, want, got []Record) []Divergence {
	var divergences []Divergence
	n := len(want)
	if len(got) < n {
		n = len(got)
	}
	for i := 0; i < n; i++ {
		if want[i].key() != got[i].key() {
			w, g := want[i], got[i]
			divergences = append(divergences, Divergence{
				Session:  session,
				Index:    i,
				Reason:   fmt.Sprintf("event mismatch: want %s, got %s", w.key(), g.key()),
				Expected: &w,
				Actual:   &g,
			})
		}
	}
	for i := n; i < len(want); i++ {
		w := want[i]
		divergences = append(divergences, Divergence{
			Session:  session,
			Index:    i,
			Reason:   "event missing from replay",
			Expected: &w,
		})
	}
	for i := n; i < len(got); i++ {
		g := got[i]
		divergences = append(divergences, Divergence{
			Session: session,
			Index:   i,
			Reason:  "extra event in replay",
			Actual:  &g,
		})
	}
	return divergences
}

// Replayer 采集一段实时事件流并与基准录制比较
type Replayer struct {
	baseline []Record
	norm     *normalizer
	captured []Record
	logger   zerolog.Logger
}

// NewReplayer 创建以baseline为基准的回放器
func NewReplayer(baseline []Record, logger zerolog.Logger) *Replayer {
	return &Replayer{
		baseline: baseline,
		norm:     newNormalizer(),
		logger:   logger.With().Str("component", "tnr").Logger(),
	}
}

// Capture 订阅总线采集事件直到ctx取消
func (r *Replayer) Capture(ctx context.Context, eventBus *bus.Bus, topics ...events.Topic) {
	if len(topics) == 0 {
		topics = DefaultTopics
	}
	sub := eventBus.Subscribe(8192, topics...)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				r.logger.Warn().Msg("Replayer subscription dropped")
				return
			}
			r.Observe(event)
		}
	}
}

// Observe 采集单个事件
func (r *Replayer) Observe(event events.Event) {
	if record, ok := r.norm.normalize(event); ok {
		r.captured = append(r.captured, record)
	}
}

// Report 比较采集流与基准，返回所有差异
func (r *Replayer) Report() []Divergence {
	return Compare(r.baseline, r.captured)
}
