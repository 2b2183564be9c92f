package tnr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/evse-simulator/internal/bus"
	"github.com/charging-platform/evse-simulator/internal/domain/events"
)

// DefaultTopics 录制默认覆盖的主题
var DefaultTopics = []events.Topic{
	events.TopicSessionEvent,
	events.TopicFrameIn,
	events.TopicFrameOut,
	events.TopicLimitChange,
}

// Recorder 把总线事件归一化后以JSON行写入
type Recorder struct {
	w      *bufio.Writer
	closer io.Closer
	enc    *json.Encoder
	norm   *normalizer
	logger zerolog.Logger
	count  int64
}

// NewRecorder 创建写入w的录制器
func NewRecorder(w io.Writer, logger zerolog.Logger) *Recorder {
	bw := bufio.NewWriter(w)
	r := &Recorder{
		w:      bw,
		enc:    json.NewEncoder(bw),
		norm:   newNormalizer(),
		logger: logger.With().Str("component", "tnr").Logger(),
	}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// NewFileRecorder 创建写入dir/<name>.jsonl的录制器
func NewFileRecorder(dir, name string, logger zerolog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tnr: create recording dir: %w", err)
	}
	if name == "" {
		name = time.Now().UTC().Format("20060102-150405")
	}
	path := filepath.Join(dir, name+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("tnr: create recording file: %w", err)
	}
	r := NewRecorder(f, logger)
	r.logger.Info().Str("path", path).Msg("Recording to file")
	return r, nil
}

// Record 归一化并写入一个事件
func (r *Recorder) Record(event events.Event) error {
	record, ok := r.norm.normalize(event)
	if !ok {
		return nil
	}
	if err := r.enc.Encode(record); err != nil {
		return fmt.Errorf("tnr: encode record: %w", err)
	}
	r.count++
	return nil
}

// Run 订阅总线并录制直到ctx取消
func (r *Recorder) Run(ctx context.Context, eventBus *bus.Bus, topics ...events.Topic) {
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
				r.logger.Warn().Msg("Recorder subscription dropped")
				return
			}
			if err := r.Record(event); err != nil {
				r.logger.Error().Err(err).Msg("Failed to record event")
			}
		}
	}
}

// Count 已写入的记录数
func (r *Recorder) Count() int64 {
	return r.count
}

// Close 刷新缓冲并关闭底层文件
func (r *Recorder) Close() error {
	if err := r.w.Flush(); err != nil {
		return fmt.Errorf("tnr: flush recording: %w", err)
	}
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
