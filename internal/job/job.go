// Package job 进程内任务队列：send(jobType, payload, options) 的本地实现。
// 重试策略由队列负责，业务 handler 只返回错误。
package job

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	// TypeAnalyzeBasic 单个 run 的基础分析（打分流水线在外部）
	TypeAnalyzeBasic = "analyze_basic"
	// TypeAggregateUpdate 重算某个 definition + preamble 的 Aggregate run
	TypeAggregateUpdate = "aggregate_update"
)

var (
	ErrUnknownJobType = errors.New("未注册的任务类型")
	ErrQueueFull      = errors.New("任务队列已满")
	ErrQueueClosed    = errors.New("任务队列已关闭")
	// ErrPermanent 标记重试也不会成功的错误（如 payload 无法解析），队列不再重试
	ErrPermanent = errors.New("任务不可重试")
)

// Permanent 给 err 打上 ErrPermanent 标记
func Permanent(err error) error {
	return errors.Mark(err, ErrPermanent)
}

type SendOptions struct {
	// 同一 SingletonKey 的任务还在排队（未被 worker 取走）时不重复入队
	SingletonKey string
	// nil 时使用队列默认值
	RetryLimit *int
	StartAfter time.Duration
}

type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Options   SendOptions     `json:"-"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode 解析 payload
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(errors.Wrapf(err, "解析任务 %s(%s) payload 失败", j.Type, j.ID))
	}
	return nil
}

type AnalyzeBasicPayload struct {
	RunID         string   `json:"runId"`
	TranscriptIDs []string `json:"transcriptIds"`
	Force         bool     `json:"force"`
}

type AggregateUpdatePayload struct {
	DefinitionID      string  `json:"definitionId"`
	PreambleVersionID *string `json:"preambleVersionId"`
}
