package job

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"dilemma-agg/internal/config"
	"dilemma-agg/internal/logger"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sender 任务投递接口
type Sender interface {
	Send(ctx context.Context, jobType string, payload any, opts SendOptions) (string, error)
}

type Handler func(ctx context.Context, job *Job) error

type LocalQueue struct {
	mu         sync.Mutex
	handlers   map[string]Handler
	singletons map[string]string
	closed     bool

	ch         chan *Job
	workers    int
	retryLimit int
	retryDelay time.Duration
	log        *zap.SugaredLogger
}

func NewLocalQueue(cfg config.QueueConfig) *LocalQueue {
	cfg.RetryLimit = max(cfg.RetryLimit, 0)
	return &LocalQueue{
		handlers:   map[string]Handler{},
		singletons: map[string]string{},
		ch:         make(chan *Job, max(cfg.Buffer, 1)),
		workers:    max(cfg.Workers, 1),
		retryLimit: cfg.RetryLimit,
		retryDelay: cfg.RetryDelay(),
		log:        logger.Named("queue"),
	}
}

func (q *LocalQueue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Send 入队并返回任务 id；同一 SingletonKey 的任务仍在排队时返回已有任务的 id
func (q *LocalQueue) Send(ctx context.Context, jobType string, payload any, opts SendOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrapf(err, "序列化任务 %s payload 失败", jobType)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}
	if _, ok := q.handlers[jobType]; !ok {
		return "", errors.Wrapf(ErrUnknownJobType, "%s", jobType)
	}
	if opts.SingletonKey != "" {
		if id, ok := q.singletons[singletonKey(jobType, opts.SingletonKey)]; ok {
			q.log.Debugw("任务已在队列中，跳过", "jobType", jobType, "singletonKey", opts.SingletonKey, "jobId", id)
			return id, nil
		}
	}

	j := &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Payload:   data,
		Options:   opts,
		CreatedAt: time.Now(),
	}
	select {
	case q.ch <- j:
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", errors.Wrapf(ErrQueueFull, "丢弃任务 %s", jobType)
	}
	if opts.SingletonKey != "" {
		q.singletons[singletonKey(jobType, opts.SingletonKey)] = j.ID
	}
	q.log.Infow("任务入队", "jobType", jobType, "jobId", j.ID)
	return j.ID, nil
}

// Run 启动 worker，阻塞到 ctx 结束
func (q *LocalQueue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		id := i
		g.Go(func() error {
			q.worker(gctx, id)
			return nil
		})
	}
	err := g.Wait()

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return err
}

func (q *LocalQueue) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.ch:
			q.process(ctx, id, j)
		}
	}
}

func (q *LocalQueue) process(ctx context.Context, workerID int, j *Job) {
	// 开始执行即释放 SingletonKey，执行期间到达的同 key 任务会排一个后续任务
	if j.Options.StartAfter > 0 && !sleep(ctx, j.Options.StartAfter) {
		q.release(j)
		return
	}
	q.release(j)

	q.mu.Lock()
	h := q.handlers[j.Type]
	q.mu.Unlock()

	limit := q.retryLimit
	if j.Options.RetryLimit != nil {
		limit = max(*j.Options.RetryLimit, 0)
	}

	for {
		j.Attempt++
		err := runHandler(ctx, h, j)
		if err == nil {
			q.log.Infow("任务完成", "jobType", j.Type, "jobId", j.ID, "attempt", j.Attempt, "worker", workerID)
			return
		}
		if j.Attempt > limit || ctx.Err() != nil || errors.Is(err, ErrPermanent) {
			q.log.Errorw("任务失败", "jobType", j.Type, "jobId", j.ID, "attempt", j.Attempt, "error", err)
			return
		}
		q.log.Warnw("任务失败，稍后重试", "jobType", j.Type, "jobId", j.ID, "attempt", j.Attempt, "error", err)
		if !sleep(ctx, q.retryDelay) {
			return
		}
	}
}

func (q *LocalQueue) release(j *Job) {
	if j.Options.SingletonKey == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	key := singletonKey(j.Type, j.Options.SingletonKey)
	if q.singletons[key] == j.ID {
		delete(q.singletons, key)
	}
}

// handler panic 视为一次失败
func runHandler(ctx context.Context, h Handler, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("任务 %s panic: %v", j.Type, r)
		}
	}()
	return h(ctx, j)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func singletonKey(jobType, key string) string {
	return jobType + "|" + key
}
