// Package inflight serializes production per asset key inside one process.
// The first caller for a key becomes the leader and starts the producer; later
// callers attach to the same task and receive the leader's terminal result.
// The registry lives only in memory and every exit path of the producer,
// including a panic, removes the entry and wakes all waiters.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wanderstories/watermark-hub/internal/cache"
	"github.com/wanderstories/watermark-hub/internal/errs"
)

// Mode 决定 follower 遇到进行中任务时的行为。
type Mode string

const (
	// ModeWait 挂起等待 leader 的结果。
	ModeWait Mode = "wait"
	// ModeRedirect 立即返回 ErrInFlight，由调用方决定回退方式。
	ModeRedirect Mode = "redirect"
)

// Role 标识本次调用在任务中的身份。
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

var (
	// ErrInFlight 表示 redirect 模式下该 key 已有生产任务。
	ErrInFlight = errors.New("asset production already in flight")
	// ErrWaitTimeout 表示 follower 等待超过 JoinOptions.WaitTimeout，任务本身继续执行。
	ErrWaitTimeout = errors.New("timed out waiting for in-flight production")
)

// JoinOptions 控制 follower 的加入方式。
type JoinOptions struct {
	Mode        Mode
	WaitTimeout time.Duration
}

// Producer 由 leader 在独立 goroutine 中执行，ctx 与发起请求的取消信号解耦。
type Producer func(ctx context.Context) (cache.Entry, error)

// Outcome 是一次 Do 调用得到的结果。
type Outcome struct {
	Entry cache.Entry
	Role  Role
}

// TaskInfo 是诊断接口使用的只读快照。
type TaskInfo struct {
	Key       string    `json:"key"`
	StartedAt time.Time `json:"started_at"`
	Waiters   int       `json:"waiters"`
	Abandoned bool      `json:"abandoned"`
}

type task struct {
	key     string
	started time.Time
	done    chan struct{}

	entry cache.Entry
	err   error

	waiters   int
	abandoned bool
	cancel    context.CancelFunc
}

// Options 配置 Guard。
type Options struct {
	// CancelAbandoned 为 true 时，最后一个等待者离开会取消底层生产。
	CancelAbandoned bool
	Logger          *logrus.Logger
}

// Guard 以单把互斥锁保护 key -> task 映射，锁内不做任何 I/O。
type Guard struct {
	mu    sync.Mutex
	tasks map[string]*task

	cancelAbandoned bool
	logger          *logrus.Logger
}

// New 创建空的 Guard。
func New(opts Options) *Guard {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Guard{
		tasks:           make(map[string]*task),
		cancelAbandoned: opts.CancelAbandoned,
		logger:          logger,
	}
}

// Do 在 key 上执行 produce，保证同一时刻最多一个生产者。
func (g *Guard) Do(ctx context.Context, key string, opts JoinOptions, produce Producer) (Outcome, error) {
	for {
		g.mu.Lock()
		t, exists := g.tasks[key]
		switch {
		case exists && t.abandoned:
			// 已被放弃的任务可能仍在收尾，等它退出后重新竞争 leader。
			g.mu.Unlock()
			select {
			case <-t.done:
				continue
			case <-ctx.Done():
				return Outcome{Role: RoleFollower}, ctx.Err()
			}
		case !exists:
			t = g.start(ctx, key, produce)
			g.mu.Unlock()
			return g.wait(ctx, t, RoleLeader, 0)
		case opts.Mode == ModeRedirect:
			g.mu.Unlock()
			return Outcome{Role: RoleFollower}, ErrInFlight
		default:
			t.waiters++
			g.mu.Unlock()
			return g.wait(ctx, t, RoleFollower, opts.WaitTimeout)
		}
	}
}

// start 必须在持有 g.mu 时调用。
func (g *Guard) start(ctx context.Context, key string, produce Producer) *task {
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{
		key:     key,
		started: time.Now(),
		done:    make(chan struct{}),
		waiters: 1,
		cancel:  cancel,
	}
	g.tasks[key] = t
	go g.run(taskCtx, t, produce)
	return t
}

func (g *Guard) run(ctx context.Context, t *task, produce Producer) {
	defer t.cancel()

	entry, err := g.invoke(ctx, t, produce)

	g.mu.Lock()
	t.entry, t.err = entry, err
	if g.tasks[t.key] == t {
		delete(g.tasks, t.key)
	}
	close(t.done)
	g.mu.Unlock()
}

func (g *Guard) invoke(ctx context.Context, t *task, produce Producer) (entry cache.Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.WithFields(logrus.Fields{
				"action":    "inflight",
				"asset_key": t.key,
				"panic":     fmt.Sprint(r),
			}).Error("inflight_panic")
			entry = cache.Entry{}
			err = errs.Internal(fmt.Sprintf("producer panic: %v", r), nil)
		}
	}()
	return produce(ctx)
}

func (g *Guard) wait(ctx context.Context, t *task, role Role, timeout time.Duration) (Outcome, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-t.done:
		return Outcome{Entry: t.entry, Role: role}, t.err
	case <-ctx.Done():
		g.detach(t)
		return Outcome{Role: role}, ctx.Err()
	case <-expired:
		g.detach(t)
		return Outcome{Role: role}, ErrWaitTimeout
	}
}

func (g *Guard) detach(t *task) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t.waiters--
	if t.waiters > 0 || !g.cancelAbandoned {
		return
	}
	select {
	case <-t.done:
		return
	default:
	}
	t.abandoned = true
	t.cancel()
	g.logger.WithFields(logrus.Fields{
		"action":    "inflight",
		"asset_key": t.key,
	}).Info("inflight_abandoned")
}

// Len 返回当前进行中的任务数。
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// Snapshot 按 key 排序返回所有进行中任务。
func (g *Guard) Snapshot() []TaskInfo {
	g.mu.Lock()
	out := make([]TaskInfo, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, TaskInfo{
			Key:       t.key,
			StartedAt: t.started,
			Waiters:   t.waiters,
			Abandoned: t.abandoned,
		})
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}
