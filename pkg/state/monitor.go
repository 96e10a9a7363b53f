// Package state 为每个连接维护订阅投影，并按节流合并的节奏推送状态快照。
//
// 投影只由 Monitor 的命令循环读写；任意 goroutine 发出的脏信号、定时器回调与推送完成
// 都以命令的形式进入循环，快照组装与发送在循环之外执行。
package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	relayerrors "github.com/tokmz/relay/pkg/errors"
	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/pkg/snapshot"
	"github.com/tokmz/relay/pkg/tracing"
	"github.com/tokmz/relay/pkg/ws"
)

const tracerName = "github.com/tokmz/relay/pkg/state"

// ErrStopped 调度器已停止
var ErrStopped = errors.New("state: monitor stopped")

var errRetired = errors.New("state: projection retired")

// Emitter 推送出口，*ws.Manager 满足该接口
type Emitter interface {
	EmitTo(ctx context.Context, ns, sid, event string, data any, opts ...ws.EmitOption) error
	RuntimeEpoch() string
}

// SnapshotBuilder 快照组装，*snapshot.Builder 满足该接口
type SnapshotBuilder interface {
	Build(ctx context.Context, req snapshot.Request) (*snapshot.Snapshot, error)
}

// projection 单个身份的订阅投影
type projection struct {
	req           snapshot.Request
	seq           int64 // 最近一次成功推送的序号
	seqBase       int64 // 最近一次订阅确定的起点，<= 0 表示尚未订阅
	gen           uint64
	dirtyVersion  uint64
	pushedVersion uint64
	timer         *time.Timer
	inFlight      bool

	// 投影被销毁或替换后置位，进行中的推送不再发送
	retired atomic.Bool
}

func (p *projection) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// ProjectionInfo 投影的只读副本
type ProjectionInfo struct {
	Request       snapshot.Request
	Seq           int64
	SeqBase       int64
	DirtyVersion  uint64
	PushedVersion uint64
	Pending       bool // 已安排或正在推送
}

type pushJob struct {
	id    ws.Identity
	p     *projection
	req   snapshot.Request
	seq   int64
	gen   uint64
	dirty uint64
}

type emitterRef struct{ Emitter }

// Monitor 状态投影调度器
type Monitor struct {
	builder SnapshotBuilder
	config  *Config
	logger  logger.Logger
	epoch   string
	emitter atomic.Pointer[emitterRef]
	handler *subscriptionHandler

	cmds        chan func()
	projections map[ws.Identity]*projection

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
}

// NewMonitor 创建调度器，Start 之后才会处理命令
func NewMonitor(builder SnapshotBuilder, opts ...Option) (*Monitor, error) {
	if builder == nil {
		return nil, errors.New("state: snapshot builder is nil")
	}

	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	log := config.Logger
	if log == nil {
		log = logger.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		builder:     builder,
		config:      config,
		logger:      log.Named("state"),
		epoch:       uuid.NewString(),
		cmds:        make(chan func(), config.QueueSize),
		projections: make(map[ws.Identity]*projection),
		ctx:         ctx,
		cancel:      cancel,
		loopDone:    make(chan struct{}),
	}
	m.handler = &subscriptionHandler{m: m}
	return m, nil
}

// Start 启动命令循环
func (m *Monitor) Start() {
	if m.stopped.Load() || !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.loop()
}

// Stop 停止循环并取消全部待推送定时器，等待进行中的推送结束
func (m *Monitor) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	m.cancel()
	if m.started.Load() {
		<-m.loopDone
	}
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer close(m.loopDone)
	for {
		select {
		case cmd := <-m.cmds:
			cmd()
		case <-m.ctx.Done():
			for _, p := range m.projections {
				p.stopTimer()
			}
			return
		}
	}
}

// enqueue 投递命令，调度器停止后返回 false
func (m *Monitor) enqueue(cmd func()) bool {
	if m.stopped.Load() {
		return false
	}
	select {
	case m.cmds <- cmd:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// Bind 绑定推送出口，绑定前的推送周期被跳过，绑定后全部连接重新标脏
func (m *Monitor) Bind(emitter Emitter) {
	if emitter == nil {
		return
	}
	m.emitter.Store(&emitterRef{emitter})
	m.MarkDirtyAll()
}

// RuntimeEpoch 进程启动标识，优先使用推送出口的标识
func (m *Monitor) RuntimeEpoch() string {
	if ref := m.emitter.Load(); ref != nil {
		return ref.RuntimeEpoch()
	}
	return m.epoch
}

// Register 为身份创建未订阅的投影，已有的投影被替换
// 新连接在订阅之前不会收到推送
func (m *Monitor) Register(id ws.Identity) {
	m.enqueue(func() {
		m.retire(id)
		m.projections[id] = &projection{}
	})
}

// Unregister 销毁投影并取消待推送定时器，进行中的推送结果被丢弃
func (m *Monitor) Unregister(id ws.Identity) {
	m.enqueue(func() {
		m.retire(id)
	})
}

func (m *Monitor) retire(id ws.Identity) {
	if p, ok := m.projections[id]; ok {
		p.stopTimer()
		p.retired.Store(true)
		delete(m.projections, id)
	}
}

// Subscribe 校验并保存订阅请求，返回新的 seq_base
// 非法请求不修改任何投影
func (m *Monitor) Subscribe(ctx context.Context, id ws.Identity, raw json.RawMessage) (*Ack, *relayerrors.Error) {
	req, rerr := ParseRequest(raw)
	if rerr != nil {
		return nil, rerr
	}

	reply := make(chan *Ack, 1)
	if !m.enqueue(func() { reply <- m.subscribe(id, req) }) {
		return nil, relayerrors.ErrHandlerError.WithError(ErrStopped)
	}
	select {
	case ack := <-reply:
		if ack == nil {
			return nil, relayerrors.ErrConnectionNotFound.WithMessage("no live connection for " + id.String())
		}
		return ack, nil
	case <-ctx.Done():
		return nil, relayerrors.ErrTimeout.WithError(ctx.Err())
	case <-m.ctx.Done():
		return nil, relayerrors.ErrHandlerError.WithError(ErrStopped)
	}
}

// subscribe 只作用于已登记的投影，连接已断开时返回 nil
func (m *Monitor) subscribe(id ws.Identity, req snapshot.Request) *Ack {
	p, ok := m.projections[id]
	if !ok {
		m.logger.Debug("state subscription dropped: identity not registered",
			zap.String("namespace", id.Namespace),
			zap.String("sid", id.SessionID),
		)
		return nil
	}
	p.req = req
	p.gen++
	p.seqBase = p.seq + 1
	if p.inFlight {
		// 进行中的推送会占用 seq+1
		p.seqBase++
	}
	m.markDirty(id, p)

	m.logger.Debug("state subscribed",
		zap.String("namespace", id.Namespace),
		zap.String("sid", id.SessionID),
		zap.String("context", req.ContextID),
		zap.Int64("seq_base", p.seqBase),
	)
	return &Ack{RuntimeEpoch: m.RuntimeEpoch(), SeqBase: p.seqBase}
}

// MarkDirty 标记单个身份
func (m *Monitor) MarkDirty(id ws.Identity) {
	m.enqueue(func() {
		if p, ok := m.projections[id]; ok {
			m.markDirty(id, p)
		}
	})
}

// MarkDirtyAll 标记全部身份
func (m *Monitor) MarkDirtyAll() {
	m.enqueue(func() {
		for id, p := range m.projections {
			m.markDirty(id, p)
		}
	})
}

// MarkDirtyForContext 标记当前订阅指向 contextID 的身份
func (m *Monitor) MarkDirtyForContext(contextID string) {
	if contextID == "" {
		return
	}
	m.enqueue(func() {
		for id, p := range m.projections {
			if p.req.ContextID == contextID {
				m.markDirty(id, p)
			}
		}
	})
}

// Changed 活动变更回调，contextID 为空时标记全部身份
func (m *Monitor) Changed(contextID string) {
	if contextID == "" {
		m.MarkDirtyAll()
		return
	}
	m.MarkDirtyForContext(contextID)
}

// Projection 读取投影副本
func (m *Monitor) Projection(id ws.Identity) (ProjectionInfo, bool) {
	reply := make(chan *ProjectionInfo, 1)
	ok := m.enqueue(func() {
		p, exists := m.projections[id]
		if !exists {
			reply <- nil
			return
		}
		reply <- &ProjectionInfo{
			Request:       p.req,
			Seq:           p.seq,
			SeqBase:       p.seqBase,
			DirtyVersion:  p.dirtyVersion,
			PushedVersion: p.pushedVersion,
			Pending:       p.timer != nil || p.inFlight,
		}
	})
	if !ok {
		return ProjectionInfo{}, false
	}
	select {
	case info := <-reply:
		if info == nil {
			return ProjectionInfo{}, false
		}
		return *info, true
	case <-m.ctx.Done():
		return ProjectionInfo{}, false
	}
}

// markDirty 节流合并：已安排或正在推送时不推迟，完成后由 complete 补推
func (m *Monitor) markDirty(id ws.Identity, p *projection) {
	p.dirtyVersion++
	if p.seqBase <= 0 || p.timer != nil || p.inFlight {
		return
	}
	m.arm(id, p)
}

func (m *Monitor) arm(id ws.Identity, p *projection) {
	p.timer = time.AfterFunc(m.config.Debounce, func() {
		m.enqueue(func() { m.fire(id, p) })
	})
}

func (m *Monitor) fire(id ws.Identity, p *projection) {
	if m.projections[id] != p {
		return
	}
	p.timer = nil
	if p.seqBase <= 0 {
		return
	}

	ref := m.emitter.Load()
	if ref == nil {
		m.logger.Warn("state push skipped: emitter not bound",
			zap.String("namespace", id.Namespace),
			zap.String("sid", id.SessionID),
		)
		return
	}

	p.inFlight = true
	job := pushJob{
		id:    id,
		p:     p,
		req:   p.req,
		seq:   max(p.seq+1, p.seqBase),
		gen:   p.gen,
		dirty: p.dirtyVersion,
	}
	m.wg.Add(1)
	go m.push(ref.Emitter, job)
}

// push 在循环之外组装并发送快照
func (m *Monitor) push(emitter Emitter, job pushJob) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.config.PushTimeout)
	defer cancel()
	ctx = logger.WithIdentity(ctx, job.id.Namespace, job.id.SessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "state.push")
	defer span.End()
	span.SetAttributes(
		attribute.String("ws.namespace", job.id.Namespace),
		attribute.String("ws.sid", job.id.SessionID),
		attribute.Int64("state.seq", job.seq),
	)

	snap, err := m.builder.Build(ctx, job.req)
	if err == nil {
		if job.p.retired.Load() {
			err = errRetired
		} else {
			// 快照会被后续推送取代，离线时直接丢弃而不进入缓冲
			err = emitter.EmitTo(ctx, job.id.Namespace, job.id.SessionID, EventPush, &Push{
				RuntimeEpoch: emitter.RuntimeEpoch(),
				Seq:          job.seq,
				Snapshot:     snap,
			}, ws.WithoutBuffer())
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, errRetired), errors.Is(err, ws.ErrNotDelivered):
		m.logger.DebugContext(ctx, "state push dropped", zap.Int64("seq", job.seq), zap.Error(err))
	default:
		tracing.RecordError(span, err)
		m.logger.WarnContext(ctx, "state push skipped", zap.Int64("seq", job.seq), zap.Error(err))
	}

	m.enqueue(func() { m.complete(job, snap, err) })
}

func (m *Monitor) complete(job pushJob, snap *snapshot.Snapshot, err error) {
	p := job.p
	if m.projections[job.id] != p {
		return
	}
	p.inFlight = false

	if err == nil {
		p.seq = job.seq
		p.pushedVersion = max(p.pushedVersion, job.dirty)
		// 期间重新订阅时游标属于新请求
		if p.gen == job.gen {
			p.req.LogFrom = snap.LogVersion
			p.req.NotificationsFrom = snap.NotificationsVersion
		}
	}

	if p.dirtyVersion > job.dirty && p.timer == nil {
		m.arm(job.id, p)
	}
}

// Handler 处理 state_request 的单例处理器，可注册到多个命名空间
func (m *Monitor) Handler() ws.Handler {
	return m.handler
}
