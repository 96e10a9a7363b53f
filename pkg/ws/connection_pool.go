package ws

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Identity 连接身份
type Identity struct {
	Namespace string
	SessionID string
}

func (id Identity) String() string {
	return id.Namespace + "#" + id.SessionID
}

// Transport 单个连接的出站通道，Send 不得阻塞
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// connection 存活连接
type connection struct {
	info      ConnInfo
	transport Transport
	lastSeen  atomic.Int64 // UnixNano

	// sendMu 保证同一身份的出站顺序；ready 之前的出站事件进入缓冲，由 flush 统一补发
	sendMu sync.Mutex
	ready  bool
}

func (c *connection) snapshot() ConnInfo {
	info := c.info
	info.LastActivity = time.Unix(0, c.lastSeen.Load())
	return info
}

// ConnectionPool 存活连接与已知身份
type ConnectionPool struct {
	mu    sync.RWMutex
	conns map[string]map[string]*connection // namespace -> sid -> conn
	count int
	max   int

	// 已知身份：在线期间永不过期，断开或缓冲写入后按 knownTTL 保留
	known *gocache.Cache
}

// NewConnectionPool 创建连接池
// 过期身份由 Manager 的清理协程调用 Sweep 删除，不启动 go-cache 自带的 janitor
func NewConnectionPool(max int) *ConnectionPool {
	return &ConnectionPool{
		conns: make(map[string]map[string]*connection),
		max:   max,
		known: gocache.New(gocache.NoExpiration, 0),
	}
}

// add 登记连接；同一身份已在线时替换旧连接并返回
func (p *ConnectionPool) add(info ConnInfo, t Transport) (conn, replaced *connection, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byNS := p.conns[info.Namespace]
	if byNS == nil {
		byNS = make(map[string]*connection)
		p.conns[info.Namespace] = byNS
	}

	replaced = byNS[info.SessionID]
	if replaced == nil && p.count >= p.max {
		return nil, nil, ErrTooManyConnections
	}

	conn = &connection{info: info, transport: t}
	conn.lastSeen.Store(info.ConnectedAt.UnixNano())
	byNS[info.SessionID] = conn
	if replaced == nil {
		p.count++
	}
	p.known.Set(info.Identity().String(), struct{}{}, gocache.NoExpiration)
	return conn, replaced, nil
}

// remove 删除连接；t 非 nil 时仅当登记的仍是该传输才删除
func (p *ConnectionPool) remove(id Identity, t Transport, knownTTL time.Duration) *connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	byNS := p.conns[id.Namespace]
	conn, ok := byNS[id.SessionID]
	if !ok || (t != nil && conn.transport != t) {
		return nil
	}
	delete(byNS, id.SessionID)
	if len(byNS) == 0 {
		delete(p.conns, id.Namespace)
	}
	p.count--
	p.known.Set(id.String(), struct{}{}, knownTTL)
	return conn
}

func (p *ConnectionPool) get(id Identity) (*connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[id.Namespace][id.SessionID]
	return conn, ok
}

// touchKnown 刷新已知身份的保留期，在线身份不受影响
func (p *ConnectionPool) touchKnown(id Identity, ttl time.Duration) {
	p.mu.RLock()
	_, online := p.conns[id.Namespace][id.SessionID]
	p.mu.RUnlock()
	if !online {
		p.known.Set(id.String(), struct{}{}, ttl)
	}
}

// isKnown 是否在线或在保留期内
func (p *ConnectionPool) isKnown(id Identity) bool {
	if _, ok := p.get(id); ok {
		return true
	}
	_, ok := p.known.Get(id.String())
	return ok
}

// sessions 命名空间内在线的 sid（排序）
func (p *ConnectionPool) sessions(ns string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.conns[ns]))
	for sid := range p.conns[ns] {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// list 命名空间内连接信息
func (p *ConnectionPool) list(ns string) []ConnInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ConnInfo, 0, len(p.conns[ns]))
	for _, conn := range p.conns[ns] {
		out = append(out, conn.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// all 全部连接
func (p *ConnectionPool) all() []*connection {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*connection, 0, p.count)
	for _, byNS := range p.conns {
		for _, conn := range byNS {
			out = append(out, conn)
		}
	}
	return out
}

// Count 命名空间内在线数
func (p *ConnectionPool) Count(ns string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns[ns])
}

// Total 在线总数
func (p *ConnectionPool) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count
}

// Sweep 删除过期的已知身份
func (p *ConnectionPool) Sweep() {
	p.known.DeleteExpired()
}
