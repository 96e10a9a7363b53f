package ws

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// watcherSet 诊断订阅者，按命名空间隔离
type watcherSet struct {
	mu   sync.RWMutex
	byNS map[string]map[string]struct{}
}

func newWatcherSet() *watcherSet {
	return &watcherSet{byNS: make(map[string]map[string]struct{})}
}

func (w *watcherSet) add(id Identity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.byNS[id.Namespace]
	if set == nil {
		set = make(map[string]struct{})
		w.byNS[id.Namespace] = set
	}
	set[id.SessionID] = struct{}{}
}

func (w *watcherSet) remove(id Identity) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.byNS[id.Namespace]
	if !ok {
		return false
	}
	if _, ok := set[id.SessionID]; !ok {
		return false
	}
	delete(set, id.SessionID)
	if len(set) == 0 {
		delete(w.byNS, id.Namespace)
	}
	return true
}

func (w *watcherSet) has(ns string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.byNS[ns]) > 0
}

func (w *watcherSet) list(ns string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.byNS[ns]))
	for sid := range w.byNS[ns] {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Watch 订阅命名空间的诊断事件，仅在线连接可订阅
func (m *Manager) Watch(ns, sid string) bool {
	id := Identity{Namespace: NormalizeNamespace(ns), SessionID: sid}
	if _, ok := m.pool.get(id); !ok {
		return false
	}
	m.watchers.add(id)
	return true
}

// Unwatch 取消诊断订阅
func (m *Manager) Unwatch(ns, sid string) bool {
	return m.watchers.remove(Identity{Namespace: NormalizeNamespace(ns), SessionID: sid})
}

// Watchers 命名空间内的诊断订阅者
func (m *Manager) Watchers(ns string) []string {
	return m.watchers.list(NormalizeNamespace(ns))
}

// publishDiagnostic 推送给同一命名空间的诊断订阅者
func (m *Manager) publishDiagnostic(ctx context.Context, ns string, ev *DiagnosticEvent) {
	for _, sid := range m.watchers.list(ns) {
		if err := m.EmitTo(ctx, ns, sid, EventDiagnostic, ev); err != nil {
			m.logger.DebugContext(ctx, "diagnostic event not delivered", zap.String("watcher", sid), zap.Error(err))
		}
	}
}
