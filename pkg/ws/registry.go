package ws

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Registry 命名空间与处理器注册表
//
// 处理器按类型登记唯一实例：同一实例可服务多个命名空间，
// 同一类型的第二个实例会被拒绝。Manager 启动后注册表冻结。
type Registry struct {
	mu         sync.RWMutex
	frozen     bool
	instances  map[reflect.Type]Handler
	ids        map[string]reflect.Type
	namespaces map[string]*namespace
}

type namespace struct {
	name         string
	handlers     []Handler // 去重，保持注册顺序
	routes       map[string][]Handler
	requiresAuth bool
	requiresCSRF bool
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		instances:  make(map[reflect.Type]Handler),
		ids:        make(map[string]reflect.Type),
		namespaces: make(map[string]*namespace),
	}
}

// Register 将处理器注册到命名空间
// 任一处理器校验失败时整批不生效
func (r *Registry) Register(ns string, handlers ...Handler) error {
	ns = NormalizeNamespace(ns)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if len(handlers) == 0 {
		return fmt.Errorf("%w: namespace %s has no handlers", ErrInvalidHandler, ns)
	}

	type pending struct {
		h     Handler
		t     reflect.Type
		id    string
		types []string
	}
	batch := make([]pending, 0, len(handlers))
	batchTypes := make(map[reflect.Type]Handler, len(handlers))
	batchIDs := make(map[string]reflect.Type, len(handlers))

	for _, h := range handlers {
		if h == nil {
			return fmt.Errorf("%w: nil handler in %s", ErrInvalidHandler, ns)
		}
		t := reflect.TypeOf(h)
		if t.Kind() != reflect.Pointer {
			return fmt.Errorf("%w: %s must be a pointer", ErrInvalidHandler, t)
		}
		types, err := validateEventTypes(h)
		if err != nil {
			return err
		}

		if existing, ok := r.instances[t]; ok && existing != h {
			return fmt.Errorf("%w: %s", ErrDuplicateInstance, t)
		}
		if existing, ok := batchTypes[t]; ok && existing != h {
			return fmt.Errorf("%w: %s", ErrDuplicateInstance, t)
		}

		id := handlerID(h)
		if owner, ok := r.ids[id]; ok && owner != t {
			return fmt.Errorf("%w: %s", ErrDuplicateHandlerID, id)
		}
		if owner, ok := batchIDs[id]; ok && owner != t {
			return fmt.Errorf("%w: %s", ErrDuplicateHandlerID, id)
		}
		if n, ok := r.namespaces[ns]; ok && n.has(h) {
			return fmt.Errorf("%w: %s in %s", ErrHandlerExists, id, ns)
		}
		if _, ok := batchTypes[t]; ok {
			return fmt.Errorf("%w: %s in %s", ErrHandlerExists, id, ns)
		}

		batchTypes[t] = h
		batchIDs[id] = t
		batch = append(batch, pending{h: h, t: t, id: id, types: types})
	}

	n, ok := r.namespaces[ns]
	if !ok {
		n = &namespace{name: ns, routes: make(map[string][]Handler)}
		r.namespaces[ns] = n
	}
	for _, p := range batch {
		r.instances[p.t] = p.h
		r.ids[p.id] = p.t
		n.handlers = append(n.handlers, p.h)
		for _, event := range p.types {
			n.routes[event] = append(n.routes[event], p.h)
		}
		auth, csrf := securityOf(p.h)
		n.requiresAuth = n.requiresAuth || auth
		n.requiresCSRF = n.requiresCSRF || csrf
	}
	return nil
}

// MustRegister 注册失败时 panic，仅用于启动阶段
func (r *Registry) MustRegister(ns string, handlers ...Handler) {
	if err := r.Register(ns, handlers...); err != nil {
		panic(err)
	}
}

// Freeze 冻结注册表
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Has 命名空间是否存在
func (r *Registry) Has(ns string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.namespaces[NormalizeNamespace(ns)]
	return ok
}

// Namespaces 已注册的命名空间（排序）
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.namespaces))
	for name := range r.namespaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Handlers 返回命名空间内处理该事件的处理器，从不跨命名空间回退
func (r *Registry) Handlers(ns, event string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.namespaces[NormalizeNamespace(ns)]
	if !ok {
		return nil
	}
	hs := n.routes[event]
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

// NamespaceHandlers 命名空间内去重后的全部处理器
func (r *Registry) NamespaceHandlers(ns string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.namespaces[NormalizeNamespace(ns)]
	if !ok {
		return nil
	}
	out := make([]Handler, len(n.handlers))
	copy(out, n.handlers)
	return out
}

// Requirements 命名空间的有效安全要求（各处理器声明取或）
func (r *Registry) Requirements(ns string) (auth, csrf, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.namespaces[NormalizeNamespace(ns)]
	if !ok {
		return false, false, false
	}
	return n.requiresAuth, n.requiresCSRF, true
}

// EventTypes 命名空间内可路由的事件（排序）
func (r *Registry) EventTypes(ns string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.namespaces[NormalizeNamespace(ns)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.routes))
	for event := range n.routes {
		out = append(out, event)
	}
	sort.Strings(out)
	return out
}

func (n *namespace) has(h Handler) bool {
	for _, existing := range n.handlers {
		if existing == h {
			return true
		}
	}
	return false
}

// NormalizeNamespace 统一为以 "/" 开头、无尾部 "/" 的形式
func NormalizeNamespace(ns string) string {
	ns = strings.TrimSpace(ns)
	ns = strings.TrimRight(ns, "/")
	if !strings.HasPrefix(ns, "/") {
		ns = "/" + ns
	}
	return ns
}
