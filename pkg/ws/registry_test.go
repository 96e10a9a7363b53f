package ws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedHandler struct {
	id     string
	events []string
}

func (h *namedHandler) EventTypes() []string                         { return h.events }
func (h *namedHandler) HandlerID() string                            { return h.id }
func (*namedHandler) Process(context.Context, *Request) (any, error) { return nil, nil }

type otherNamedHandler struct{ namedHandler }

type valueHandler struct{}

func (valueHandler) EventTypes() []string                           { return []string{"value"} }
func (valueHandler) Process(context.Context, *Request) (any, error) { return nil, nil }

// TestRegistryEventNameValidation 测试事件名校验
func TestRegistryEventNameValidation(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		ok     bool
	}{
		{"simple", []string{"chat"}, true},
		{"underscored", []string{"state_request", "log_tail2"}, true},
		{"empty list", nil, false},
		{"uppercase", []string{"Chat"}, false},
		{"leading digit", []string{"1chat"}, false},
		{"double underscore", []string{"state__request"}, false},
		{"trailing underscore", []string{"chat_"}, false},
		{"dotted", []string{"chat.send"}, false},
		{"reserved connect", []string{"connect"}, false},
		{"reserved pong", []string{"pong"}, false},
		{"duplicate", []string{"chat", "chat"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register("/chat", &namedHandler{id: "h", events: tt.events})
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidEventType)
			assert.False(t, r.Has("/chat"), "failed registration must not create the namespace")
		})
	}
}

// TestRegistrySingletonInstances 测试同类型仅允许一个实例
func TestRegistrySingletonInstances(t *testing.T) {
	r := NewRegistry()
	shared := &echoHandler{}

	require.NoError(t, r.Register("/a", shared))
	require.NoError(t, r.Register("/b", shared), "same instance may serve several namespaces")

	err := r.Register("/c", &echoHandler{})
	assert.ErrorIs(t, err, ErrDuplicateInstance)

	err = r.Register("/a", shared)
	assert.ErrorIs(t, err, ErrHandlerExists)

	err = r.Register("/d", valueHandler{})
	assert.ErrorIs(t, err, ErrInvalidHandler)
}

// TestRegistryDuplicateHandlerID 测试不同类型不能共用处理器 ID
func TestRegistryDuplicateHandlerID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("/a", &namedHandler{id: "same", events: []string{"one"}}))

	err := r.Register("/b", &otherNamedHandler{namedHandler{id: "same", events: []string{"two"}}})
	assert.ErrorIs(t, err, ErrDuplicateHandlerID)
}

// TestRegistryBatchIsAtomic 测试批量注册失败时整批不生效
func TestRegistryBatchIsAtomic(t *testing.T) {
	r := NewRegistry()
	err := r.Register("/a", &echoHandler{}, &namedHandler{id: "bad", events: []string{"error"}})
	require.Error(t, err)

	assert.False(t, r.Has("/a"))
	require.NoError(t, r.Register("/a", &echoHandler{}), "type from the failed batch is still free")
}

// TestRegistryRoutes 测试路由表与命名空间隔离
func TestRegistryRoutes(t *testing.T) {
	r := NewRegistry()
	echo := &echoHandler{}
	counter := &countingHandler{}
	r.MustRegister("chat", echo, counter)
	r.MustRegister("/admin/", &slowHandler{})

	assert.Equal(t, []string{"/admin", "/chat"}, r.Namespaces())
	assert.True(t, r.Has("/chat/"))

	hs := r.Handlers("/chat", "echo")
	require.Len(t, hs, 2)
	assert.Same(t, echo, hs[0])
	assert.Same(t, counter, hs[1])

	assert.Len(t, r.Handlers("/chat", "count"), 1)
	assert.Empty(t, r.Handlers("/admin", "echo"), "routing never falls back across namespaces")
	assert.Empty(t, r.Handlers("/missing", "echo"))
	assert.Equal(t, []string{"count", "echo"}, r.EventTypes("/chat"))
	assert.Len(t, r.NamespaceHandlers("/chat"), 2)

	hs[0] = nil
	assert.NotNil(t, r.Handlers("/chat", "echo")[0], "returned slice is a copy")
}

// TestRegistryRequirements 测试安全要求取或
func TestRegistryRequirements(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("/open", &echoHandler{})
	r.MustRegister("/secure", &securedHandler{auth: true}, &countingHandler{})

	auth, csrf, ok := r.Requirements("/open")
	assert.True(t, ok)
	assert.False(t, auth)
	assert.False(t, csrf)

	auth, csrf, ok = r.Requirements("/secure")
	assert.True(t, ok)
	assert.True(t, auth)
	assert.False(t, csrf)

	_, _, ok = r.Requirements("/nope")
	assert.False(t, ok)
}

// TestRegistryFreeze 测试冻结后拒绝注册
func TestRegistryFreeze(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("/chat", &echoHandler{})
	r.Freeze()

	assert.ErrorIs(t, r.Register("/other", &countingHandler{}), ErrRegistryFrozen)
	assert.Panics(t, func() { r.MustRegister("/other", &countingHandler{}) })
}

// TestHandlerID 测试默认处理器 ID
func TestHandlerID(t *testing.T) {
	assert.Equal(t, "ws.echoHandler", handlerID(&echoHandler{}))
	assert.Equal(t, "counter", handlerID(&countingHandler{}))
}

// TestNormalizeNamespace 测试命名空间规范化
func TestNormalizeNamespace(t *testing.T) {
	assert.Equal(t, "/chat", NormalizeNamespace("chat"))
	assert.Equal(t, "/chat", NormalizeNamespace("/chat/"))
	assert.Equal(t, "/", NormalizeNamespace(""))
	assert.Equal(t, "/a/b", NormalizeNamespace(" /a/b "))
}
