package state

import (
	"context"

	"github.com/tokmz/relay/pkg/ws"
)

type subscriptionHandler struct {
	m *Monitor
}

func (h *subscriptionHandler) EventTypes() []string {
	return []string{EventRequest}
}

func (h *subscriptionHandler) HandlerID() string {
	return "state.monitor"
}

// Process 订阅确认作为路由结果返回
func (h *subscriptionHandler) Process(ctx context.Context, req *ws.Request) (any, error) {
	ack, err := h.m.Subscribe(ctx, req.Identity(), req.Data)
	if err != nil {
		return nil, err
	}
	return ack, nil
}

func (h *subscriptionHandler) OnConnect(_ context.Context, info ws.ConnInfo) {
	h.m.Register(info.Identity())
}

func (h *subscriptionHandler) OnDisconnect(_ context.Context, info ws.ConnInfo) {
	h.m.Unregister(info.Identity())
}
