// Package ws 实现按命名空间分区的实时连接调度层。
//
// 连接以 (namespace, sid) 作为身份。入站事件按命名空间路由到已注册的处理器集合，
// 多个处理器并发执行，结果以 ResultItem 集合返回；出站事件在目标暂时不可达时
// 进入有界、带 TTL 的缓冲，重连后按入队顺序补发。
//
// 基本用法：
//
//	reg := ws.NewRegistry()
//	reg.MustRegister("/chat", chat.NewHandler(store))
//
//	m, err := ws.NewManager(reg, ws.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	m.Start()
//	defer m.Shutdown(context.Background())
//
//	res := m.RouteEvent(ctx, "/chat", "send_message", payload, sid)
package ws
