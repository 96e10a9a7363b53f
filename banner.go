package relay

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

// Version 版本号
const Version = "0.1.0"

const banner = `
 ____  _____ _      _   __   __
|  _ \| ____| |    / \  \ \ / /   relay 实时连接调度与状态同步
| |_) |  _| | |   / _ \  \ V /    github: https://github.com/tokmz/relay
|  _ <| |___| |__/ ___ \  | |     open: %s
|_| \_\_____|____/_/   \_\ |_|    version: %s
`

// printBanner 打印启动 banner、路由表与命名空间
func (e *Engine) printBanner(addr string) {
	out := os.Stdout

	var open string
	if strings.HasPrefix(addr, ":") {
		open = "http://127.0.0.1" + addr
	} else if strings.Contains(addr, ":") {
		open = "http://" + addr
	} else {
		open = "http://127.0.0.1:" + addr
	}

	fPrint(out, banner, open, Version)
	fPrint(out, "\n")

	if routes := e.engine.Routes(); len(routes) > 0 {
		printRoutes(out, routes, e.config.Mode)
		fPrint(out, "\n")
	}

	for _, ns := range e.manager.Registry().Namespaces() {
		fPrint(out, "[relay] namespace %-16s events: %s\n", ns,
			strings.Join(e.manager.Registry().EventTypes(ns), ", "))
	}

	fPrint(out, "[relay] Running in \"%s\" mode.\n", e.config.Mode)
	fPrint(out, "[relay] Go version: %s | OS: %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fPrint(out, "[relay] runtime epoch %s\n", e.manager.RuntimeEpoch())
	fPrint(out, "[relay] Listening on %s\n", addr)
}

// methodColor 根据 HTTP 方法返回 ANSI 颜色码
func methodColor(method string) string {
	switch method {
	case "GET":
		return "\033[34m"
	case "POST":
		return "\033[32m"
	default:
		return "\033[0m"
	}
}

const resetColor = "\033[0m"

// printRoutes 格式化打印路由表
func printRoutes(out io.Writer, routes gin.RoutesInfo, mode string) {
	maxPathLen := 0
	for _, r := range routes {
		if len(r.Path) > maxPathLen {
			maxPathLen = len(r.Path)
		}
	}

	for _, r := range routes {
		fPrint(out, "[relay-%s] %s %-7s %s %-*s --> %s\n",
			mode,
			methodColor(r.Method), r.Method, resetColor,
			maxPathLen, r.Path,
			r.Handler)
	}
}

// silenceGin 静默 Gin 的默认输出
func silenceGin() {
	gin.DefaultWriter = io.Discard
	gin.DefaultErrorWriter = io.Discard
}

// fPrint 打印到 writer，忽略错误
func fPrint(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}
