package realtime

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// 关闭码
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseAbnormal        = websocket.CloseAbnormalClosure
	ClosePolicyViolation = websocket.ClosePolicyViolation

	CloseServerError     = 4000
	CloseUnauthorized    = 4001
	CloseIdleTimeout     = 4002
	CloseNotFound        = 4004
	CloseCapacity        = 4008
	CloseConnectionLimit = 4009
	CloseSuperseded      = 4010
)

var nonRetryableCloseCodes = map[int]struct{}{
	ClosePolicyViolation: {},
	CloseUnauthorized:    {},
	CloseIdleTimeout:     {},
	CloseNotFound:        {},
	CloseCapacity:        {},
	CloseConnectionLimit: {},
	CloseSuperseded:      {},
}

// IsRetryableClose 判断关闭码是否值得自动重连
func IsRetryableClose(code int) bool {
	_, terminal := nonRetryableCloseCodes[code]
	return !terminal
}

// handshakeCloseCode 把握手阶段的 HTTP 状态码映射成关闭码
func handshakeCloseCode(status int) int {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return CloseUnauthorized
	case http.StatusNotFound:
		return CloseNotFound
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return CloseServerError
	default:
		return CloseAbnormal
	}
}
