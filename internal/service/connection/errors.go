package connection

import (
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// IsRetryableError 判断错误是否可重试
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// 服务端主动关闭或拒绝鉴权时不重试
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseServiceRestart,
			websocket.CloseTryAgainLater,
			websocket.CloseInternalServerErr:
			return true
		default:
			return false
		}
	}

	// 网络错误与读超时
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	return false
}
