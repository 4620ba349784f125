package worker

import (
	"errors"
	"fmt"
	"strings"
)

// Message 是宿主页面发给 worker 的指令，均为 fire-and-forget。
type Message string

const (
	// MessageSkipWaiting 立即激活处于等待中的 worker。
	MessageSkipWaiting Message = "skipWaiting"
	// MessageDownloadOffline 触发离线预取。
	MessageDownloadOffline Message = "downloadOffline"
)

// ErrUnknownMessage 表示无法识别的指令。
var ErrUnknownMessage = errors.New("unknown message")

// ParseMessage 只接受精确匹配的指令名，前后空白会被忽略。
func ParseMessage(raw string) (Message, error) {
	switch msg := Message(strings.TrimSpace(raw)); msg {
	case MessageSkipWaiting, MessageDownloadOffline:
		return msg, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMessage, raw)
	}
}
