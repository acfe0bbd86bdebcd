package fieldbus

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected 会话未建立
	ErrNotConnected = errors.New("fieldbus session not connected")
	// ErrPointRead 单点读取失败（超时、NAK、响应格式错误）
	ErrPointRead = errors.New("point read failed")
)

// ReadRequest 单次读取请求
type ReadRequest struct {
	Address  string
	Object   PointRef
	Property Property
}

// Reader 现场协议读取能力
// 每次调用可独立失败，互不影响
type Reader interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context, req ReadRequest) (RawValue, error)
	Connected() bool
	Close() error
}
