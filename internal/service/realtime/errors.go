package realtime

import "github.com/pkg/errors"

var (
	// ErrNotConnected 当前没有可用的实时连接，调用方应走 REST 兜底
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrMissingType 信封缺少 type 字段
	ErrMissingType = errors.New("realtime: envelope type missing")
	// ErrUnknownType 信封 type 不在协议表中
	ErrUnknownType = errors.New("realtime: unknown envelope type")
	// ErrMissingField 信封缺少该类型的必填字段
	ErrMissingField = errors.New("realtime: required envelope field missing")
	// ErrRetriesExhausted 重连次数耗尽
	ErrRetriesExhausted = errors.New("realtime: reconnect attempts exhausted")
)
