package orchestrator

import "errors"

// 错误分类，API 层与之一一对应映射响应码。
var (
	// ErrInvalidTransition 表示操作在当前状态下不合法（含重试次数耗尽）。
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrJobInFlight 表示该租户/平台已有活跃作业，拒绝重复派发。
	ErrJobInFlight = errors.New("sync job already in flight")
	// ErrDispatchFailed 表示外部服务拒绝了提交，状态保持不变。
	ErrDispatchFailed = errors.New("job dispatch failed")
	// ErrUnauthorized 表示回调鉴权失败。
	ErrUnauthorized = errors.New("unauthorized")
	// ErrDuplicateEvent 表示回调重复投递，被幂等守卫短路，不算用户可见错误。
	ErrDuplicateEvent = errors.New("duplicate webhook event")
	// ErrTimeout 表示作业超过最长等待时间，由清扫器判定，
	// 其文本即落库的 failure_reason。
	ErrTimeout = errors.New("timeout")
	// ErrProviderRejected 表示外部服务拒绝了取消等管理请求。
	ErrProviderRejected = errors.New("provider rejected request")
)
