package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig 是所有字段校验失败的共同哨兵，调用方可用 errors.Is 判断。
var ErrInvalidConfig = errors.New("invalid configuration")

// FieldError 携带字段路径与原因，Field 形如 Global.FetchTimeout 或 Route[videos].Prefix。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is 让 FieldError 匹配 ErrInvalidConfig。
func (e FieldError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// routeField 拼出 Route[name].Field；未命名的路由输出 Route[].Field。
func routeField(name, field string) string {
	return fmt.Sprintf("Route[%s].%s", name, field)
}
