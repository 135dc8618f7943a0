package config

import (
	"fmt"
	"strings"
)

// FollowerMode 字段说明（请求遇到同一资源正在生产时的行为）：
// - wait：挂起等待 leader 的结果，所有请求看到同一终态；
// - redirect：立即 302 到未加水印的源站地址，不占用等待名额。
// FollowerTimeoutPolicy 仅在 wait 模式且 FollowerWaitTimeout > 0 时生效：
// - error：等待超时返回 504；
// - redirect：等待超时后 302 到源站。
type FollowerMode string

const (
	FollowerModeWait     FollowerMode = "wait"
	FollowerModeRedirect FollowerMode = "redirect"
)

// TimeoutPolicy 决定 follower 等待超时后的响应。
type TimeoutPolicy string

const (
	TimeoutPolicyError    TimeoutPolicy = "error"
	TimeoutPolicyRedirect TimeoutPolicy = "redirect"
)

// parseFollowerMode 将配置中的 follower 模式标准化。
func parseFollowerMode(raw string) (FollowerMode, error) {
	switch normalized := strings.ToLower(strings.TrimSpace(raw)); normalized {
	case "", string(FollowerModeWait):
		return FollowerModeWait, nil
	case string(FollowerModeRedirect):
		return FollowerModeRedirect, nil
	default:
		return "", fmt.Errorf("不支持的 FollowerMode 值: %s", raw)
	}
}

// parseTimeoutPolicy 将配置中的超时策略标准化。
func parseTimeoutPolicy(raw string) (TimeoutPolicy, error) {
	switch normalized := strings.ToLower(strings.TrimSpace(raw)); normalized {
	case "", string(TimeoutPolicyError):
		return TimeoutPolicyError, nil
	case string(TimeoutPolicyRedirect):
		return TimeoutPolicyRedirect, nil
	default:
		return "", fmt.Errorf("不支持的 FollowerTimeoutPolicy 值: %s", raw)
	}
}

// FollowerModeValue 返回生效的 follower 模式（假定 Validate 已经通过）。
func (g GlobalConfig) FollowerModeValue() FollowerMode {
	mode, err := parseFollowerMode(g.FollowerMode)
	if err != nil {
		return FollowerModeWait
	}
	return mode
}

// TimeoutPolicyValue 返回生效的等待超时策略（假定 Validate 已经通过）。
func (g GlobalConfig) TimeoutPolicyValue() TimeoutPolicy {
	policy, err := parseTimeoutPolicy(g.FollowerTimeoutPolicy)
	if err != nil {
		return TimeoutPolicyError
	}
	return policy
}
