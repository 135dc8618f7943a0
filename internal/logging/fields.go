package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供资源键/命名空间/角色/命中状态字段，供代理请求日志复用。
func RequestFields(requestID, namespace, assetKey, role string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"namespace": namespace,
		"asset_key": assetKey,
		"cache_hit": cacheHit,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if role != "" {
		fields["role"] = role
	}
	return fields
}
