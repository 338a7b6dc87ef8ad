package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/前缀/命中状态字段，供代理请求日志复用。
func RequestFields(origin, prefix, authMode, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"origin":       origin,
		"prefix":       prefix,
		"auth_mode":    authMode,
		"cache_status": cacheStatus,
	}
}

// CacheFields 描述单个缓存条目，供缓存引擎在拉取、淘汰时输出。
func CacheFields(action, fingerprint, originURL string) logrus.Fields {
	return logrus.Fields{
		"action":      action,
		"fingerprint": fingerprint,
		"origin_url":  originURL,
	}
}
