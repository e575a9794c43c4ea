package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存版本/策略/命中状态字段，供代理请求日志复用。
func RequestFields(cacheVersion, strategy, method, url string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"cache_version": cacheVersion,
		"strategy":      strategy,
		"method":        method,
		"url":           url,
		"cache_hit":     cacheHit,
	}
}

// LifecycleFields 提供 install/activate/claim 等生命周期日志的公共字段。
func LifecycleFields(action, cacheVersion, state string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"cache_version": cacheVersion,
		"state":         state,
	}
}
