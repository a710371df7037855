package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求 + 策略 + 命中状态字段，供拦截日志复用。
func RequestFields(requestID, method, target, strategy, cacheStatus string) logrus.Fields {
	fields := logrus.Fields{
		"method":       method,
		"url":          target,
		"strategy":     strategy,
		"cache_status": cacheStatus,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// PartitionFields 描述一次分区操作，供 install/activate 日志使用。
func PartitionFields(action, version, partition string) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"version":   version,
		"partition": partition,
	}
}
