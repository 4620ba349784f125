package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SiteFields 提供站点名称/域名/源站字段，供生命周期日志复用。
func SiteFields(site, domain, origin string) logrus.Fields {
	return logrus.Fields{
		"site":   site,
		"domain": domain,
		"origin": origin,
	}
}

// RequestFields 在站点字段基础上追加策略与命中状态，供代理请求日志复用。
func RequestFields(site, domain, origin, strategy string, cacheHit bool) logrus.Fields {
	fields := SiteFields(site, domain, origin)
	fields["strategy"] = strategy
	fields["cache_hit"] = cacheHit
	return fields
}
