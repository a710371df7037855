package config

import (
	"github.com/fsnotify/fsnotify"
)

// Watch 加载配置并持续监听文件变化。每次变化都会重新解析与校验，
// 成功时回调 onChange，失败时回调 onError，旧配置保持生效。
func Watch(path string, onChange func(*Config), onError func(error)) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onChange != nil {
			onChange(next)
		}
	})
	v.WatchConfig()
	return cfg, nil
}

// VersionChanged 判断两份配置是否需要触发分区版本切换。
func VersionChanged(prev, next *Config) bool {
	if prev == nil || next == nil {
		return false
	}
	return normalizeVersion(prev.Global.Version) != normalizeVersion(next.Global.Version)
}

func normalizeVersion(v string) string {
	if len(v) > 0 && (v[0] == 'v' || v[0] == 'V') {
		return v[1:]
	}
	return v
}
