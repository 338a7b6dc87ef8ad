package config

import (
	"errors"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听配置文件变化，每次变更成功解析并校验后回调 apply；
// 解析失败时回调 onError 并保留旧配置。
func Watch(path string, apply func(*Config), onError func(error)) error {
	if path == "" {
		return errors.New("config path required")
	}
	if apply == nil {
		return errors.New("apply callback required")
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		apply(cfg)
	})
	v.WatchConfig()
	return nil
}
