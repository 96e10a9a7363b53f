package config

import "strings"

// Option 配置选项函数
type Option func(*Config)

// WithConfigFile 指定配置文件完整路径，设置后忽略名称与搜索路径
func WithConfigFile(path string) Option {
	return func(c *Config) {
		c.configFile = path
	}
}

// WithConfigName 按名称（不含扩展名）在搜索路径中查找
func WithConfigName(name string) Option {
	return func(c *Config) {
		c.configName = name
	}
}

// WithConfigType 文件类型，按名称查找时需要
func WithConfigType(typ string) Option {
	return func(c *Config) {
		c.configType = typ
	}
}

// WithConfigPaths 搜索路径，按顺序查找
func WithConfigPaths(paths ...string) Option {
	return func(c *Config) {
		c.configPaths = paths
	}
}

// WithEnvPrefix 环境变量覆盖，键 server.addr 对应 PREFIX_SERVER_ADDR
func WithEnvPrefix(prefix string) Option {
	return func(c *Config) {
		c.envPrefix = prefix
		c.envKeyReplacer = strings.NewReplacer(".", "_")
	}
}
