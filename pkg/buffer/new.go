package buffer

// New 根据配置创建缓冲存储
func New(cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Driver == DriverRedis {
		return NewRedisStore(cfg)
	}
	return NewMemoryStore(cfg.MaxSize, cfg.TTL), nil
}
