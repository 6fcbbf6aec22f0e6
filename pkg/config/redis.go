package config

import "fmt"

// RedisConfig points the automation broker at redis. When Addr is empty the
// in-process broker is used instead, which only suits single-node setups.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

func (c *RedisConfig) SetDefaults() {}

func (c *RedisConfig) Validate() error {
	if c.DB < 0 {
		return fmt.Errorf("db must not be negative")
	}
	return nil
}

// Enabled reports whether a redis broker is configured.
func (c *RedisConfig) Enabled() bool { return c.Addr != "" }
