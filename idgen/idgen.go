// Package idgen 提供了命令幂等键的生成与校验。
// 每条命令一个随机 UUID v4，同一命令的主发送与所有副本共享该键。
package idgen

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidKey 幂等键不是合法的 UUID。
var ErrInvalidKey = errors.New("invalid command key")

// Generator 定义幂等键生成器接口。
type Generator interface {
	NewKey() string
}

// UUIDGenerator 使用 UUID v4 实现 Generator。
type UUIDGenerator struct{}

// NewKey 生成一个新的 UUID v4 字符串。
func (UUIDGenerator) NewKey() string {
	return uuid.NewString()
}

// FixedGenerator 始终返回同一个键，测试中使用。
type FixedGenerator string

// NewKey 返回固定键。
func (g FixedGenerator) NewKey() string {
	return string(g)
}

var defaultGenerator Generator = UUIDGenerator{}

// Default 返回全局默认生成器实例。
func Default() Generator {
	return defaultGenerator
}

// NewCommandKey 使用默认生成器生成命令幂等键。
func NewCommandKey() string {
	return defaultGenerator.NewKey()
}

// ParseKey 校验并规范化幂等键，返回小写带连字符的标准形式。
func ParseKey(key string) (string, error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidKey, key, err)
	}
	return id.String(), nil
}
