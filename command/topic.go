// Package command 实现命令总线的领域层：主题寻址、命令发送、执行器注册与幂等应用。
package command

import (
	"strconv"
	"strings"

	"github.com/wyfcoding/cmdbus/commandlog"
	"github.com/wyfcoding/cmdbus/xerrors"
)

// Topic 标识一类命令及其 schema 版本，不可变。
type Topic struct {
	Name    string
	Version int
}

// NewTopic 创建 Topic。
func NewTopic(name string, version int) Topic {
	return Topic{Name: name, Version: version}
}

// Validate 名称不能为空。
func (t Topic) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return xerrors.InvalidArg("topic name must not be empty")
	}
	return nil
}

// WithVersion 返回同名的另一个版本。
func (t Topic) WithVersion(version int) Topic {
	return Topic{Name: t.Name, Version: version}
}

func (t Topic) String() string {
	return t.Name + "." + strconv.Itoa(t.Version)
}

// Table 返回该版本专属的命令日志表。
func (t Topic) Table() commandlog.Table {
	return commandlog.TableFor(t.Name, t.Version)
}

// Channel 返回 broker 上的主题名 {prefix}.{name}.{version}，前缀统一小写。
// 发送端和消费端都通过这里寻址。
func Channel(prefix string, t Topic) string {
	return strings.ToLower(prefix) + "." + t.String()
}
