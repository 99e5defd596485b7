package command

import (
	"context"

	"github.com/wyfcoding/cmdbus/commandlog"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/xerrors"
)

// TableProvisioner 负责创建命令日志表，commandlog.Store 均满足该接口。
type TableProvisioner interface {
	EnsureTable(ctx context.Context, t commandlog.Table) error
}

// Registrar 在注册处理器之前确保该 topic 版本的命令日志表存在。
type Registrar struct {
	registry    *Registry
	provisioner TableProvisioner
	logger      *logging.Logger
}

// NewRegistrar 创建 Registrar。
func NewRegistrar(registry *Registry, provisioner TableProvisioner, logger *logging.Logger) *Registrar {
	return &Registrar{registry: registry, provisioner: provisioner, logger: logger}
}

// Registry 返回底层注册表。
func (r *Registrar) Registry() *Registry {
	return r.registry
}

// Register 建表后注册处理器。建表失败返回 ErrProvision，服务应终止启动。
func (r *Registrar) Register(ctx context.Context, topic Topic, h Handler) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	if r.registry.Sealed() {
		return xerrors.Wrap(ErrRegistrySealed, xerrors.ErrInvalidArg, "register after consumer init").
			WithContext("topic", topic.String())
	}

	table := topic.Table()
	if err := r.provisioner.EnsureTable(ctx, table); err != nil {
		r.logger.ErrorContext(ctx, "command log provisioning failed", "table", table.String(), "error", err)
		return xerrors.Wrap(err, xerrors.ErrProvision, "command log table provisioning failed").
			WithContext("table", table.String())
	}

	if err := r.registry.Add(topic, h); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "command executor registered",
		"channel", Channel(r.registry.Prefix(), topic), "table", table.String())
	return nil
}

// RegisterExecutor 以幂等应用引擎作为 topic 的处理器完成注册。
func RegisterExecutor[Tx any](ctx context.Context, r *Registrar, e *Executor[Tx], topic Topic, fn BusinessFunc[Tx]) error {
	if fn == nil {
		return xerrors.InvalidArg("business function must not be nil").WithContext("topic", topic.String())
	}
	return r.Register(ctx, topic, func(ctx context.Context, records []Record) error {
		return e.HandleCommand(ctx, records, topic, fn)
	})
}
