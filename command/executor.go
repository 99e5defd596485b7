package command

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wyfcoding/cmdbus/commandlog"
	"github.com/wyfcoding/cmdbus/idgen"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/metrics"
	"github.com/wyfcoding/cmdbus/tracing"
	"github.com/wyfcoding/cmdbus/xerrors"
)

// BusinessFunc 业务处理函数，records 只包含尚未应用过的命令。
// 所有写入必须通过 tx 完成，才能与命令日志一起提交或回滚。
type BusinessFunc[Tx any] func(ctx context.Context, records []Record, tx Tx) error

// Executor 幂等应用引擎：在同一事务内过滤已应用的命令、执行业务函数并记录幂等键。
type Executor[Tx any] struct {
	store  commandlog.Store[Tx]
	logger *logging.Logger

	applied    *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	failed     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewExecutor 创建 Executor，m 可以为 nil。
func NewExecutor[Tx any](store commandlog.Store[Tx], logger *logging.Logger, m *metrics.Metrics) *Executor[Tx] {
	return &Executor[Tx]{
		store:  store,
		logger: logger,
		applied: m.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_commands_applied_total",
			Help: "Commands applied to the store",
		}, []string{"topic"}),
		duplicates: m.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_commands_duplicate_total",
			Help: "Commands skipped because their key was already applied",
		}, []string{"topic"}),
		failed: m.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_command_batches_failed_total",
			Help: "Command batches rolled back",
		}, []string{"topic"}),
		duration: m.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cmdbus_command_apply_duration_seconds",
			Help:    "Duration of the apply transaction",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
	}
}

// HandleCommand 在一个事务中应用 records：
// 已记录在命令日志中的键被静默跳过，批次内重复的键只保留第一次出现；
// 剩余记录交给 fn，随后写入命令日志并提交。任一步失败则整体回滚并返回错误。
func (e *Executor[Tx]) HandleCommand(ctx context.Context, records []Record, topic Topic, fn BusinessFunc[Tx]) error {
	if len(records) == 0 {
		return nil
	}

	unique, keys, err := uniqueByKey(records)
	if err != nil {
		return err
	}

	ctx, span := tracing.StartApply(ctx, topic.String(), len(records))
	defer span.End()

	label := topic.String()
	table := topic.Table()
	start := time.Now()

	var applied, skipped int
	err = e.store.WithinTx(ctx, table, keys, func(ctx context.Context, tx Tx) error {
		done, err := e.store.AppliedKeys(ctx, tx, table, keys)
		if err != nil {
			return err
		}

		toApply := make([]Record, 0, len(unique))
		toKeys := make([]string, 0, len(unique))
		for i, r := range unique {
			if _, ok := done[keys[i]]; ok {
				continue
			}
			toApply = append(toApply, r)
			toKeys = append(toKeys, keys[i])
		}
		skipped = len(records) - len(toApply)
		applied = len(toApply)
		if len(toApply) == 0 {
			return nil
		}

		if err := fn(ctx, toApply, tx); err != nil {
			return xerrors.Wrap(err, xerrors.ErrHandler, "command handler failed")
		}

		entries := make([]commandlog.Entry, len(toApply))
		for i, r := range toApply {
			entries[i] = commandlog.EntryFromMillis(toKeys[i], r.Timestamp)
		}
		return e.store.Append(ctx, tx, table, entries)
	})
	e.duration.WithLabelValues(label).Observe(time.Since(start).Seconds())

	if err != nil {
		e.failed.WithLabelValues(label).Inc()
		tracing.SetError(ctx, err)
		if _, ok := xerrors.FromError(err); ok {
			return err
		}
		return xerrors.Wrap(err, xerrors.ErrHandler, "apply command batch failed").
			WithContext("table", table.String())
	}

	e.applied.WithLabelValues(label).Add(float64(applied))
	if skipped > 0 {
		e.duplicates.WithLabelValues(label).Add(float64(skipped))
		e.logger.InfoContext(ctx, "duplicate commands skipped", "topic", label, "count", skipped)
	}
	return nil
}

// uniqueByKey 按规范化后的键去重，保留第一次出现的记录，keys 与 unique 一一对应。
// 空键或非 UUID 键直接拒绝：命令日志以 UUID 为主键。
func uniqueByKey(records []Record) ([]Record, []string, error) {
	seen := make(map[string]struct{}, len(records))
	unique := make([]Record, 0, len(records))
	keys := make([]string, 0, len(records))
	for _, r := range records {
		if len(r.Key) == 0 {
			return nil, nil, xerrors.New(xerrors.ErrHandler, "command record without key", nil).
				WithContext("topic", r.Topic).
				WithContext("partition", r.Partition).
				WithContext("offset", r.Offset)
		}
		k, err := idgen.ParseKey(string(r.Key))
		if err != nil {
			return nil, nil, xerrors.Wrap(err, xerrors.ErrHandler, "command record with invalid key").
				WithContext("topic", r.Topic).
				WithContext("partition", r.Partition).
				WithContext("offset", r.Offset)
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, r)
		keys = append(keys, k)
	}
	return unique, keys, nil
}
