package mutation

import (
	"context"

	"gorel/data/orm"
	"gorel/errors"
	"gorel/logging"
)

// delete 按主键删除：先构建完整计划（含全部 CHECK 探测），再自底向上执行
func (c *command) delete(ctx context.Context, t *orm.EntityType, ids []any) error {
	path := RootPath(t)
	if t.IsEmbeddable() || t.IDProp() == nil {
		return newError(errors.ErrCodeInvalidInput, path, "只能删除实体类型", nil)
	}
	if c.opts.DeleteMode == DeleteLogical && !t.SupportsLogicalDelete() {
		return newError(errors.ErrCodeInvalidInput, path, "该类型不支持逻辑删除", map[string]any{
			"deleteMode": c.opts.DeleteMode.String(),
		})
	}
	set := knownRows(t, ids)
	if set.empty() {
		return nil
	}
	logical := c.logicalFor(t, true)
	c.logger.Debug(ctx, "delete entities",
		logging.String("type", t.Name()),
		logging.Int("count", len(set.ids)),
		logging.Bool("logical", logical),
		logging.Stringer("mode", c.opts.DeleteMode))

	node, err := c.plan(ctx, path, set, logical)
	if err != nil {
		return err
	}
	return c.execute(ctx, node)
}
