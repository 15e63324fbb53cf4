package replicate

import (
	"context"
	"fmt"

	"github.com/colrep/colrep/model"
	"github.com/colrep/colrep/tablestore"
)

// writeMode captures the per-batch behavior of each destination access
// mode. apply receives first=true for the first non-empty batch of a
// stream, which is how OVERWRITE clears prior contents exactly once.
type writeMode interface {
	name() string
	// recreate reports whether the destination table must be dropped
	// and recreated before any batches are written.
	recreate() bool
	apply(ctx context.Context, tbl tablestore.Table, batch *model.Batch, first bool) error
}

func modeFor(target model.Target) (writeMode, error) {
	switch target.Mode {
	case model.ModeAppend:
		return appendMode{}, nil
	case model.ModeOverwrite:
		return overwriteMode{}, nil
	case model.ModeReplace:
		return replaceMode{}, nil
	case model.ModeUpsert:
		if len(target.Keys) == 0 {
			return nil, fmt.Errorf("upsert mode requires at least one key column for %q", target.Namespace+"."+target.Name)
		}
		return upsertMode{keys: target.Keys}, nil
	}
	return nil, fmt.Errorf("unsupported access mode %q", target.Mode)
}

type appendMode struct{}

func (appendMode) name() string   { return "append" }
func (appendMode) recreate() bool { return false }
func (appendMode) apply(ctx context.Context, tbl tablestore.Table, batch *model.Batch, _ bool) error {
	return tbl.Append(ctx, batch)
}

type overwriteMode struct{}

func (overwriteMode) name() string   { return "overwrite" }
func (overwriteMode) recreate() bool { return false }
func (overwriteMode) apply(ctx context.Context, tbl tablestore.Table, batch *model.Batch, first bool) error {
	if first {
		return tbl.Overwrite(ctx, batch)
	}
	return tbl.Append(ctx, batch)
}

type replaceMode struct{}

func (replaceMode) name() string   { return "replace" }
func (replaceMode) recreate() bool { return true }
func (replaceMode) apply(ctx context.Context, tbl tablestore.Table, batch *model.Batch, _ bool) error {
	return tbl.Append(ctx, batch)
}

type upsertMode struct {
	keys []string
}

func (upsertMode) name() string   { return "upsert" }
func (upsertMode) recreate() bool { return false }
func (m upsertMode) apply(ctx context.Context, tbl tablestore.Table, batch *model.Batch, _ bool) error {
	return tbl.Merge(ctx, batch, m.keys)
}
