package settings

import (
	"context"

	"github.com/erp/backoffice/internal/domain/settings"
)

type batchKey struct{}

func withBatch(ctx context.Context) context.Context {
	return context.WithValue(ctx, batchKey{}, true)
}

func inBatch(ctx context.Context) bool {
	v, _ := ctx.Value(batchKey{}).(bool)
	return v
}

// operation is one recorded write, replayed at commit.
type operation struct {
	path   settings.Path
	value  any
	remove bool
	clear  []settings.Path
}

func (op operation) touched() []settings.Path {
	out := make([]settings.Path, 0, 1+len(op.clear))
	out = append(out, op.path)
	return append(out, op.clear...)
}

func applyOps(t settings.Tree, ops []operation) settings.Tree {
	for _, op := range ops {
		if op.remove {
			t = t.Without(op.path)
			continue
		}
		t = t.With(op.path, op.value)
		for _, p := range op.clear {
			t = t.With(p, "")
		}
	}
	return t
}

func (s *Store) prepareSet(path settings.Path, value any) (operation, error) {
	normalized, err := s.schema.Validate(path, value)
	if err != nil {
		return operation{}, err
	}
	op := operation{path: path.Child(), value: normalized}
	if len(path) == 3 && path[0] == settings.RootAPISettings && path[2] == "authMode" {
		mode, _ := normalized.(string)
		for _, field := range s.policy.LatentFieldsToClear(settings.Integration(path[1]), settings.AuthMode(mode)) {
			op.clear = append(op.clear, settings.Path{settings.RootAPISettings, path[1], field})
		}
	}
	return op, nil
}

func prepareRemove(path settings.Path) (operation, error) {
	if len(path) < 2 || path[0] != settings.RootGridViews {
		return operation{}, &settings.ValidationError{
			Path:   path,
			Reason: settings.ErrReadOnlyPath,
			Detail: "only grid view entries can be removed",
		}
	}
	return operation{path: path.Child(), remove: true}, nil
}

// Draft collects the writes of a batch. Reads through the draft see the
// batch's own writes on top of the snapshot taken when the batch started.
type Draft struct {
	store *Store
	tree  settings.Tree
	ops   []operation
	err   error
}

// Set validates and records a write. The first failure aborts the batch.
func (d *Draft) Set(path settings.Path, value any) error {
	if d.err != nil {
		return d.err
	}
	op, err := d.store.prepareSet(path, value)
	if err != nil {
		d.err = err
		return err
	}
	d.record(op)
	return nil
}

// Remove records the removal of a grid view entry.
func (d *Draft) Remove(path settings.Path) error {
	if d.err != nil {
		return d.err
	}
	op, err := prepareRemove(path)
	if err != nil {
		d.err = err
		return err
	}
	d.record(op)
	return nil
}

// Get reads through the draft.
func (d *Draft) Get(path settings.Path) (any, bool) {
	return d.tree.Get(path)
}

func (d *Draft) record(op operation) {
	d.ops = append(d.ops, op)
	d.tree = applyOps(d.tree, []operation{op})
}
