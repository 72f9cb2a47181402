// Package schema upgrades persisted and exported settings trees from older
// schema versions to the current one.
//
// Each upgrader handles a single version transition (v1 -> v2, v2 -> v3) and
// must be idempotent: running it on a tree that is already at its target
// shape leaves the tree unchanged.
package schema

import (
	"fmt"
	"sync"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/erp/backoffice/internal/domain/shared"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 3

// Upgrader transforms a raw settings tree from one schema version to the next.
type Upgrader interface {
	// SourceVersion returns the version this upgrader reads from
	SourceVersion() int
	// TargetVersion returns the version this upgrader produces
	TargetVersion() int
	// Upgrade transforms the tree. The input must not be modified.
	Upgrade(tree settings.Tree) (settings.Tree, error)
}

// Chain is a validated, gap-free sequence of upgraders ending at a current version.
type Chain struct {
	mu        sync.RWMutex
	current   int
	upgraders map[int]Upgrader
}

// NewChain registers upgraders and checks that every step from 1 to current exists.
func NewChain(current int, upgraders ...Upgrader) (*Chain, error) {
	if current < 1 {
		return nil, fmt.Errorf("current schema version must be positive, got %d", current)
	}
	byVersion := make(map[int]Upgrader, len(upgraders))
	for _, u := range upgraders {
		if u.TargetVersion() != u.SourceVersion()+1 {
			return nil, fmt.Errorf("upgrader must be sequential: got %d -> %d", u.SourceVersion(), u.TargetVersion())
		}
		if _, dup := byVersion[u.SourceVersion()]; dup {
			return nil, fmt.Errorf("duplicate upgrader for version %d", u.SourceVersion())
		}
		byVersion[u.SourceVersion()] = u
	}
	for v := 1; v < current; v++ {
		if _, ok := byVersion[v]; !ok {
			return nil, fmt.Errorf("missing upgrader for version %d -> %d", v, v+1)
		}
	}
	return &Chain{current: current, upgraders: byVersion}, nil
}

var (
	defaultChain     *Chain
	defaultChainOnce sync.Once
)

// Default returns the chain for CurrentVersion with the built-in upgraders.
func Default() *Chain {
	defaultChainOnce.Do(func() {
		c, err := NewChain(CurrentVersion, localeUpgrader(), themeUpgrader())
		if err != nil {
			panic(err)
		}
		defaultChain = c
	})
	return defaultChain
}

// Current returns the latest schema version of the chain.
func (c *Chain) Current() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Upgrade runs every upgrader from version from up to the current version.
// A tree at the current version is returned as a copy. A version newer than
// current fails with shared.ErrVersionTooNew.
func (c *Chain) Upgrade(tree settings.Tree, from int) (settings.Tree, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if from > c.current {
		return nil, fmt.Errorf("%w: schema version %d, supported up to %d", shared.ErrVersionTooNew, from, c.current)
	}
	if from < 1 {
		return nil, fmt.Errorf("%w: invalid schema version %d", shared.ErrMigrationFailed, from)
	}

	out := tree.Clone()
	for v := from; v < c.current; v++ {
		next, err := c.upgraders[v].Upgrade(out)
		if err != nil {
			return nil, fmt.Errorf("%w: v%d to v%d: %v", shared.ErrMigrationFailed, v, v+1, err)
		}
		out = next
	}
	return out, nil
}

// FuncUpgrader adapts a transform function to the Upgrader interface. The
// function receives a private copy of the tree.
type FuncUpgrader struct {
	source    int
	transform func(settings.Tree) (settings.Tree, error)
}

// NewFuncUpgrader creates an upgrader from source to source+1.
func NewFuncUpgrader(source int, transform func(settings.Tree) (settings.Tree, error)) *FuncUpgrader {
	return &FuncUpgrader{source: source, transform: transform}
}

// SourceVersion implements Upgrader
func (u *FuncUpgrader) SourceVersion() int { return u.source }

// TargetVersion implements Upgrader
func (u *FuncUpgrader) TargetVersion() int { return u.source + 1 }

// Upgrade implements Upgrader
func (u *FuncUpgrader) Upgrade(tree settings.Tree) (settings.Tree, error) {
	return u.transform(tree.Clone())
}
