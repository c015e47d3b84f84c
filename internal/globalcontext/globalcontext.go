// Package globalcontext implements the one concrete collaborator for the
// engine's two-method GlobalContext interface (§6.1.1): a directory-listing
// summarizer, watched for changes with fsnotify and cached in Redis. The
// core never imports this package directly — it only ever sees the
// engine.GlobalContext interface — so swapping this out for a richer
// project-summary subsystem later costs nothing at the call site.
package globalcontext

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
)

const (
	summaryTTL   = 2 * time.Minute
	redisKeyBase = "kaix:globalcontext:summary:"
)

// Collaborator watches a working directory for filesystem changes and
// produces a short free-text summary of its top-level contents, caching the
// result in Redis with a short TTL. It satisfies engine.GlobalContext
// without importing the engine package (the dependency points the other
// way: engine defines the interface, this package implements it).
type Collaborator struct {
	root     string
	rdb      *redis.Client
	cacheKey string
	watcher  *fsnotify.Watcher
	log      *slog.Logger

	mu        sync.Mutex
	dirty     bool
	watchDone chan struct{}
}

// New builds a Collaborator rooted at dir. rdb may be a *redis.Client
// pointed at any reachable Redis instance; a fresh process always starts
// dirty so the first Summary call regenerates rather than trusting a stale
// cache entry from a prior run.
func New(dir string, rdb *redis.Client, log *slog.Logger) (*Collaborator, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("globalcontext: resolve root: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("globalcontext: new watcher: %w", err)
	}
	if err := w.Add(abs); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("globalcontext: watch %s: %w", abs, err)
	}
	return &Collaborator{
		root:     abs,
		rdb:      rdb,
		cacheKey: redisKeyBase + abs,
		watcher:  w,
		log:      log,
		dirty:    true,
	}, nil
}

// Start runs the fsnotify event loop until ctx is cancelled, invalidating
// the cached summary on every filesystem event under root.
func (c *Collaborator) Start(ctx context.Context) {
	c.mu.Lock()
	c.watchDone = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.watchDone)
		defer c.watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-c.watcher.Events:
				if !ok {
					return
				}
				c.log.Debug("global context fs event", "path", event.Name, "op", event.Op.String())
				c.markDirty()
			case err, ok := <-c.watcher.Errors:
				if !ok {
					return
				}
				c.log.Warn("global context watcher error", "error", err)
			}
		}
	}()
}

// Stop closes the watcher and waits for its goroutine to exit.
func (c *Collaborator) Stop() {
	c.mu.Lock()
	done := c.watchDone
	c.mu.Unlock()
	_ = c.watcher.Close()
	if done == nil {
		return
	}
	<-done
}

func (c *Collaborator) markDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
	if c.rdb != nil {
		// best-effort: let the TTL expire naturally if this fails
		_ = c.rdb.Del(context.Background(), c.cacheKey).Err()
	}
}

// Summary satisfies engine.GlobalContext. It serves the Redis-cached value
// when present and not locally marked dirty, otherwise regenerates a
// shallow one-paragraph-per-top-level-entry listing and re-caches it.
func (c *Collaborator) Summary(ctx context.Context) (string, error) {
	c.mu.Lock()
	dirty := c.dirty
	c.mu.Unlock()

	if !dirty && c.rdb != nil {
		if cached, err := c.rdb.Get(ctx, c.cacheKey).Result(); err == nil {
			return cached, nil
		} else if err != redis.Nil {
			c.log.Warn("global context redis get failed", "error", err)
		}
	}

	summary, err := c.summarize()
	if err != nil {
		return "", fmt.Errorf("globalcontext: summarize %s: %w", c.root, err)
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, c.cacheKey, summary, summaryTTL).Err(); err != nil {
			c.log.Warn("global context redis set failed", "error", err)
		}
	}
	return summary, nil
}

// UpdateForFiles satisfies engine.GlobalContext. It treats a reported
// modified-files list as an advisory invalidation hint, the same as an
// fsnotify event, rather than attempting a more precise partial update.
func (c *Collaborator) UpdateForFiles(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	c.markDirty()
	return nil
}

// summarize produces a shallow one-paragraph-per-top-level-entry project
// overview. It deliberately does not recurse — a richer summarizer is out
// of scope (§6.1), this is the minimum viable collaborator that makes the
// engine runnable end to end.
func (c *Collaborator) summarize() (string, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return "", err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	fmt.Fprintf(&b, "Project root: %s\n", c.root)

	fileCount, dirCount := 0, 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			dirCount++
			fmt.Fprintf(&b, "- %s/ is a subdirectory.\n", e.Name())
			continue
		}
		fileCount++
		info, err := e.Info()
		size := int64(0)
		if err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&b, "- %s is a file (%d bytes).\n", e.Name(), size)
	}
	fmt.Fprintf(&b, "Total: %d top-level files, %d top-level directories.\n", fileCount, dirCount)
	return b.String(), nil
}
