// Command flowsync-queue inspects and maintains the agent's offline event
// queue. Run it while the agent is stopped; SQLite serializes access but
// maintenance mid-sync gives confusing numbers
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"flowsync/internal/config"
	"flowsync/internal/platform/logger"
	"flowsync/internal/platform/paths"
	"flowsync/internal/queue"
)

const defaultExpireAge = 7 * 24 * time.Hour

func usage() {
	fmt.Fprintf(os.Stderr, `usage: flowsync-queue [-path FILE] COMMAND

commands:
  stats          queue size, capacity, and retry counts (default)
  checkpoints    per-bucket sync checkpoints
  categories     cached app category mappings
  expire [AGE]   drop events older than AGE (default %s)
  drop-failed    drop events that exhausted their retry budget
  clear          drop every queued event
`, defaultExpireAge)
	os.Exit(2)
}

func main() {
	path := flag.String("path", "", "queue database path (default: per-OS data dir)")
	flag.Usage = usage
	flag.Parse()

	logger.Init(logger.FromEnv())

	if *path == "" {
		p, err := paths.QueuePath()
		if err != nil {
			fatal("resolve queue path: %v", err)
		}
		*path = p
	}
	q, err := queue.Open(*path, config.MaxQueueSize)
	if err != nil {
		fatal("open queue: %v", err)
	}
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	switch cmd := flag.Arg(0); cmd {
	case "", "stats":
		stats(ctx, q, *path)
	case "checkpoints":
		checkpoints(ctx, q)
	case "categories":
		categories(ctx, q)
	case "expire":
		age := defaultExpireAge
		if arg := flag.Arg(1); arg != "" {
			if age, err = time.ParseDuration(arg); err != nil {
				fatal("bad age %q: %v", arg, err)
			}
		}
		n, err := q.ExpireOlderThan(ctx, age)
		if err != nil {
			fatal("expire: %v", err)
		}
		fmt.Printf("expired %d events older than %s\n", n, age)
	case "drop-failed":
		n, err := q.RemoveFailed(ctx, queue.DefaultMaxRetries)
		if err != nil {
			fatal("drop-failed: %v", err)
		}
		fmt.Printf("dropped %d events past %d retries\n", n, queue.DefaultMaxRetries)
	case "clear":
		n, err := q.Clear(ctx)
		if err != nil {
			fatal("clear: %v", err)
		}
		fmt.Printf("cleared %d events\n", n)
	default:
		usage()
	}
}

func stats(ctx context.Context, q *queue.Queue, path string) {
	size, err := q.Size(ctx)
	if err != nil {
		fatal("size: %v", err)
	}
	pct, err := q.CapacityPercent(ctx)
	if err != nil {
		fatal("capacity: %v", err)
	}
	cps, err := q.GetAllCheckpoints(ctx)
	if err != nil {
		fatal("checkpoints: %v", err)
	}
	fmt.Printf("queue:       %s\n", path)
	fmt.Printf("events:      %d (%.1f%% of %d)\n", size, pct, config.MaxQueueSize)
	fmt.Printf("checkpoints: %d buckets\n", len(cps))
}

func checkpoints(ctx context.Context, q *queue.Queue) {
	cps, err := q.GetAllCheckpoints(ctx)
	if err != nil {
		fatal("checkpoints: %v", err)
	}
	ids := make([]string, 0, len(cps))
	for id := range cps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("%-50s %s\n", id, cps[id].UTC().Format(time.RFC3339))
	}
}

func categories(ctx context.Context, q *queue.Queue) {
	cats, err := q.GetAllCategories(ctx)
	if err != nil {
		fatal("categories: %v", err)
	}
	apps := make([]string, 0, len(cats))
	for app := range cats {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	for _, app := range apps {
		fmt.Printf("%-40s %s\n", app, cats[app])
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "flowsync-queue: "+format+"\n", args...)
	os.Exit(1)
}
