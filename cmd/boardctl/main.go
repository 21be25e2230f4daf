package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/app"
	"github.com/jun/gophboard/internal/auth"
	"github.com/jun/gophboard/internal/config"
	"github.com/jun/gophboard/internal/editbuffer"
	"github.com/jun/gophboard/internal/kv"
	"github.com/jun/gophboard/internal/queue"
)

const BoardCtlVersion = "0.1.0"

func main() {
	usage := `Board client control.

Works on the local data directory of a bridge. Stop the bridge first: the
data file is locked while it runs.

Usage:
    boardctl users [--config=<file>]
    boardctl queue list --uid=<uid> [--board=<board>] [--config=<file>]
    boardctl queue stats --uid=<uid> [--board=<board>] [--config=<file>]
    boardctl queue clear --uid=<uid> [--board=<board>] [--config=<file>]
    boardctl queue flush --uid=<uid> [--board=<board>] [--config=<file>]
        [--timeout=<timeout>]
    boardctl buffer list --uid=<uid> [--board=<board>] [--config=<file>]
    boardctl buffer clear --uid=<uid> [--board=<board>] [--config=<file>]
    boardctl -h | --help
    boardctl --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<file>      Config file, as given to the bridge.
    --uid=<uid>          User whose local data to use.
    --board=<board>      Board id. Defaults to the configured board_id.
    --timeout=<timeout>  Give up flushing after this long [default: 30s].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BoardCtlVersion)
	if err != nil {
		panic(err)
	}
	// glog reads its flags from the standard flag set.
	flag.CommandLine.Parse([]string{"-logtostderr"})
	defer glog.Flush()

	configFile, _ := opts.String("--config")
	cfg, err := config.Load(configFile)
	if err != nil {
		fail("config: %v", err)
	}
	if board, _ := opts.String("--board"); board != "" {
		cfg.BoardID = board
	}

	ctx := context.Background()

	if users_, _ := opts.Bool("users"); users_ {
		users(ctx, cfg)
		return
	}

	uid, _ := opts.String("--uid")
	queue_, _ := opts.Bool("queue")
	buffer_, _ := opts.Bool("buffer")
	list_, _ := opts.Bool("list")
	clear_, _ := opts.Bool("clear")

	switch {
	case queue_ && list_:
		queueList(ctx, cfg, uid)
	case queue_ && clear_:
		queueClear(ctx, cfg, uid)
	case queue_:
		if stats_, _ := opts.Bool("stats"); stats_ {
			queueStats(ctx, cfg, uid)
			return
		}
		timeout := 30 * time.Second
		if s, _ := opts.String("--timeout"); s != "" {
			if timeout, err = time.ParseDuration(s); err != nil {
				fail("invalid timeout %q: %v", s, err)
			}
		}
		queueFlush(ctx, cfg, uid, timeout)
	case buffer_ && list_:
		bufferList(ctx, cfg, uid)
	case buffer_ && clear_:
		bufferClear(ctx, cfg, uid)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	glog.Flush()
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail("encode: %v", err)
	}
}

// openLocal opens the data directory, scoped to uid when it is set. The
// returned func closes it.
func openLocal(ctx context.Context, cfg *config.Config, uid string) (kv.Store, func()) {
	var awsCfg aws.Config
	if !cfg.DevMode && cfg.Storage.KMSKeyID != "" {
		var err error
		if awsCfg, err = awsconfig.LoadDefaultConfig(ctx); err != nil {
			fail("unable to load SDK config: %v", err)
		}
	}
	store, closer, err := app.OpenLocal(cfg, awsCfg)
	if err != nil {
		fail("open %s: %v", cfg.DataDir, err)
	}
	if uid != "" {
		store = kv.WithPrefix(store, app.UserPrefix(uid))
	}
	return store, func() { closer.Close() }
}

// users lists the users with local data.
func users(ctx context.Context, cfg *config.Config) {
	store, done := openLocal(ctx, cfg, "")
	defer done()

	keys, err := store.Keys(ctx, "u:")
	if err != nil {
		fail("list keys: %v", err)
	}
	seen := map[string]bool{}
	for _, k := range keys {
		uid, _, ok := strings.Cut(strings.TrimPrefix(k, "u:"), ":")
		if ok {
			seen[uid] = true
		}
	}
	out := make([]string, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}
	sort.Strings(out)
	for _, uid := range out {
		fmt.Println(uid)
	}
}

func openQueue(ctx context.Context, cfg *config.Config, uid string) (*queue.Queue, func()) {
	store, done := openLocal(ctx, cfg, uid)
	return queue.New(store, cfg.BoardID, queue.Options{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		InitialBackoff: cfg.Queue.InitialBackoff,
		MaxBackoff:     cfg.Queue.MaxBackoff,
	}), done
}

func queueList(ctx context.Context, cfg *config.Config, uid string) {
	q, done := openQueue(ctx, cfg, uid)
	defer done()
	ops, err := q.List(ctx)
	if err != nil {
		fail("list queue: %v", err)
	}
	printJSON(ops)
}

func queueStats(ctx context.Context, cfg *config.Config, uid string) {
	q, done := openQueue(ctx, cfg, uid)
	defer done()
	st, err := q.Stats(ctx)
	if err != nil {
		fail("queue stats: %v", err)
	}
	printJSON(st)
}

func queueClear(ctx context.Context, cfg *config.Config, uid string) {
	q, done := openQueue(ctx, cfg, uid)
	defer done()
	if err := q.Clear(ctx); err != nil {
		fail("clear queue: %v", err)
	}
	fmt.Printf("Cleared the queue of %s on %s.\n", uid, cfg.BoardID)
}

// queueFlush replays the queue through a full board session, so the replay
// follows the same rules as the bridge.
func queueFlush(ctx context.Context, cfg *config.Config, uid string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		fail("startup: %v", err)
	}
	defer application.Close(context.Background())

	s, err := application.Hub().Session(ctx, cfg.BoardID, auth.Identity{UID: uid, Name: "boardctl"})
	if err != nil {
		fail("open session: %v", err)
	}
	res, err := s.Flush(ctx)
	if err != nil {
		fail("flush: %v", err)
	}
	printJSON(res)
}

func openBuffer(ctx context.Context, cfg *config.Config, uid string) (*editbuffer.Store, func()) {
	store, done := openLocal(ctx, cfg, uid)
	return editbuffer.New(kv.Select(ctx, store, kv.NewSessionStore(1)), cfg.BoardID), done
}

func bufferList(ctx context.Context, cfg *config.Config, uid string) {
	buf, done := openBuffer(ctx, cfg, uid)
	defer done()
	entries, err := buf.GetAll(ctx)
	if err != nil {
		fail("list edit buffer: %v", err)
	}
	printJSON(entries)
}

func bufferClear(ctx context.Context, cfg *config.Config, uid string) {
	buf, done := openBuffer(ctx, cfg, uid)
	defer done()
	entries, err := buf.GetAll(ctx)
	if err != nil {
		fail("list edit buffer: %v", err)
	}
	for _, e := range entries {
		buf.Delete(ctx, e.ShapeID)
	}
	fmt.Printf("Dropped %d buffered edits of %s on %s.\n", len(entries), uid, cfg.BoardID)
}
