package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	blogapp "github.com/Haryuya11/BlogApp"
	"github.com/Haryuya11/BlogApp/mongostore"
	"github.com/Haryuya11/BlogApp/relay"
)

// version is set at build time via ldflags.
var version = "dev"

const usage = `BlogApp server and maintenance jobs.

Configuration comes from the environment; see .env.example.

Usage:
    blogapp serve [--env=<path>]
    blogapp reconcile [--env=<path>] [--post=<id>]
    blogapp retry-fanout [--env=<path>] [<user_id>]
    blogapp version
    blogapp -h | --help

Options:
    -h --help       Show this screen.
    --env=<path>    Load variables from this file [default: .env].
    --post=<id>     Reconcile one post instead of all of them.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if v, _ := opts.Bool("version"); v {
		fmt.Printf("blogapp %s\n", version)
		return
	}

	envPath, _ := opts.String("--env")
	if err := blogapp.LoadEnv(envPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: load %s: %v\n", envPath, err)
		os.Exit(1)
	}
	cfg := blogapp.LoadConfig()

	if serve, _ := opts.Bool("serve"); serve {
		err = runServe(cfg)
	} else if reconcile, _ := opts.Bool("reconcile"); reconcile {
		postID, _ := opts.String("--post")
		err = runReconcile(cfg, postID)
	} else if retry, _ := opts.Bool("retry-fanout"); retry {
		userID, _ := opts.String("<user_id>")
		err = runRetry(cfg, userID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openBackend returns the backend Config.Backend names.
func openBackend(ctx context.Context, cfg blogapp.Config) (blogapp.Backend, error) {
	if cfg.Backend == blogapp.BackendMongo {
		return mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
	}
	return blogapp.NewSQLStore(cfg.DatabasePath)
}

func runServe(cfg blogapp.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var opts []blogapp.Option
	if cfg.Backend == blogapp.BackendMongo {
		b, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return err
		}
		opts = append(opts, blogapp.WithBackend(b))
	}
	if cfg.RedisAddr != "" {
		r, err := relay.NewRedis(cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			return err
		}
		defer r.Close()
		opts = append(opts, blogapp.WithRelay(r))
	}

	app := blogapp.New(cfg, opts...)
	defer app.Close()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Echo.Shutdown(shutdown); err != nil {
			app.Echo.Logger.Error(err)
		}
	}()

	return app.Start()
}

func runReconcile(cfg blogapp.Config, postID string) error {
	ctx := context.Background()
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	store := blogapp.NewStore(b)
	defer store.Close()
	ledger := blogapp.NewLedger(store)

	var fixed []blogapp.Correction
	if postID != "" {
		fixed, err = ledger.Reconcile(ctx, postID)
	} else {
		fixed, err = ledger.ReconcileAll(ctx)
	}
	for _, f := range fixed {
		fmt.Printf("%s %s: %d -> %d\n", f.PostID, f.Kind, f.Was, f.Now)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%d counters corrected\n", len(fixed))
	return nil
}

func runRetry(cfg blogapp.Config, userID string) error {
	ctx := context.Background()
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	store := blogapp.NewStore(b)
	defer store.Close()
	p := blogapp.NewPropagator(store, cfg.FanoutWorkers)

	if userID != "" {
		report, err := p.Retry(ctx, userID)
		fmt.Printf("%s: %d posts, %d comments updated\n", userID, report.PostsUpdated, report.CommentsUpdated)
		return err
	}
	n, err := p.RetryPending(ctx)
	fmt.Printf("%d pending fan-outs completed\n", n)
	return err
}
