package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var version = "0.1.0-dev"

const usage = "expected one of: start, stop, save, state, watch, list, search, delete, workers, version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	addr := fs.String("addr", envOr("SCRIBE_ADDR", "http://127.0.0.1:8088"), "scribed HTTP address")

	switch command {
	case "start", "stop", "state", "watch", "list", "workers":
		fs.Parse(args)
		c := newClient(*addr)
		switch command {
		case "start":
			return c.printState(ctx, "POST", "/v1/session/start")
		case "stop":
			return c.printState(ctx, "POST", "/v1/session/stop")
		case "state":
			return c.printState(ctx, "GET", "/v1/session")
		case "watch":
			return c.watch(ctx, os.Stdout)
		case "workers":
			return c.workers(ctx, os.Stdout)
		default:
			return c.list(ctx, "", os.Stdout)
		}
	case "save":
		text := fs.String("text", "", "Text to save (defaults to the live transcript)")
		fs.Parse(args)
		var body *string
		fs.Visit(func(f *flag.Flag) {
			if f.Name == "text" {
				body = text
			}
		})
		return newClient(*addr).save(ctx, body)
	case "search":
		query := fs.String("q", "", "Case-insensitive substring to search for")
		fs.Parse(args)
		return newClient(*addr).list(ctx, *query, os.Stdout)
	case "delete":
		id := fs.Int64("id", 0, "Transcript id to delete")
		fs.Parse(args)
		if *id <= 0 {
			return fmt.Errorf("delete requires -id")
		}
		if err := newClient(*addr).delete(ctx, *id); err != nil {
			return err
		}
		fmt.Printf("deleted %d\n", *id)
		return nil
	case "version":
		fmt.Println(version)
		return nil
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		os.Exit(2)
		return nil
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
