// Command iwabundle inspects, serves and distributes signed web bundles.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meigma/iwabundle/config"
)

const usage = `usage: iwabundle [-config file] <command> [flags] [args]

commands:
  inspect [-verify] <bundle>          print the signing keys and responses
  cat -id <bundle-id> <bundle> <url>  write one response body to stdout
  serve -id <bundle-id> [-addr addr] <bundle>
                                      serve a bundle over HTTP
  push <ref> <bundle>                 upload a bundle to an OCI registry
  pull <ref> <dest>                   download a bundle from an OCI registry
`

// env carries what every command needs.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "iwabundle:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("iwabundle", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", os.Getenv("IWABUNDLE_CONFIG"), "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(stderr)
	if err != nil {
		return err
	}
	e := &env{cfg: cfg, logger: logger, stdout: stdout}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "inspect":
		return e.inspect(ctx, rest)
	case "cat":
		return e.cat(ctx, rest)
	case "serve":
		return e.serve(ctx, rest)
	case "push":
		return e.push(ctx, rest)
	case "pull":
		return e.pull(ctx, rest)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func wantArgs(fs *flag.FlagSet, n int, names string) error {
	if fs.NArg() != n {
		return fmt.Errorf("%s: expected %s", fs.Name(), names)
	}
	return nil
}
