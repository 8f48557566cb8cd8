// Command xhcisim runs an emulated xHCI controller against a host-side
// driver. It enumerates the configured devices, moves data through them and
// can save or restore controller snapshots.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"
	"golang.org/x/term"

	"github.com/tinyrange/xhci/internal/config"
)

const name = "xhcisim"

// version is overridden via ldflags.
var version = "dev"

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Usage: "controller configuration file (.yaml or .toml)",
	},
	cli.StringFlag{
		Name:  "log-format",
		Value: "auto",
		Usage: "log format: auto, text or json",
	},
	cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug logging",
	},
}

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "exercise an emulated USB host controller"
	app.Version = version
	app.Flags = globalFlags
	app.Commands = []cli.Command{
		runCommand,
		restoreCommand,
		configCommand,
	}
	app.Before = func(c *cli.Context) error {
		logger, err := newLogger(os.Stderr, c.GlobalString("log-format"), c.GlobalBool("debug"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger picks a text handler for terminals and JSON otherwise unless the
// format is forced.
func newLogger(w *os.File, format string, debug bool) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if format == "auto" {
		format = "json"
		if term.IsTerminal(int(w.Fd())) {
			format = "text"
		}
	}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func loadConfig(c *cli.Context) (config.File, error) {
	path := c.GlobalString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

var configCommand = cli.Command{
	Name:      "config",
	Usage:     "write the effective configuration to a file",
	ArgsUsage: "<file.yaml|file.toml>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("config: expected one output path", 2)
		}
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		return config.Write(c.Args().First(), cfg)
	},
}
