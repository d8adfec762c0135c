// pricesync keeps a local cache of live stock prices in sync with a
// streaming price feed and serves it over HTTP.
//
// Usage:
//
//	pricesync run --config configs/pricesync.yaml --symbol 6758 --symbol 7203
//	pricesync check --config configs/pricesync.yaml
//	pricesync version
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/rickgao/pricesync/internal/config"
	"github.com/rickgao/pricesync/internal/version"
)

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML config `FILE`",
		Value:   "configs/pricesync.yaml",
		Sources: cli.EnvVars("PRICESYNC_CONFIG"),
	}
	envFlag := &cli.StringFlag{
		Name:  "env-file",
		Usage: "Optional dotenv `FILE` loaded before the config",
		Value: ".env",
	}

	cmd := &cli.Command{
		Name:    "pricesync",
		Usage:   "Real-time stock price sync layer",
		Version: version.String(),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Connect to the price stream and serve the HTTP API",
				Flags: []cli.Flag{
					configFlag,
					envFlag,
					&cli.StringSliceFlag{
						Name:    "symbol",
						Aliases: []string{"s"},
						Usage:   "Stock code to subscribe at startup (repeatable)",
					},
					&cli.BoolFlag{
						Name:  "market-status",
						Usage: "Subscribe to market status updates",
						Value: true,
					},
				},
				Action: runAction,
			},
			{
				Name:  "check",
				Usage: "Load and validate the config, then exit",
				Flags: []cli.Flag{configFlag, envFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					fmt.Printf("config ok: instance=%s stream=%s http=%s\n", cfg.Instance.ID, cfg.Stream.URL, cfg.HTTP.Addr)
					return nil
				},
			},
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Println(version.String())
					return nil
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the dotenv file, if present, and then the YAML config.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	envFile := cmd.String("env-file")
	if err := godotenv.Load(envFile); err != nil {
		// A missing default .env is fine; an explicit one must exist.
		if !errors.Is(err, fs.ErrNotExist) || cmd.IsSet("env-file") {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	return config.LoadAndValidate(cmd.String("config"))
}
