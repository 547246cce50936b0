package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sebx/mitoxide/internal/fault"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/Sebx/mitoxide/internal/transport"
	"github.com/Sebx/mitoxide/libmitoxide/client"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var version string

func loadConfig(c *cli.Context) (client.Config, error) {
	raw := &client.RawConfig{}
	if path := c.String("config"); path != "" {
		var err error
		raw, err = client.ParseConfig(path)
		if err != nil {
			return client.Config{}, err
		}
	}
	if c.IsSet("route") {
		raw.Route = c.String("route")
	}
	if c.IsSet("agent-dir") {
		raw.AgentDir = c.String("agent-dir")
	}
	cfg, err := raw.Process()
	if err != nil {
		return cfg, err
	}
	if c.Bool("local") {
		cfg.Spawner = &transport.Local{}
		if len(cfg.Route) == 0 {
			cfg.Route = []proto.Hop{{Host: "localhost"}}
		}
	}
	if len(cfg.Route) == 0 {
		return cfg, errors.New("no route given, use --route or a config file")
	}
	return cfg, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad environment variable %q, want KEY=VALUE", kv)
		}
		env[k] = v
	}
	return env, nil
}

// exitCode is what we exit with when the command itself could not be run
const exitCode = 255

func run(c *cli.Context) error {
	lvl, err := log.ParseLevel(c.String("verbosity"))
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if c.NArg() == 0 {
		return errors.New("no command given")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	env, err := parseEnv(c.StringSlice("env"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := c.Duration("timeout"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	sesh, err := client.NewSession(cfg)
	if err != nil {
		return err
	}
	defer sesh.Close()

	target, err := sesh.Connect(ctx, nil, nil)
	if err != nil {
		var re *fault.RouteError
		if errors.As(err, &re) {
			return fmt.Errorf("hop %d (%v) failed: %w", re.Hop, re.Target, re.Err)
		}
		return err
	}
	defer target.Close()

	req, err := proto.NewRequest(proto.KindProcessExec, &proto.ProcessExec{
		Command: c.Args().Slice(),
		Env:     env,
		Cwd:     c.String("cwd"),
		Stream:  true,
	})
	if err != nil {
		return err
	}
	start := time.Now()
	call, err := target.OpenStream(ctx, req)
	if err != nil {
		return err
	}
	defer call.Close()
	for {
		m, err := call.Next()
		if err != nil {
			return err
		}
		switch m.Type {
		case proto.TypeStreamData:
			out := os.Stdout
			if m.Channel == proto.ChannelStderr {
				out = os.Stderr
			}
			_, _ = out.Write(m.Data)
			continue
		case proto.TypeResponse:
		default:
			continue
		}
		if err := m.Err(); err != nil {
			return err
		}
		var res proto.ProcessResult
		if err := m.Decode(&res); err != nil {
			return err
		}
		log.Debugf("%v exited with %d after %v", c.Args().First(), res.ExitCode, time.Since(start))
		if res.ExitCode != 0 {
			return cli.Exit("", res.ExitCode)
		}
		return nil
	}
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stderr)
	client.Version = version

	app := &cli.App{
		Name:      "mx-run",
		Usage:     "run a command on the far end of a route of ssh hops",
		UsageText: "mx-run --route bastion,db [options] -- command [args...]",
		Version:   version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "route",
				Aliases: []string{"r"},
				Usage:   "comma separated [user@]host[:port] hops, first hop first",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a JSON or TOML client config",
			},
			&cli.StringFlag{
				Name:  "agent-dir",
				Usage: "directory of mx-agent-<os>-<arch> builds to ship",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "give up on the whole run after this long",
			},
			&cli.BoolFlag{
				Name:  "local",
				Usage: "spawn hops as local shells instead of over ssh",
			},
			&cli.StringSliceFlag{
				Name:    "env",
				Aliases: []string{"e"},
				Usage:   "KEY=VALUE set for the command, repeatable",
			},
			&cli.StringFlag{
				Name:  "cwd",
				Usage: "working directory of the command",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "log level",
				Value: "warn",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			os.Exit(ec.ExitCode())
		}
		log.Error(err)
		os.Exit(exitCode)
	}
}
