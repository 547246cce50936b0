package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/Sebx/mitoxide/internal/agent"
	"github.com/Sebx/mitoxide/internal/bootstrap"
	"github.com/Sebx/mitoxide/internal/cache"
	mux "github.com/Sebx/mitoxide/internal/multiplex"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/Sebx/mitoxide/internal/transport"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var version string

// stdio is the multiplexed channel. Nothing else may write to stdout.
type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error {
	_ = os.Stdin.Close()
	return os.Stdout.Close()
}

// announce tells the bootstrapper we are up, and removes our file if we were
// started from disk.
func announce() error {
	if path := os.Getenv("MX_SELF_DELETE"); path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warnf("removing %v: %v", path, err)
		}
	}
	if banner := os.Getenv("MX_BANNER"); banner != "" {
		if _, err := fmt.Fprintln(os.Stdout, banner); err != nil {
			return err
		}
	}
	_ = os.Unsetenv("MX_SELF_DELETE")
	_ = os.Unsetenv("MX_BANNER")
	return nil
}

func serve(c *cli.Context) error {
	lvl, err := log.ParseLevel(c.String("verbosity"))
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if err := announce(); err != nil {
		return err
	}

	r := agent.NewRouter(proto.Hello{AgentVersion: version, OS: runtime.GOOS, Arch: runtime.GOARCH})
	relay := &agent.Relay{
		Spawner: &transport.SSH{
			Binary:                c.String("ssh-binary"),
			StrictHostKeyChecking: c.String("strict-host-key-checking"),
		},
		Agents:  bootstrap.NewAgents(cache.NewMemory()),
		Timeout: c.Duration("relay-timeout"),
	}
	r.Handle(proto.KindRelay, relay.Handle)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sesh := mux.MakeSession(stdio{os.Stdin, os.Stdout}, mux.SessionConfig{})
	log.Infof("mx-agent %v serving on stdio", version)
	err = r.Serve(ctx, sesh)
	if err == nil {
		if cause := sesh.Err(); cause != nil {
			log.Debugf("session ended: %v", cause)
		}
	}
	return err
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stderr)

	app := &cli.App{
		Name:    "mx-agent",
		Usage:   "serve mitoxide requests on stdin and stdout",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "log level, logs go to stderr",
				Value: "warn",
			},
			&cli.StringFlag{
				Name:  "ssh-binary",
				Usage: "ssh client used to relay to further hops",
			},
			&cli.StringFlag{
				Name:  "strict-host-key-checking",
				Usage: "StrictHostKeyChecking for relayed hops, e.g. accept-new",
			},
			&cli.DurationFlag{
				Name:  "relay-timeout",
				Usage: "how long bringing up a relayed hop may take",
				Value: agent.DefaultRelayTimeout,
			},
		},
		Action: serve,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
