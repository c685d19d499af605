package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/guseggert/carnifex/agent"
	"github.com/guseggert/carnifex/inductor"
	"github.com/guseggert/carnifex/inductor/docker"
	"github.com/guseggert/carnifex/inductor/local"
	"github.com/guseggert/carnifex/inductor/remote"
	"github.com/guseggert/carnifex/protocol"
	"github.com/guseggert/carnifex/reactor"
	"github.com/guseggert/carnifex/relay"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultTimeout = 30 * time.Second

func main() {
	app := &cli.App{
		Name:  "carnifex",
		Usage: "run a process locally, in a container, or on a node agent, and relay its I/O",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "The minimum log level. One of [debug,info,warn,error].",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "run a command and print its output line by line",
				ArgsUsage: "COMMAND [ARGS...]",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "How long to wait for the process to start.",
						Value: defaultTimeout,
					},
					&cli.IntSliceFlag{
						Name:  "fd",
						Usage: "Output descriptors to relay (1 is stdout, 2 is stderr). Defaults to all.",
					},
					&cli.StringSliceFlag{
						Name:  "env",
						Usage: "Environment variables (KEY=VALUE) for the process.",
					},
					&cli.StringFlag{
						Name:  "dir",
						Usage: "The working directory of the process.",
					},
					&cli.BoolFlag{
						Name:  "no-stdin",
						Usage: "Close the process's stdin instead of forwarding ours.",
					},
					&cli.StringFlag{
						Name:  "docker-container",
						Usage: "Run the process in this running container.",
					},
					&cli.StringFlag{
						Name:  "docker-image",
						Usage: "Run the process in a new container from this image, removed afterwards.",
					},
					&cli.StringFlag{
						Name:  "agent-addr",
						Usage: "Run the process on the node agent at this host:port.",
					},
					&cli.StringFlag{
						Name:  "ca-cert-pem",
						Usage: "The CA cert PEM bytes of the node agent (base64-encoded).",
					},
					&cli.StringFlag{
						Name:  "cert-pem",
						Usage: "The client cert PEM bytes to use (base64-encoded).",
					},
					&cli.StringFlag{
						Name:  "key-pem",
						Usage: "The client key PEM bytes to use (base64-encoded).",
					},
				},
				Action: run,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level = zap.NewAtomicLevelAt(logLevel)
	return logConfig.Build()
}

// buildInductor picks where the process runs from the flags. The returned cleanup func is never nil.
func buildInductor(c *cli.Context, log *zap.SugaredLogger) (inductor.Inductor, func(), error) {
	noop := func() {}
	switch {
	case c.String("docker-container") != "" || c.String("docker-image") != "":
		dockerClient, err := docker.NewClient()
		if err != nil {
			return nil, noop, err
		}
		if id := c.String("docker-container"); id != "" {
			return docker.New(dockerClient, id, docker.WithLogger(log)), noop, nil
		}
		ctr, err := docker.NewContainer(c.Context, dockerClient, c.String("docker-image"), docker.WithContainerLogger(log))
		if err != nil {
			return nil, noop, err
		}
		cleanup := func() {
			if err := ctr.Close(context.Background()); err != nil {
				log.Warnf("removing container: %s", err)
			}
		}
		return ctr.Inductor(), cleanup, nil

	case c.String("agent-addr") != "":
		host, portStr, err := net.SplitHostPort(c.String("agent-addr"))
		if err != nil {
			return nil, noop, fmt.Errorf("parsing agent address: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, noop, fmt.Errorf("parsing agent port: %w", err)
		}
		ca, err := agent.DecodeCert(c.String("ca-cert-pem"), "")
		if err != nil {
			return nil, noop, fmt.Errorf("decoding CA cert: %w", err)
		}
		client, err := agent.DecodeCert(c.String("cert-pem"), c.String("key-pem"))
		if err != nil {
			return nil, noop, fmt.Errorf("decoding client cert: %w", err)
		}
		ind, err := remote.Dial(log, &agent.Certs{CA: ca, Client: client}, host, port, remote.WithWaitTimeout(c.Duration("timeout")))
		if err != nil {
			return nil, noop, err
		}
		return ind, func() { _ = ind.Close() }, nil

	default:
		return local.New(local.WithLogger(log)), noop, nil
	}
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("a command is required", 2)
	}
	logger, err := newLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	ind, cleanup, err := buildInductor(c, log)
	if err != nil {
		return fmt.Errorf("building inductor: %w", err)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	loop := reactor.New(reactor.WithLogger(log))
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	endpointOpts := []relay.Option{
		relay.WithLogger(log),
		relay.WithTimeout(c.Duration("timeout")),
		relay.WithEnv(c.StringSlice("env")...),
		relay.WithWorkingDir(c.String("dir")),
	}
	if fds := c.IntSlice("fd"); len(fds) > 0 {
		endpointOpts = append(endpointOpts, relay.WithDescriptors(fds...))
	}
	ep, err := relay.NewEndpoint(loop, ind, c.Args().First(), c.Args().Tail(), endpointOpts...)
	if err != nil {
		return err
	}

	lost := make(chan error, 1)
	lines := protocol.NewLineReceiver(func(line []byte) {
		fmt.Fprintf(c.App.Writer, "%s\n", line)
	}, protocol.WithOnLost(func(reason error) { lost <- reason }))

	var connected *relay.Completion[relay.Protocol]
	err = loop.Call(ctx, func() {
		connected = ep.Connect(ctx, relay.FactoryFunc(func(net.Addr) relay.Protocol { return lines }))
	})
	if err != nil {
		return err
	}
	if _, err := connected.Wait(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("connecting to %s: %s", c.Args().First(), err), 1)
	}

	if c.Bool("no-stdin") {
		loop.CallFromThread(func() { closeWrite(lines, log) })
	} else {
		go forwardStdin(loop, lines, os.Stdin, log)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		select {
		case sig := <-sigs:
			loop.CallFromThread(func() { forwardSignal(lines, sig.(syscall.Signal), log) })
		case reason := <-lost:
			cancel()
			<-loopDone
			return exitWith(reason)
		case err := <-loopDone:
			return err
		}
	}
}

// forwardStdin relays r to the process until EOF, then closes the process's stdin.
func forwardStdin(loop *reactor.Loop, lines *protocol.LineReceiver, r io.Reader, log *zap.SugaredLogger) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			loop.CallFromThread(func() {
				if t := lines.Transport(); t != nil {
					if err := t.Write(chunk); err != nil {
						log.Debugf("writing stdin: %s", err)
					}
				}
			})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("reading stdin: %s", err)
			}
			loop.CallFromThread(func() { closeWrite(lines, log) })
			return
		}
	}
}

func closeWrite(lines *protocol.LineReceiver, log *zap.SugaredLogger) {
	if hc, ok := lines.Transport().(relay.HalfCloser); ok {
		if err := hc.CloseWrite(); err != nil {
			log.Debugf("closing stdin: %s", err)
		}
	}
}

func forwardSignal(lines *protocol.LineReceiver, sig syscall.Signal, log *zap.SugaredLogger) {
	s, ok := lines.Transport().(relay.Signaler)
	if !ok {
		return
	}
	if err := s.Signal(sig); err != nil {
		log.Debugf("forwarding %s: %s", sig, err)
	}
}

// exitWith maps the reason the process's connection was lost to the process's exit code.
func exitWith(reason error) error {
	if errors.Is(reason, inductor.ErrProcessDone) {
		return nil
	}
	var exitErr *inductor.ExitError
	if errors.As(reason, &exitErr) && exitErr.Code > 0 {
		return cli.Exit("", exitErr.Code)
	}
	return cli.Exit(reason.Error(), 1)
}
