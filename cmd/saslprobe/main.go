// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.

// saslprobe negotiates SASL over a raw AMQP connection, as a client
// against a broker or as a one-shot test server. Credentials come
// from the environment (or a .env file): SASL_USERNAME,
// SASL_PASSWORD, SASL_IDENTITY and SASL_TRACE.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	amqpsasl "github.com/golang-auth/go-amqp-sasl"
	"github.com/golang-auth/go-amqp-sasl/common"
	"github.com/golang-auth/go-amqp-sasl/frames"
	"github.com/golang-auth/go-amqp-sasl/mech"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	var (
		connect     = flag.String("connect", "", "negotiate as a client against host:port")
		listen      = flag.String("listen", "", "accept connections on host:port and authenticate them")
		mechList    = flag.String("mech", "", "comma-separated mechanism preference list")
		hostname    = flag.String("hostname", "", "vhost to announce in the sasl-init frame")
		maxFrame    = flag.Uint("max-frame", frames.MinMaxFrameSize, "maximum frame size in bytes")
		trace       = flag.Bool("trace", false, "log every frame sent and received")
		debug       = flag.Bool("debug", false, "enable engine debug logging")
		timeout     = flag.Duration("timeout", 10*time.Second, "per-read and per-write deadline")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	// Load .env file if present (ignore error if missing)
	_ = godotenv.Load()

	level := slog.LevelInfo
	if *trace || *debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	if (*connect == "") == (*listen == "") {
		slog.Error("exactly one of -connect and -listen is required")
		os.Exit(2)
	}

	size, err := frameSize(*maxFrame)
	if err != nil {
		slog.Error("invalid -max-frame", "error", err)
		os.Exit(2)
	}

	cfg := common.Config{
		Identity: os.Getenv("SASL_IDENTITY"),
		Username: os.Getenv("SASL_USERNAME"),
		Password: os.Getenv("SASL_PASSWORD"),
		Trace:    os.Getenv("SASL_TRACE"),
	}

	opts := probeOptions{
		maxFrame: size,
		trace:    *trace,
		debug:    *debug,
		timeout:  *timeout,
		hostname: *hostname,
	}
	if *mechList != "" {
		opts.mechs = strings.Split(*mechList, ",")
	}

	if *connect != "" {
		err = runClient(*connect, cfg, opts)
	} else {
		err = runServer(*listen, cfg, opts)
	}
	if err != nil {
		slog.Error("probe failed", "error", err)
		os.Exit(1)
	}
}

type probeOptions struct {
	maxFrame uint32
	mechs    []string
	hostname string
	trace    bool
	debug    bool
	timeout  time.Duration
}

// frameSize narrows the -max-frame flag value, which flag.Uint holds
// as a platform-sized uint, rejecting values that do not fit the wire
// representation instead of letting them wrap.
func frameSize(v uint) (uint32, error) {
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%d does not fit in 32 bits", v)
	}

	return uint32(v), nil
}

func (o probeOptions) transport() (*amqpsasl.Transport, error) {
	topts := []amqpsasl.TransportOption{
		amqpsasl.WithMaxFrameSize(o.maxFrame),
	}
	if o.trace {
		topts = append(topts, amqpsasl.WithFrameTracer(func(d amqpsasl.Dir, body frames.Body) {
			slog.Debug("frame", "dir", d, "performative", body.Name())
		}))
	}
	if o.debug {
		topts = append(topts, amqpsasl.WithDebugLogger(log.New(os.Stderr, "engine: ", log.Lmicroseconds)))
	}

	return amqpsasl.NewTransport(topts...)
}

func runClient(addr string, cfg common.Config, opts probeOptions) error {
	conn, err := net.DialTimeout("tcp", addr, opts.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	t, err := opts.transport()
	if err != nil {
		return err
	}

	copts := []mech.ClientOption{}
	if len(opts.mechs) > 0 {
		copts = append(copts, mech.WithMechList(opts.mechs))
	}
	if opts.hostname != "" {
		copts = append(copts, mech.WithHostname(opts.hostname))
	}
	c, err := mech.NewClient(t.Sasl(), cfg, copts...)
	if err != nil {
		return err
	}

	if err := pump(conn, t, c.Advance, opts.timeout); err != nil {
		return err
	}

	outcome := t.Sasl().Outcome()
	slog.Info("negotiation finished", "mech", c.Mech(), "outcome", outcome)
	if outcome != amqpsasl.OutcomeOK {
		return fmt.Errorf("authentication failed: %s", outcome)
	}

	return nil
}

func runServer(addr string, cfg common.Config, opts probeOptions) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	slog.Info("listening", "addr", ln.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("shutting down")
				return nil
			}
			return err
		}

		if err := serve(conn, cfg, opts); err != nil {
			slog.Error("negotiation failed", "peer", conn.RemoteAddr(), "error", err)
		}
		conn.Close()
	}
}

func serve(conn net.Conn, cfg common.Config, opts probeOptions) error {
	t, err := opts.transport()
	if err != nil {
		return err
	}

	sopts := []mech.ServerOption{}
	if len(opts.mechs) > 0 {
		sopts = append(sopts, mech.WithAdvertisedMechs(opts.mechs))
	}
	sr, err := mech.NewServer(t.Sasl(), serverConfig(cfg), sopts...)
	if err != nil {
		return err
	}

	if err := pump(conn, t, sr.Advance, opts.timeout); err != nil {
		return err
	}

	s := t.Sasl()
	hostname, _ := s.Hostname()
	slog.Info("negotiation finished",
		"peer", conn.RemoteAddr(),
		"hostname", hostname,
		"identity", sr.Identity(),
		"outcome", s.Outcome(),
	)

	return nil
}

// serverConfig turns the probe's environment credentials into the
// validation callbacks: the configured username/password pair is the
// only one accepted, and ANONYMOUS and EXTERNAL always succeed.
func serverConfig(cfg common.Config) common.Config {
	out := common.Config{
		AllowAnonymous: func(trace string) error {
			slog.Debug("anonymous client", "trace", trace)
			return nil
		},
		AllowExternal: func(identity string) error {
			slog.Debug("external client", "identity", identity)
			return nil
		},
	}
	if cfg.Username != "" {
		out.Authenticate = func(identity, username, password string) error {
			if username != cfg.Username || password != cfg.Password {
				return errors.New("bad credentials")
			}
			return nil
		}
		out.LookupPassword = func(username string) (string, error) {
			if username != cfg.Username {
				return "", errors.New("no such user")
			}
			return cfg.Password, nil
		}
	}

	return out
}

// pump shuttles bytes between the transport and the connection until
// the negotiation completes and everything owed to the peer has been
// written.
func pump(conn net.Conn, t *amqpsasl.Transport, advance func() error, timeout time.Duration) error {
	s := t.Sasl()
	buf := make([]byte, 4096)

	for {
		if err := advance(); err != nil {
			return err
		}

		out, err := t.Output()
		if err != nil {
			return err
		}
		if len(out) > 0 {
			conn.SetWriteDeadline(time.Now().Add(timeout))
			if _, err := conn.Write(out); err != nil {
				return err
			}
			continue
		}

		if s.Complete() {
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(timeout))
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}
		if err := t.Input(buf[:n]); err != nil {
			return err
		}
	}
}
