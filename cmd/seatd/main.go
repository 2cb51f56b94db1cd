// Command seatd is the seat-management daemon: it arbitrates exclusive
// access to evdev/DRM/hidraw/wscons device nodes across VT/session
// switches, handing fds to unprivileged clients over a local socket.
package main

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	flags "github.com/jessevdk/go-flags"

	"github.com/seatd-go/seatd/internal/logging"
	"github.com/seatd-go/seatd/internal/server"
)

// version is overridden at build time via -ldflags.
var version = "dev"

type options struct {
	Version bool   `short:"v" long:"version" description:"print version and exit"`
	ReadyFd int    `short:"n" long:"notify-fd" default:"-1" description:"write one byte to this fd once listening, then close it"`
	Sock    string `short:"s" long:"socket" description:"socket path (default: $SEATD_SOCK or /run/seatd.sock)"`
	User    string `short:"u" long:"user" description:"chown the socket to this user"`
	Group   string `short:"g" long:"group" description:"chown the socket to this group"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return 0
		}
		return 1
	}

	if opts.Version {
		fmt.Println("seatd", version)
		return 0
	}

	logging.Init(envOr("SEATD_LOGLEVEL", "error"), os.Stderr)

	cfg, err := buildConfig(opts)
	if err != nil {
		logging.Error("invalid configuration", "err", err)
		return 1
	}

	srv, err := server.New(cfg)
	if err != nil {
		logging.Error("failed to construct server", "err", err)
		return 1
	}

	if err := srv.Run(); err != nil {
		logging.Error("server exited with error", "err", err)
		return 1
	}
	return 0
}

func buildConfig(opts options) (server.Config, error) {
	cfg := server.Config{
		SocketPath: opts.Sock,
		VTBound:    envOr("SEATD_VTBOUND", "1") != "0",
		ChownUID:   -1,
		ChownGID:   -1,
		ReadyFd:    opts.ReadyFd,
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = envOr("SEATD_SOCK", server.DefaultSocketPath)
	}

	if opts.User != "" {
		uid, err := resolveUID(opts.User)
		if err != nil {
			return server.Config{}, fmt.Errorf("resolve user %q: %w", opts.User, err)
		}
		cfg.ChownUID = uid
	}
	if opts.Group != "" {
		gid, err := resolveGID(opts.Group)
		if err != nil {
			return server.Config{}, fmt.Errorf("resolve group %q: %w", opts.Group, err)
		}
		cfg.ChownGID = gid
	}
	return cfg, nil
}

func resolveUID(name string) (int, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return n, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

func resolveGID(name string) (int, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return n, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
