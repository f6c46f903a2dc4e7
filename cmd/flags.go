// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/absmach/v4proxy"
	"github.com/spf13/pflag"
)

const usage = `Usage: v4proxy [flags]

Forwards TCP and UDP traffic from local IPv4 ports to (IPv6) targets.

Mappings are comma separated entries of the form
  protocol:local_port[:remote_port][@target]
for example
  tcp:25565@mc.example.net,udp:24454,tcp:8080:80@[2001:db8::1]

Every flag can also be set with a V4PROXY_* environment variable or a .env
file. Flags win over the environment.

Flags:
`

func newFlagSet(out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("v4proxy", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprint(out, usage)
		fs.PrintDefaults()
	}

	fs.StringP("mappings", "m", "", "port mappings, e.g. tcp:8080:80@web.example.com,udp:53")
	fs.String("default-target", "localhost", "target used by mappings without @target")
	fs.Uint64("timeout", 30, "TCP connect timeout in seconds")
	fs.Int("buffer-size", 8192, "per-direction forwarding buffer size in bytes")
	fs.Uint64("udp-session-timeout", 60, "UDP session idle timeout in seconds")
	fs.String("listen-host", "0.0.0.0", "local address every mapping binds to")
	fs.Int("proxy-protocol", 0, "send a PROXY protocol header (1 or 2) on TCP upstreams, 0 disables")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.String("log-format", "text", "log format: text or json")
	fs.String("metrics-addr", "", "address of the Prometheus /metrics endpoint, empty disables")
	fs.String("health-addr", "", "address of the /health, /ready and /live endpoints, empty disables")

	return fs
}

// applyFlags copies every flag the user set explicitly onto cfg.
func applyFlags(fs *pflag.FlagSet, cfg *v4proxy.Config) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "mappings":
			cfg.Mappings, err = fs.GetString(f.Name)
		case "default-target":
			cfg.DefaultTarget, err = fs.GetString(f.Name)
		case "timeout":
			cfg.ConnectTimeout, err = seconds(fs, f.Name)
		case "buffer-size":
			cfg.BufferSize, err = fs.GetInt(f.Name)
		case "udp-session-timeout":
			cfg.UDPSessionTimeout, err = seconds(fs, f.Name)
		case "listen-host":
			cfg.ListenHost, err = fs.GetString(f.Name)
		case "proxy-protocol":
			cfg.ProxyProtocol, err = fs.GetInt(f.Name)
		case "log-level":
			cfg.LogLevel, err = fs.GetString(f.Name)
		case "log-format":
			cfg.LogFormat, err = fs.GetString(f.Name)
		case "metrics-addr":
			cfg.MetricsAddr, err = fs.GetString(f.Name)
		case "health-addr":
			cfg.HealthAddr, err = fs.GetString(f.Name)
		}
	})
	return err
}

func seconds(fs *pflag.FlagSet, name string) (time.Duration, error) {
	s, err := fs.GetUint64(name)
	if err != nil {
		return 0, err
	}
	return time.Duration(s) * time.Second, nil
}
