// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Binary emctl issues commands to a relay, either over the relay protocol
// or through its control HTTP surface.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"

	"github.com/authentic-execution/eventmanager/auth"
	"github.com/authentic-execution/eventmanager/routing"
	"github.com/authentic-execution/eventmanager/web/client"
	"github.com/authentic-execution/eventmanager/wire"
)

type globalFlags struct {
	addr    string
	control string
	user    string
	timeout time.Duration
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var g globalFlags
	flagSet := pflag.NewFlagSet("emctl", pflag.ContinueOnError)
	flagSet.StringVar(&g.addr, "addr", "localhost:1236", "Address (host:port) of the relay")
	flagSet.StringVar(&g.control, "control", "localhost:8081", "Address (host:port) of the relay's control server")
	flagSet.StringVar(&g.user, "user", "emctl", "User to authenticate to the control server as")
	flagSet.DurationVar(&g.timeout, "timeout", 30*time.Second, "Limit on each exchange with the relay")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printHelp(flagSet) }
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() == 0 {
		printHelp(flagSet)
		return errors.New("missing command")
	}
	name, rest := flagSet.Arg(0), flagSet.Args()[1:]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	switch name {
	case "connections", "modules", "loglevel", "events":
		return runControl(ctx, g, name, rest)
	}
	cmd, err := buildCommand(name, rest)
	if err != nil {
		return err
	}
	c, err := wire.Dial(ctx, g.addr, g.timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	res, err := c.Do(cmd)
	if err != nil {
		return err
	}
	fmt.Printf("%v\n", res.Code)
	if len(res.Payload) > 0 {
		fmt.Printf("%x\n", res.Payload)
	}
	if res.Code != wire.Ok {
		return fmt.Errorf("%v failed: %w", cmd.Code, res.Code)
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `emctl sends one command to a relay and prints the result.

Usage:
  emctl [flags] <command> [command flags]

Relay commands:
  ping
  add-connection     --conn N --module N (--local | --dest host:port)
  remove-connection  --conn N
  call               --module N --entry N [--data hex]
  remote-output      --module N --conn N --ciphertext hex --tag hex
  load               --module N --uuid UUID --image path
  unload             --module N
  periodic           --module N --entry N --period duration

Control commands (authenticated with $%s if set):
  connections | modules | events | loglevel [level]

Flags:
`, auth.SecretEnv)
	flagSet.PrintDefaults()
}

// buildCommand parses the flags of a relay command into its frame
func buildCommand(name string, args []string) (*wire.Command, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	conn := fs.Uint16("conn", 0, "connection id")
	module := fs.Uint16("module", 0, "module id")
	entry := fs.Uint16("entry", 0, "entrypoint index")
	local := fs.Bool("local", false, "connection is to a module on the same relay")
	dest := fs.String("dest", "", "relay hosting the connection's destination module (ipv4:port)")
	data := fs.String("data", "", "hex encoded entrypoint argument")
	ciphertext := fs.String("ciphertext", "", "hex encoded event ciphertext")
	tag := fs.String("tag", "", "hex encoded event tag")
	id := fs.String("uuid", "", "enclave uuid")
	image := fs.String("image", "", "path of the enclave image")
	period := fs.Duration("period", time.Second, "period of the entrypoint")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch name {
	case "ping":
		return &wire.Command{Code: wire.Ping}, nil
	case "add-connection":
		p := wire.AddConnectionPayload{ConnID: *conn, ModuleID: *module, Local: *local}
		if !*local {
			addr, err := parseDest(*dest)
			if err != nil {
				return nil, err
			}
			p.Addr, p.Port = addr.Addr().As4(), addr.Port()
		}
		return &wire.Command{Code: wire.AddConnection, Payload: p.Marshal()}, nil
	case "remove-connection":
		return &wire.Command{Code: wire.RemoveConnection, Payload: wire.MarshalID(*conn)}, nil
	case "call":
		b, err := hex.DecodeString(*data)
		if err != nil {
			return nil, fmt.Errorf("--data: %w", err)
		}
		p := wire.CallEntrypointPayload{ModuleID: *module, Entry: *entry, Data: b}
		return &wire.Command{Code: wire.CallEntrypoint, Payload: p.Marshal()}, nil
	case "remote-output":
		ct, err := hex.DecodeString(*ciphertext)
		if err != nil {
			return nil, fmt.Errorf("--ciphertext: %w", err)
		}
		t, err := hex.DecodeString(*tag)
		if err != nil || len(t) != wire.TagSize {
			return nil, fmt.Errorf("--tag must be %d hex encoded bytes", wire.TagSize)
		}
		p := wire.RemoteOutputPayload{ModuleID: *module, ConnID: *conn, Ciphertext: ct}
		copy(p.Tag[:], t)
		return &wire.Command{Code: wire.RemoteOutput, Payload: p.Marshal()}, nil
	case "load":
		u, err := parseUUID(*id)
		if err != nil {
			return nil, err
		}
		b, err := os.ReadFile(*image)
		if err != nil {
			return nil, fmt.Errorf("reading image: %w", err)
		}
		p := wire.LoadEnclavePayload{ModuleID: *module, UUID: u, Image: b}
		return &wire.Command{Code: wire.LoadEnclave, Payload: p.Marshal()}, nil
	case "unload":
		return &wire.Command{Code: wire.UnloadEnclave, Payload: wire.MarshalID(*module)}, nil
	case "periodic":
		ms := period.Milliseconds()
		if ms <= 0 || ms > int64(^uint32(0)) {
			return nil, fmt.Errorf("--period %v out of range", *period)
		}
		p := wire.RegisterPeriodicPayload{ModuleID: *module, Entry: *entry, PeriodMillis: uint32(ms)}
		return &wire.Command{Code: wire.RegisterPeriodicEntrypoint, Payload: p.Marshal()}, nil
	}
	return nil, fmt.Errorf("unknown command %q", name)
}

func runControl(ctx context.Context, g globalFlags, name string, args []string) error {
	authenticator, _, err := auth.FromEnv()
	if err != nil {
		return err
	}
	cc := &client.ControlClient{Addr: g.control, User: g.user, Auth: authenticator}
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	switch name {
	case "connections":
		conns, err := cc.Connections(ctx)
		if err != nil {
			return err
		}
		return out.Encode(conns)
	case "modules":
		modules, err := cc.Modules(ctx)
		if err != nil {
			return err
		}
		return out.Encode(modules)
	case "loglevel":
		if len(args) != 1 {
			return errors.New("usage: emctl loglevel <level>")
		}
		return cc.SetLogLevel(ctx, args[0])
	case "events":
		err := cc.Events(ctx, func(d routing.Delivery) {
			if err := json.NewEncoder(os.Stdout).Encode(d); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unknown command %q", name)
}
