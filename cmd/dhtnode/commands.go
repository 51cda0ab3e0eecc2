package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	dhtring "go-dhtring"
	"go-dhtring/protocol"
)

const prompt = "enter command: "

var (
	errEmptyLine      = errors.New("empty command")
	errUnknownCommand = errors.New("command not understood, try again")
)

// peer is the part of *dhtring.Node the shell drives.
type peer interface {
	Register(ctx context.Context, name string, port int) error
	SetupDHT(ctx context.Context, size int) error
	QueryDHT(ctx context.Context, key string) (protocol.Record, error)
	LeaveDHT(ctx context.Context) error
	TeardownDHT(ctx context.Context) error
	Deregister(ctx context.Context) error
	String() string
}

var _ peer = (*dhtring.Node)(nil)

// command is one parsed console line.
type command struct {
	verb string
	name string
	key  string
	port int
	n    int
}

// parseCommand splits a console line into a verb and its validated arguments.
func parseCommand(line string) (command, error) {
	var fields = strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errEmptyLine
	}

	var cmd = command{verb: fields[0]}
	switch cmd.verb {
	case "help", "status", "exit", "leave-dht", "deregister", "teardown-dht":
		return cmd, nil

	case "register":
		if len(fields) != 3 {
			return cmd, fmt.Errorf("usage: register <user-name> <port>")
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return cmd, fmt.Errorf("port must be a number: %w", err)
		}
		cmd.name, cmd.port = fields[1], port
		return cmd, nil

	case "setup-dht":
		if len(fields) != 2 {
			return cmd, fmt.Errorf("usage: setup-dht <n>")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return cmd, fmt.Errorf("ring size must be a number: %w", err)
		}
		cmd.n = n
		return cmd, nil

	case "query-dht":
		if len(fields) < 2 {
			return cmd, fmt.Errorf("usage: query-dht <long-name>")
		}
		cmd.key = strings.Join(fields[1:], " ")
		return cmd, nil

	default:
		return cmd, errUnknownCommand
	}
}

// shell runs console commands against a peer.
type shell struct {
	peer peer
	out  io.Writer
}

// serve executes lines until exit, deregistration, end of input or ctx is done.
func (s *shell) serve(ctx context.Context, lines <-chan string) error {
	s.help()
	for {
		fmt.Fprint(s.out, prompt)

		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if s.execute(ctx, line) {
				return nil
			}
		}
	}
}

// execute runs one line and reports whether the shell should stop.
func (s *shell) execute(ctx context.Context, line string) bool {
	cmd, err := parseCommand(line)
	switch {
	case errors.Is(err, errEmptyLine):
		return false
	case err != nil:
		fmt.Fprintln(s.out, err)
		return false
	}

	switch cmd.verb {
	case "help":
		s.help()
	case "status":
		fmt.Fprintln(s.out, s.peer.String())
	case "exit":
		return true
	case "register":
		s.report(s.peer.Register(ctx, cmd.name, cmd.port))
	case "setup-dht":
		s.report(s.peer.SetupDHT(ctx, cmd.n))
	case "query-dht":
		s.query(ctx, cmd.key)
	case "leave-dht":
		s.report(s.peer.LeaveDHT(ctx))
	case "teardown-dht":
		s.report(s.peer.TeardownDHT(ctx))
	case "deregister":
		var err = s.peer.Deregister(ctx)
		s.report(err)
		return err == nil
	}
	return false
}

func (s *shell) query(ctx context.Context, key string) {
	record, err := s.peer.QueryDHT(ctx, key)
	switch {
	case errors.Is(err, dhtring.ErrNotFound):
		fmt.Fprintf(s.out, "%s: %q\n", protocol.StatusNotFound, key)
	case err != nil:
		s.report(err)
	default:
		fmt.Fprintln(s.out, protocol.StatusSuccess)
		for _, field := range record.Fields() {
			fmt.Fprintf(s.out, "  %s: %s\n", field, record[field])
		}
	}
}

func (s *shell) report(err error) {
	if err != nil {
		fmt.Fprintf(s.out, "%s: %v\n", protocol.StatusFailure, err)
		return
	}
	fmt.Fprintln(s.out, protocol.StatusSuccess)
}

func (s *shell) help() {
	fmt.Fprint(s.out, `
Available commands:
help
status
register <user-name> <port>
setup-dht <n>
query-dht <long-name>
leave-dht
deregister
teardown-dht
exit

`)
}
