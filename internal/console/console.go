// Package console implements the operator shell for a controller session:
// one command per line, tokenised like a POSIX shell.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/shlex"
	"golang.org/x/term"

	"github.com/chaz8081/uvscctl/internal/ble"
	"github.com/chaz8081/uvscctl/internal/ble/protocol"
)

// Controller is the session surface the shell drives.
type Controller interface {
	State() ble.ConnectionState
	Target() (ble.Device, bool)
	Packet(key string) (protocol.Packet, bool)
	Snapshot() ble.Snapshot
	Deliver(ctx context.Context, cmd protocol.Command, opts ble.RetryOptions) error
	Connect(ctx context.Context, device ble.Device) error
	Disconnect(ctx context.Context) error
}

// Compile-time interface satisfaction check.
var _ Controller = (*ble.Session)(nil)

// ErrUsage marks a malformed command line.
var ErrUsage = errors.New("usage")

const help = `commands:
  status               connection state and target
  packets              every cached packet
  get KEY              latest value for KEY
  history              latest ACH history row
  mode charge|off      switch charging on or off
  clock                set the device clock to now
  send KEY VALUE       send an arbitrary command and wait for its echo
  connect ADDR [NAME]  switch to another device
  disconnect           drop the link and stop reconnecting
  help                 this text
  exit                 leave the shell
`

// Shell executes console commands against a Controller.
type Shell struct {
	ctl     Controller
	out     io.Writer
	timeout time.Duration
	now     func() time.Time
}

// New creates a shell writing to out. timeout bounds each command; zero
// means no bound beyond the session's own retry limits.
func New(ctl Controller, out io.Writer, timeout time.Duration) *Shell {
	return &Shell{ctl: ctl, out: out, timeout: timeout, now: time.Now}
}

// IsInteractive reports whether f is a terminal, i.e. whether a prompt
// should be shown.
func IsInteractive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Run reads commands from in until EOF, "exit" or ctx is done. Command
// errors are printed and do not stop the loop.
func (s *Shell) Run(ctx context.Context, in io.Reader, interactive bool) error {
	prompt := func() {
		if interactive {
			fmt.Fprint(s.out, "> ")
		}
	}
	scanner := bufio.NewScanner(in)
	for prompt(); scanner.Scan(); prompt() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		args, err := shlex.Split(scanner.Text())
		if err != nil {
			fmt.Fprintf(s.out, "invalid command: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return nil
		}
		if err := s.Exec(ctx, args); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading command: %w", err)
	}
	return nil
}

// Exec runs one already tokenised command.
func (s *Shell) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: empty command", ErrUsage)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	switch name, rest := args[0], args[1:]; name {
	case "help":
		fmt.Fprint(s.out, help)
		return nil
	case "status":
		return s.status()
	case "packets":
		return s.packets()
	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("%w: get KEY", ErrUsage)
		}
		return s.get(rest[0])
	case "history":
		return s.history()
	case "mode":
		if len(rest) != 1 {
			return fmt.Errorf("%w: mode charge|off", ErrUsage)
		}
		m, err := protocol.ParseMode(rest[0])
		if err != nil {
			return err
		}
		return s.deliver(ctx, protocol.SetMode(m))
	case "clock":
		return s.deliver(ctx, protocol.SetClock(s.now()))
	case "send":
		if len(rest) < 2 {
			return fmt.Errorf("%w: send KEY VALUE", ErrUsage)
		}
		// Unknown keys are echoed back untrimmed and compared verbatim, so a
		// device that appends CR/LF to the echo never acknowledges them.
		return s.deliver(ctx, protocol.Command{Key: rest[0], Value: strings.Join(rest[1:], " ")})
	case "connect":
		if len(rest) < 1 || len(rest) > 2 {
			return fmt.Errorf("%w: connect ADDR [NAME]", ErrUsage)
		}
		dev := ble.Device{Address: rest[0]}
		if len(rest) == 2 {
			dev.Name = rest[1]
		}
		if err := s.ctl.Connect(ctx, dev); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "connecting to %s\n", dev.Address)
		return nil
	case "disconnect":
		if err := s.ctl.Disconnect(ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "disconnected")
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q (try help)", ErrUsage, name)
	}
}

func (s *Shell) status() error {
	fmt.Fprintf(s.out, "state:  %s\n", s.ctl.State())
	if d, ok := s.ctl.Target(); ok {
		if d.Name != "" {
			fmt.Fprintf(s.out, "target: %s (%s)\n", d.Address, d.Name)
		} else {
			fmt.Fprintf(s.out, "target: %s\n", d.Address)
		}
	} else {
		fmt.Fprintln(s.out, "target: none")
	}
	return nil
}

func (s *Shell) packets() error {
	snap := s.ctl.Snapshot()
	if len(snap) == 0 {
		fmt.Fprintln(s.out, "no packets")
		return nil
	}
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		p := snap[k]
		fmt.Fprintf(s.out, "%-8s %-12s %s\n", p.Key, p.Kind, p.Value)
	}
	return nil
}

func (s *Shell) get(key string) error {
	p, ok := s.ctl.Packet(key)
	if !ok {
		return fmt.Errorf("no %s packet received", key)
	}
	fmt.Fprintln(s.out, p.Value)
	return nil
}

func (s *Shell) history() error {
	p, ok := s.ctl.Packet(protocol.KeyHistory)
	if !ok {
		return fmt.Errorf("no %s packet received", protocol.KeyHistory)
	}
	entry, err := protocol.ParseHistory(p)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "#%d %s %s\n", entry.Index, entry.Date, entry.Time)
	return nil
}

func (s *Shell) deliver(ctx context.Context, cmd protocol.Command) error {
	if err := s.ctl.Deliver(ctx, cmd, ble.RetryOptions{}); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	fmt.Fprintf(s.out, "ok %s\n", cmd)
	return nil
}
