package console

import (
	"bytes"
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/uvscctl/internal/ble"
	"github.com/chaz8081/uvscctl/internal/ble/protocol"
)

// fakeController records commands and serves a fixed packet set.
type fakeController struct {
	mu         sync.Mutex
	state      ble.ConnectionState
	target     *ble.Device
	packets    ble.Snapshot
	delivered  []protocol.Command
	deliverErr error
	connected  []ble.Device
	released   int
}

func newFakeController() *fakeController {
	return &fakeController{packets: ble.Snapshot{}}
}

func (f *fakeController) State() ble.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) Target() (ble.Device, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.target == nil {
		return ble.Device{}, false
	}
	return *f.target, true
}

func (f *fakeController) Packet(key string) (protocol.Packet, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.packets[key]
	return p, ok
}

func (f *fakeController) Snapshot() ble.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.packets)
}

func (f *fakeController) Deliver(_ context.Context, cmd protocol.Command, _ ble.RetryOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, cmd)
	return f.deliverErr
}

func (f *fakeController) Connect(_ context.Context, d ble.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, d)
	f.target = &d
	f.state = ble.Connecting
	return nil
}

func (f *fakeController) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	f.target = nil
	f.state = ble.Disconnected
	return nil
}

func (f *fakeController) add(frame string) {
	p := protocol.Decode(frame)
	f.packets[p.Key] = p
}

func newTestShell(ctl Controller) (*Shell, *bytes.Buffer) {
	var out bytes.Buffer
	sh := New(ctl, &out, time.Second)
	sh.now = func() time.Time { return time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC) }
	return sh, &out
}

func TestExecMode(t *testing.T) {
	tests := []struct {
		arg  string
		want string
	}{
		{"charge", "ACS:100"},
		{"on", "ACS:100"},
		{"off", "ACS:200"},
		{"200", "ACS:200"},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			ctl := newFakeController()
			sh, out := newTestShell(ctl)
			if err := sh.Exec(context.Background(), []string{"mode", tt.arg}); err != nil {
				t.Fatalf("Exec() error = %v", err)
			}
			if len(ctl.delivered) != 1 || ctl.delivered[0].Frame() != tt.want {
				t.Errorf("delivered = %v, want [%s]", ctl.delivered, tt.want)
			}
			if !strings.Contains(out.String(), "ok "+tt.want) {
				t.Errorf("output = %q", out.String())
			}
		})
	}
}

func TestExecModeInvalid(t *testing.T) {
	ctl := newFakeController()
	sh, _ := newTestShell(ctl)
	if err := sh.Exec(context.Background(), []string{"mode", "turbo"}); err == nil {
		t.Error("Exec(mode turbo) should fail")
	}
	if err := sh.Exec(context.Background(), []string{"mode"}); !errors.Is(err, ErrUsage) {
		t.Errorf("Exec(mode) = %v, want ErrUsage", err)
	}
	if len(ctl.delivered) != 0 {
		t.Errorf("delivered = %v, want none", ctl.delivered)
	}
}

func TestExecClock(t *testing.T) {
	ctl := newFakeController()
	sh, _ := newTestShell(ctl)
	if err := sh.Exec(context.Background(), []string{"clock"}); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if len(ctl.delivered) != 1 || ctl.delivered[0].Frame() != "UVTime:2024-03-04 05:06:07" {
		t.Errorf("delivered = %v", ctl.delivered)
	}
}

func TestExecSendJoinsValue(t *testing.T) {
	ctl := newFakeController()
	sh, _ := newTestShell(ctl)
	if err := sh.Exec(context.Background(), []string{"send", "UVTime", "2024-01-01", "00:00:00"}); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if got := ctl.delivered[0]; got.Key != "UVTime" || got.Value != "2024-01-01 00:00:00" {
		t.Errorf("delivered = %+v", got)
	}
}

func TestExecDeliverError(t *testing.T) {
	ctl := newFakeController()
	ctl.deliverErr = ble.ErrNoAck
	sh, _ := newTestShell(ctl)
	err := sh.Exec(context.Background(), []string{"mode", "off"})
	if !errors.Is(err, ble.ErrNoAck) {
		t.Errorf("Exec() = %v, want ErrNoAck", err)
	}
}

func TestExecGetAndPackets(t *testing.T) {
	ctl := newFakeController()
	ctl.add("ACS:100")
	ctl.add("ACHS:12,ok,30")
	sh, out := newTestShell(ctl)

	if err := sh.Exec(context.Background(), []string{"get", "ACHS"}); err != nil {
		t.Fatalf("get error = %v", err)
	}
	if got := out.String(); got != "12,ok,30\n" {
		t.Errorf("get output = %q", got)
	}
	if err := sh.Exec(context.Background(), []string{"get", "ACHT"}); err == nil {
		t.Error("get on missing key should fail")
	}

	out.Reset()
	if err := sh.Exec(context.Background(), []string{"packets"}); err != nil {
		t.Fatalf("packets error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "ACHS") || !strings.HasPrefix(lines[1], "ACS") {
		t.Errorf("packets output = %q", out.String())
	}
}

func TestExecHistory(t *testing.T) {
	ctl := newFakeController()
	sh, out := newTestShell(ctl)
	if err := sh.Exec(context.Background(), []string{"history"}); err == nil {
		t.Error("history without an ACH packet should fail")
	}
	ctl.add("ACH:2, 1970-01-01 ,13349")
	if err := sh.Exec(context.Background(), []string{"history"}); err != nil {
		t.Fatalf("history error = %v", err)
	}
	if got := out.String(); got != "#2 1970-01-01 13349\n" {
		t.Errorf("history output = %q", got)
	}
}

func TestExecConnectAndStatus(t *testing.T) {
	ctl := newFakeController()
	sh, out := newTestShell(ctl)

	if err := sh.Exec(context.Background(), []string{"status"}); err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out.String(), "target: none") {
		t.Errorf("status output = %q", out.String())
	}

	if err := sh.Exec(context.Background(), []string{"connect", "AA:BB:CC:DD:EE:FF", "UVSC"}); err != nil {
		t.Fatalf("connect error = %v", err)
	}
	if len(ctl.connected) != 1 || ctl.connected[0].Name != "UVSC" {
		t.Errorf("connected = %v", ctl.connected)
	}

	out.Reset()
	_ = sh.Exec(context.Background(), []string{"status"})
	if !strings.Contains(out.String(), "state:  connecting") || !strings.Contains(out.String(), "AA:BB:CC:DD:EE:FF (UVSC)") {
		t.Errorf("status output = %q", out.String())
	}

	if err := sh.Exec(context.Background(), []string{"disconnect"}); err != nil {
		t.Fatalf("disconnect error = %v", err)
	}
	if ctl.released != 1 {
		t.Errorf("Disconnect called %d times, want 1", ctl.released)
	}
}

func TestExecUnknownCommand(t *testing.T) {
	sh, _ := newTestShell(newFakeController())
	if err := sh.Exec(context.Background(), []string{"reboot"}); !errors.Is(err, ErrUsage) {
		t.Errorf("Exec(reboot) = %v, want ErrUsage", err)
	}
}

func TestRunReadsUntilExit(t *testing.T) {
	ctl := newFakeController()
	sh, out := newTestShell(ctl)

	input := strings.Join([]string{
		"",
		"mode off",
		`send ACS "100"`,
		`send UVTime "2024-01-01 00:00:00"`,
		"bogus",
		`send "unterminated`,
		"exit",
		"mode charge",
	}, "\n")
	if err := sh.Run(context.Background(), strings.NewReader(input), false); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"ACS:200", "ACS:100", "UVTime:2024-01-01 00:00:00"}
	if len(ctl.delivered) != len(want) {
		t.Fatalf("delivered = %v, want %v", ctl.delivered, want)
	}
	for i, w := range want {
		if ctl.delivered[i].Frame() != w {
			t.Errorf("delivered[%d] = %s, want %s", i, ctl.delivered[i].Frame(), w)
		}
	}
	if !strings.Contains(out.String(), "error: usage: unknown command \"bogus\"") {
		t.Errorf("output missing unknown-command error: %q", out.String())
	}
	if !strings.Contains(out.String(), "invalid command") {
		t.Errorf("output missing tokenising error: %q", out.String())
	}
	if strings.Contains(out.String(), "> ") {
		t.Error("non-interactive run should not print a prompt")
	}
}

func TestRunPromptsWhenInteractive(t *testing.T) {
	sh, out := newTestShell(newFakeController())
	if err := sh.Run(context.Background(), strings.NewReader("help\n"), true); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "> commands:") {
		t.Errorf("output = %q", out.String())
	}
}
