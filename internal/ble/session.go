package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/uvscctl/internal/ble/protocol"
)

var (
	// ErrNotConnected is returned when an operation needs a live link.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ble: session closed")
)

// ConnectionState is the link state reported to observers.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ReconnectPolicy decides what happens when a live link drops.
type ReconnectPolicy int

const (
	// ReconnectOnLinkLoss redials the current target unless Disconnect was called.
	ReconnectOnLinkLoss ReconnectPolicy = iota
	// ReconnectNever leaves the session Disconnected until Connect is called again.
	ReconnectNever
)

// ConnectFailurePolicy decides what happens when a connection attempt fails.
type ConnectFailurePolicy int

const (
	// FailureRetry reports Disconnected and redials with backoff.
	FailureRetry ConnectFailurePolicy = iota
	// FailureManual logs the failure and waits for an explicit Connect.
	FailureManual
)

// SessionOptions configures the session behavior.
type SessionOptions struct {
	ServiceUUID      string
	CharUUID         string
	Reconnect        ReconnectPolicy
	OnConnectFailure ConnectFailurePolicy
	BackoffBase      time.Duration // first redial delay after a failure (default 1s)
	ReconnectMax     time.Duration // cap on redial backoff (default 30s)
	ConnectTimeout   time.Duration // per dial; zero leaves it to the adapter
	PollInterval     time.Duration // zero disables the read-polling fallback
	SyncClock        bool          // send SetClock after every successful connect
	Retry            RetryOptions
	EventBuffer      int
	Now              func() time.Time
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ServiceUUID:    ServiceUUID,
		CharUUID:       CharUUID,
		BackoffBase:    time.Second,
		ReconnectMax:   30 * time.Second,
		ConnectTimeout: 20 * time.Second,
		SyncClock:      true,
		Retry:          DefaultRetryOptions(),
		EventBuffer:    64,
		Now:            time.Now,
	}
}

type eventKind int

const (
	evSelect eventKind = iota
	evRelease
	evDialing
	evDialed
	evDialFailed
	evNotify
	evLinkLost
)

type event struct {
	kind   eventKind
	gen    uint64
	device Device
	conn   Connection
	char   Characteristic
	data   []byte
	err    error
	done   chan struct{} // closed once a caller request is applied
	accept chan bool     // evDialed: whether the loop adopted the link
}

// link is an established connection owned by the event loop.
type link struct {
	gen  uint64
	conn Connection
	char Characteristic
	stop context.CancelFunc
}

type dialAttempt struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Session owns the connection to one target peripheral at a time.
//
// All cache and state mutation happens on a single event loop goroutine.
// Transport callbacks and caller requests are posted to it in arrival order,
// so notifications queued before a link-loss event are applied before the
// cache is cleared. Every connection attempt carries a generation number;
// events from a superseded generation are discarded.
type Session struct {
	adapter Adapter
	opts    SessionOptions

	cache *Cache
	state *watchable[ConnectionState]

	events   chan event
	sendSlot chan struct{}

	gen    atomic.Uint64 // mirrors the loop's current generation for callbacks
	live   atomic.Pointer[link]
	target atomic.Pointer[Device]

	enableMu sync.Mutex
	enabled  bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	loopDone  chan struct{}
	wg        sync.WaitGroup

	// Owned by the event loop.
	cur      *link
	attempt  *dialAttempt
	lastDial chan struct{}
	failures int
}

// NewSession creates a session over adapter and starts its event loop.
// Call Close to release it.
func NewSession(adapter Adapter, opts SessionOptions) *Session {
	def := DefaultSessionOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.CharUUID == "" {
		opts.CharUUID = def.CharUUID
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Retry = opts.Retry.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		adapter:  adapter,
		opts:     opts,
		cache:    newCache(),
		state:    newWatchable(Disconnected),
		events:   make(chan event, opts.EventBuffer),
		sendSlot: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	go s.run()
	return s
}

// Packets returns the read-only packet cache fed by this session.
func (s *Session) Packets() *Cache {
	return s.cache
}

// Packet returns the latest cached packet for key.
func (s *Session) Packet(key string) (protocol.Packet, bool) {
	return s.cache.Get(key)
}

// Snapshot returns the current packet cache contents.
func (s *Session) Snapshot() Snapshot {
	return s.cache.Snapshot()
}

// State returns the last known connection state.
func (s *Session) State() ConnectionState {
	return s.state.load()
}

// WatchState returns a channel that receives the current state immediately
// and every later transition, until ctx is done.
func (s *Session) WatchState(ctx context.Context) <-chan ConnectionState {
	return s.state.watch(ctx)
}

// Target returns the device the session is trying to stay connected to.
// ok is false when the session is idle.
func (s *Session) Target() (Device, bool) {
	d := s.target.Load()
	if d == nil {
		return Device{}, false
	}
	return *d, true
}

// Connect makes device the target and starts connecting to it. Any previous
// attempt or link is torn down first. Connect returns once the request has
// been applied; use WatchState to follow the outcome.
func (s *Session) Connect(ctx context.Context, device Device) error {
	if err := s.enable(); err != nil {
		return err
	}
	return s.request(ctx, event{kind: evSelect, device: device})
}

// Disconnect tears down the link, clears the target and the cache. No
// reconnect follows.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.request(ctx, event{kind: evRelease})
}

// Close stops the session and releases every transport resource it holds.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.loopDone
		s.wg.Wait()
	})
	return nil
}

func (s *Session) enable() error {
	s.enableMu.Lock()
	defer s.enableMu.Unlock()
	if s.enabled {
		return nil
	}
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	s.enabled = true
	return nil
}

func (s *Session) request(ctx context.Context, ev event) error {
	ev.done = make(chan struct{})
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ev.done:
		return nil
	case <-s.loopDone:
		return ErrClosed
	}
}

// post queues an event from a transport callback or dial goroutine.
func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) onNotify(gen uint64, data []byte) {
	if s.gen.Load() != gen {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.post(event{kind: evNotify, gen: gen, data: buf})
}

func (s *Session) onLinkLost(gen uint64) {
	if s.gen.Load() != gen {
		return
	}
	s.post(event{kind: evLinkLost, gen: gen})
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.ctx.Done():
			s.shutdown()
			return
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evSelect:
		s.supersede()
		dev := ev.device
		s.target.Store(&dev)
		s.failures = 0
		slog.Info("[BLE] connecting", "address", dev.Address, "name", dev.Name)
		s.state.store(Connecting)
		s.startDial(dev, 0)
		close(ev.done)

	case evRelease:
		s.supersede()
		s.target.Store(nil)
		s.state.store(Disconnected)
		slog.Info("[BLE] disconnected by request")
		close(ev.done)

	case evDialing:
		if ev.gen == s.gen.Load() && s.state.load() != Connecting {
			s.state.store(Connecting)
		}

	case evDialed:
		if ev.gen != s.gen.Load() {
			ev.accept <- false
			return
		}
		ctx, stop := context.WithCancel(s.ctx)
		l := &link{gen: ev.gen, conn: ev.conn, char: ev.char, stop: stop}
		s.cur = l
		s.live.Store(l)
		s.attempt = nil
		s.failures = 0
		s.state.store(Connected)
		ev.accept <- true
		slog.Info("[BLE] connected", "address", s.targetAddress())
		if s.opts.PollInterval > 0 {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				pollCharacteristic(ctx, l.char, s.opts.PollInterval, func(data []byte) {
					s.onNotify(l.gen, data)
				})
			}()
		}
		if s.opts.SyncClock {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.syncClock(ctx)
			}()
		}

	case evDialFailed:
		if ev.gen != s.gen.Load() {
			return
		}
		s.attempt = nil
		s.failures++
		s.state.store(Disconnected)
		if s.opts.OnConnectFailure == FailureManual {
			slog.Error("[BLE] connect failed, waiting for manual reconnect", "address", s.targetAddress(), "error", ev.err)
			return
		}
		delay := backoffDelay(s.failures-1, s.opts.BackoffBase, s.opts.ReconnectMax)
		slog.Warn("[BLE] connect failed", "address", s.targetAddress(), "error", ev.err, "attempt", s.failures, "retry_in", delay)
		s.redial(delay)

	case evNotify:
		if ev.gen != s.gen.Load() {
			return
		}
		p, ok := protocol.DecodeBytes(ev.data)
		if !ok {
			slog.Debug("[BLE] dropping non-ASCII notification", "bytes", len(ev.data))
			return
		}
		s.cache.ingest(p)
		slog.Debug("[BLE] packet received", "key", p.Key, "value", p.Value)

	case evLinkLost:
		// A drop can also arrive before the dial result is adopted; the
		// superseded result is then discarded by its dial goroutine.
		if ev.gen != s.gen.Load() {
			return
		}
		slog.Warn("[BLE] link lost", "address", s.targetAddress())
		s.supersede()
		s.state.store(Disconnected)
		if s.opts.Reconnect == ReconnectNever {
			return
		}
		s.redial(0)
	}
}

// supersede invalidates the current generation: the in-flight dial is
// cancelled, the live link is released and the cache is cleared.
func (s *Session) supersede() {
	s.gen.Add(1)
	if s.attempt != nil {
		s.attempt.cancel()
		s.attempt = nil
	}
	if s.cur != nil {
		s.release(s.cur)
		s.cur = nil
		s.live.Store(nil)
	}
	s.cache.clear()
}

func (s *Session) redial(delay time.Duration) {
	dev, ok := s.Target()
	if !ok {
		return
	}
	s.gen.Add(1)
	s.startDial(dev, delay)
}

func (s *Session) startDial(dev Device, delay time.Duration) {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	prev := s.lastDial
	s.attempt = &dialAttempt{cancel: cancel, done: done}
	s.lastDial = done
	gen := s.gen.Load()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer cancel()
		s.dial(ctx, gen, dev, delay, prev)
	}()
}

// dial runs one connection attempt. It waits for the previous attempt to
// finish so two physical connections never overlap.
func (s *Session) dial(ctx context.Context, gen uint64, dev Device, delay time.Duration, prev <-chan struct{}) {
	if prev != nil {
		<-prev
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
	}
	if ctx.Err() != nil || !s.post(event{kind: evDialing, gen: gen}) {
		return
	}

	dialCtx := ctx
	if s.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
	}
	conn, err := s.adapter.Connect(dialCtx, dev.Address)
	if err != nil {
		if ctx.Err() == nil {
			s.post(event{kind: evDialFailed, gen: gen, err: fmt.Errorf("ble: connect to %s: %w", dev.Address, err)})
		}
		return
	}

	char, err := s.setup(gen, conn)
	if err != nil {
		_ = conn.Disconnect()
		if ctx.Err() == nil {
			s.post(event{kind: evDialFailed, gen: gen, err: err})
		}
		return
	}

	accept := make(chan bool, 1)
	adopted := false
	if s.post(event{kind: evDialed, gen: gen, conn: conn, char: char, accept: accept}) {
		select {
		case adopted = <-accept:
		case <-s.loopDone:
		}
	}
	if !adopted {
		slog.Debug("[BLE] discarding superseded connection", "address", dev.Address)
		s.release(&link{conn: conn, char: char})
	}
}

func (s *Session) setup(gen uint64, conn Connection) (Characteristic, error) {
	char, err := conn.DiscoverCharacteristic(s.opts.ServiceUUID, s.opts.CharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristic: %w", err)
	}
	conn.OnDisconnect(func() { s.onLinkLost(gen) })
	if err := char.Subscribe(func(data []byte) { s.onNotify(gen, data) }); err != nil {
		return nil, fmt.Errorf("ble: subscribe to notifications: %w", err)
	}
	return char, nil
}

func (s *Session) release(l *link) {
	if l.stop != nil {
		l.stop()
	}
	if err := l.char.Unsubscribe(); err != nil {
		slog.Debug("[BLE] unsubscribe failed", "error", err)
	}
	if err := l.conn.Disconnect(); err != nil {
		slog.Debug("[BLE] disconnect failed", "error", err)
	}
}

func (s *Session) shutdown() {
	s.gen.Add(1)
	if s.attempt != nil {
		s.attempt.cancel()
		s.attempt = nil
	}
	if s.cur != nil {
		s.release(s.cur)
		s.cur = nil
		s.live.Store(nil)
	}
	s.cache.clear()
	s.state.store(Disconnected)
}

func (s *Session) syncClock(ctx context.Context) {
	cmd := protocol.SetClock(s.opts.Now())
	if err := s.Deliver(ctx, cmd, RetryOptions{}); err != nil {
		if ctx.Err() == nil {
			slog.Warn("[BLE] clock sync failed", "error", err)
		}
		return
	}
	slog.Info("[BLE] clock synced", "value", cmd.Value)
}

func (s *Session) targetAddress() string {
	if d, ok := s.Target(); ok {
		return d.Address
	}
	return ""
}

// backoffDelay returns the redial delay for attempt n: base doubled per
// attempt, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}
