// Package gateway implements the per-port enrollment and dispatch state
// machine: the component that owns a single serial port end to end,
// from a device's first unauthenticated line through to authenticated
// operational traffic. Grounded on internal/engine.Engine's dispatch
// switch and registry-mutation style and internal/lora.Driver's
// goroutine-owned-port lifecycle, fused into the cooperative
// single-goroutine-per-port model this domain calls for.
package gateway

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rustythermostat/sensor-gateway/internal/codec"
	"github.com/rustythermostat/sensor-gateway/internal/command"
	"github.com/rustythermostat/sensor-gateway/internal/deviceid"
	"github.com/rustythermostat/sensor-gateway/internal/frame"
	"github.com/rustythermostat/sensor-gateway/internal/reading"
	"github.com/rustythermostat/sensor-gateway/internal/registry"
	"github.com/rustythermostat/sensor-gateway/internal/seccrypto"
	"github.com/rustythermostat/sensor-gateway/internal/sink"
)

// Phase names a position in the enrollment/operational state machine.
type Phase int

const (
	PhaseListening Phase = iota
	PhaseProvisioning
	PhaseHashCheck
	PhaseEncryptionProbe
	PhaseOperational
	PhaseBanned
)

func (p Phase) String() string {
	switch p {
	case PhaseListening:
		return "listening"
	case PhaseProvisioning:
		return "provisioning"
	case PhaseHashCheck:
		return "hash_check"
	case PhaseEncryptionProbe:
		return "encryption_probe"
	case PhaseOperational:
		return "operational"
	case PhaseBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// Config tunes a Port's timing and behavior. The zero value is not
// usable; use DefaultConfig.
type Config struct {
	// StepTimeout bounds each pre-operational handshake step: the
	// hash-check reply and the encryption probe round trip. Listening
	// and operational reads carry no deadline; the port blocks until
	// bytes arrive or its context is canceled.
	StepTimeout time.Duration
}

// DefaultConfig returns the timing the original device firmware
// assumes: a five-second deadline per handshake step.
func DefaultConfig() Config {
	return Config{StepTimeout: 5 * time.Second}
}

// Transport is what a Port reads bytes from and writes bytes to. A real
// serial port (internal/serialport) satisfies it, as does an in-memory
// pipe in tests.
type Transport io.ReadWriteCloser

// errStepTimeout marks an enrollment step deadline elapsing. It never
// escapes Run; the step that observes it bans the pending device.
var errStepTimeout = errors.New("gateway: enrollment step deadline elapsed")

// cmdQueueSize bounds how many outbound commands may wait for the port
// to become idle between inbound frames.
const cmdQueueSize = 16

type lineResult struct {
	line string
	err  error
}

type frameResult struct {
	frame []byte
	err   error
}

// Port owns one serial connection end to end. Run is the only goroutine
// that touches the transport; other goroutines may only queue commands
// through Send and observe Phase.
type Port struct {
	name      string
	transport Transport
	registry  registry.Registry
	sink      sink.Sink
	log       *slog.Logger
	cfg       Config

	lines  *codec.LineReader
	frames *codec.FrameReader

	// At most one read is ever outstanding against the shared buffered
	// stream. A read abandoned by a step deadline parks here and is
	// consumed or discarded by whichever step next wants input, so two
	// goroutines never touch the bufio.Reader at once.
	pendingLine  chan lineResult
	pendingFrame chan frameResult

	cmds chan command.Command

	phase atomic.Int32
	// deadline is the absolute cutoff for the current enrollment step;
	// zero means the current phase reads without a deadline.
	deadline time.Time

	// pendingID is the random id the gateway allocated for the device
	// currently mid-enrollment; pendingEcho is the exact capability-echo
	// plaintext the device must prove it can both hash and
	// encrypt/decrypt before it is trusted.
	pendingID     deviceid.ID
	pendingCaps   reading.Capabilities
	pendingEcho   string
	operationalID deviceid.ID
}

// NewPort constructs a Port over transport, named for logging.
func NewPort(name string, transport Transport, reg registry.Registry, snk sink.Sink, cfg Config, log *slog.Logger) *Port {
	if log == nil {
		log = slog.Default()
	}
	// Both readers must pull from the same underlying buffered stream:
	// the port switches framing mode by phase, not by byte content, so
	// a byte the line reader has already buffered must still be visible
	// to the frame reader that takes over after a phase transition.
	buffered := bufio.NewReaderSize(transport, codec.MaxLineLength)

	return &Port{
		name:      name,
		transport: transport,
		registry:  reg,
		sink:      snk,
		log:       log.With("port", name),
		cfg:       cfg,
		lines:     codec.NewLineReader(buffered),
		frames:    codec.NewFrameReader(buffered),
		cmds:      make(chan command.Command, cmdQueueSize),
	}
}

// Phase reports the port's current state, for tests and observability.
func (p *Port) Phase() Phase {
	return Phase(p.phase.Load())
}

func (p *Port) setPhase(ph Phase) {
	p.phase.Store(int32(ph))
}

// Send queues cmd for transmission the next time the port is idle in
// its operational phase. It never blocks; a full queue is reported as
// an error so the caller can retry later.
func (p *Port) Send(cmd command.Command) error {
	select {
	case p.cmds <- cmd:
		return nil
	default:
		return errors.New("gateway: command queue full")
	}
}

// Run drives the state machine until ctx is canceled or the transport
// returns an unrecoverable I/O error. A returned error means the
// supervisor should consider reopening the port; ctx cancellation
// returns nil.
func (p *Port) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		var err error
		switch p.Phase() {
		case PhaseListening:
			err = p.stepListening(ctx)
		case PhaseProvisioning:
			err = p.stepProvisioning(ctx)
		case PhaseHashCheck:
			err = p.stepHashCheck(ctx)
		case PhaseEncryptionProbe:
			err = p.stepEncryptionProbe(ctx)
		case PhaseOperational:
			err = p.stepOperational(ctx)
		case PhaseBanned:
			err = p.stepBanned(ctx)
		default:
			return fmt.Errorf("gateway: port %s in unknown phase %d", p.name, p.Phase())
		}

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			p.log.Error("transport failure, supervisor should reopen port", "err", err)
			return err
		}
	}
}

// stepListening waits, with no deadline, for an enrollment capability
// line: a plaintext, six-field line whose first field is the nil id. A
// malformed line or one naming an already-assigned id is dropped
// without changing phase; a well-formed nil-id request allocates a
// fresh device id, echoes the accepted capabilities back in plaintext,
// arms the handshake deadline, and moves us to Provisioning to await
// the device's hash-check reply.
func (p *Port) stepListening(ctx context.Context) error {
	p.deadline = time.Time{}
	line, err := p.awaitLine(ctx)
	if err != nil {
		return err
	}

	id, caps, err := reading.ParseEnrollment(line)
	if err != nil {
		p.log.Debug("dropping malformed enrollment line", "err", err)
		p.registry.RecordDrop(deviceid.ID{}, registry.DropShape)
		return nil
	}
	if !id.IsZero() {
		p.log.Debug("dropping enrollment line naming a non-nil id", "id", id)
		p.registry.RecordDrop(deviceid.ID{}, registry.DropProtocol)
		return nil
	}

	assigned := deviceid.New()
	p.pendingID = assigned
	p.pendingCaps = caps
	p.pendingEcho = reading.FormatEnrollment(assigned, caps)

	if err := p.writeLine(ctx, p.pendingEcho); err != nil {
		return err
	}

	p.log.Info("enrollment started", "device", assigned)
	p.deadline = time.Now().Add(p.cfg.StepTimeout)
	p.setPhase(PhaseProvisioning)
	return nil
}

// stepProvisioning awaits the device's hash-check reply: the hex
// SHA-256 digest of the ASCII simple form of the id we just assigned
// it, proving the device derived the same id/key from the plaintext
// echo. A second nil-id enrollment line arriving here is a duplicate
// request while one is already in flight and is ignored outright,
// never treated as a malformed hash reply. Any other mismatch, or the
// step deadline elapsing, bans the pending id.
func (p *Port) stepProvisioning(ctx context.Context) error {
	line, err := p.awaitLine(ctx)
	if errors.Is(err, errStepTimeout) {
		return p.banPending(registry.DropTimeout, "provisioning reply timed out")
	}
	if err != nil {
		return err
	}

	if id, _, err := reading.ParseEnrollment(line); err == nil && id.IsZero() {
		p.log.Debug("ignoring enrollment request while one is already in flight", "pending", p.pendingID)
		return nil
	}

	sum := sha256.Sum256([]byte(p.pendingID.Simple()))
	want := hex.EncodeToString(sum[:])
	if strings.TrimSpace(line) != want {
		return p.banPending(registry.DropProtocol, "hash check mismatch")
	}

	p.setPhase(PhaseHashCheck)
	return nil
}

// stepHashCheck performs the HashCheck -> EncryptionProbe transition's
// action: immediately seal the original capability echo under the new
// device's key and a fresh IV, send it as the first encrypted frame,
// and re-arm the deadline for the probe reply. The device's job is to
// decrypt it and echo it straight back.
func (p *Port) stepHashCheck(ctx context.Context) error {
	key := deviceid.DeriveKey(p.pendingID)
	sealed, err := sealFrame(key, []byte(p.pendingEcho))
	if err != nil {
		return fmt.Errorf("gateway: seal probe: %w", err)
	}

	if err := p.writeFrame(ctx, sealed); err != nil {
		return err
	}

	p.deadline = time.Now().Add(p.cfg.StepTimeout)
	p.setPhase(PhaseEncryptionProbe)
	return nil
}

// stepEncryptionProbe awaits the device's encrypted reply and requires
// its plaintext to match the capability echo exactly (which also
// satisfies the id-prefix check, since the echo begins with the
// device's own id), proving its encrypt/decrypt path works end to end
// before any real reading is trusted. Any failure here bans the
// pending id: a device that got this far and cannot produce the echo
// is either broken or hostile.
func (p *Port) stepEncryptionProbe(ctx context.Context) error {
	raw, err := p.awaitFrame(ctx)
	if errors.Is(err, errStepTimeout) {
		return p.banPending(registry.DropTimeout, "encryption probe timed out")
	}
	if err != nil {
		return err
	}

	key := deviceid.DeriveKey(p.pendingID)
	plaintext, reason, err := openFrame(key, raw)
	if err != nil {
		return p.banPending(reason, fmt.Sprintf("encryption probe rejected: %v", err))
	}

	if string(plaintext) != p.pendingEcho {
		return p.banPending(registry.DropProtocol, "encryption probe echo mismatch")
	}

	if err := p.registry.Enroll(p.pendingID, p.pendingCaps); err != nil {
		return fmt.Errorf("gateway: enroll: %w", err)
	}

	p.operationalID = p.pendingID
	p.deadline = time.Time{}
	p.log.Info("device operational", "device", p.pendingID)
	p.setPhase(PhaseOperational)
	return nil
}

// stepOperational waits, with no deadline, for either the next inbound
// encrypted frame or a queued outbound command, whichever is ready
// first. Inbound frames that verify and belong to the enrolled device
// become readings for the sink; everything else is dropped under its
// specific reason without changing phase.
func (p *Port) stepOperational(ctx context.Context) error {
	p.deadline = time.Time{}
	p.startFrameRead()

	select {
	case res := <-p.pendingFrame:
		p.pendingFrame = nil
		if res.err != nil {
			return res.err
		}
		return p.handleOperationalFrame(ctx, res.frame)
	case cmd := <-p.cmds:
		return p.sendCommand(ctx, cmd)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Port) handleOperationalFrame(ctx context.Context, raw []byte) error {
	key := deviceid.DeriveKey(p.operationalID)
	plaintext, reason, err := openFrame(key, raw)
	if err != nil {
		p.log.Debug("dropping frame", "reason", reason, "err", err)
		p.registry.RecordDrop(p.operationalID, reason)
		return nil
	}

	r, err := reading.ParseReading(string(plaintext))
	if err != nil {
		reason := registry.DropField
		if errors.Is(err, reading.ErrShape) {
			reason = registry.DropShape
		}
		p.log.Debug("dropping frame with malformed reading", "reason", reason, "err", err)
		p.registry.RecordDrop(p.operationalID, reason)
		return nil
	}

	if !r.Device.Equal(p.operationalID) {
		p.log.Debug("dropping reading from wrong sender", "got", r.Device, "want", p.operationalID)
		p.registry.RecordDrop(p.operationalID, registry.DropProtocol)
		return nil
	}

	banned, err := p.registry.IsBanned(r.Device)
	if err != nil {
		return fmt.Errorf("gateway: check banned: %w", err)
	}
	if banned {
		p.registry.RecordDrop(r.Device, registry.DropBanned)
		return nil
	}

	if err := p.registry.Touch(r.Device, time.Now()); err != nil {
		return fmt.Errorf("gateway: touch: %w", err)
	}

	if err := p.sink.Accept(ctx, r); err != nil {
		p.log.Warn("sink rejected reading", "err", err)
	}
	return nil
}

func (p *Port) sendCommand(ctx context.Context, cmd command.Command) error {
	if !cmd.Destination.Equal(p.operationalID) {
		p.log.Warn("dropping command addressed to a device this port does not own",
			"destination", cmd.Destination, "operational", p.operationalID)
		return nil
	}
	sealed, err := sealFrame(deviceid.DeriveKey(cmd.Destination), []byte(cmd.Encode()))
	if err != nil {
		return fmt.Errorf("gateway: seal command: %w", err)
	}
	if err := p.writeFrame(ctx, sealed); err != nil {
		return err
	}
	p.log.Info("command sent", "device", cmd.Destination, "verb", cmd.Verb, "arg", cmd.Arg)
	return nil
}

// stepBanned keeps draining the transport without ever producing a side
// effect, satisfying "once banned, always dropped" for the lifetime of
// this port run. Only closing and reopening the port (the supervisor's
// job) escapes this phase.
func (p *Port) stepBanned(ctx context.Context) error {
	p.deadline = time.Time{}
	_, err := p.awaitLine(ctx)
	return err
}

func (p *Port) banPending(reason registry.DropReason, msg string) error {
	p.log.Info("banning device during enrollment", "device", p.pendingID, "reason", reason, "detail", msg)
	if err := p.registry.Ban(p.pendingID); err != nil {
		return fmt.Errorf("gateway: ban: %w", err)
	}
	p.registry.RecordDrop(p.pendingID, reason)
	p.deadline = time.Time{}
	p.setPhase(PhaseBanned)
	return nil
}

// sealFrame encrypts plaintext under key with a fresh IV and assembles
// the full IV‖ciphertext‖MAC wire frame.
func sealFrame(key deviceid.Key, plaintext []byte) ([]byte, error) {
	iv, err := seccrypto.NewIV()
	if err != nil {
		return nil, err
	}
	ciphertext, err := seccrypto.Encrypt(key, iv, plaintext)
	if err != nil {
		return nil, err
	}
	return frame.New(iv, ciphertext, seccrypto.MAC(key, ciphertext)).Encode(), nil
}

// openFrame structurally parses raw, authenticates it, and decrypts it,
// in that order. On failure it reports which drop reason applies, so
// the caller's counters distinguish framing, auth, and decrypt errors.
func openFrame(key deviceid.Key, raw []byte) ([]byte, registry.DropReason, error) {
	f, err := frame.Decode(raw)
	if err != nil {
		return nil, registry.DropFraming, err
	}
	if !seccrypto.Verify(key, f.Ciphertext, f.MAC[:]) {
		return nil, registry.DropAuth, errors.New("mac verification failed")
	}
	plaintext, err := seccrypto.Decrypt(key, f.IV, f.Ciphertext)
	if err != nil {
		return nil, registry.DropDecrypt, err
	}
	return plaintext, "", nil
}

// --- suspension-point helpers -------------------------------------------------
//
// Each await blocks on exactly one of the three suspension points this
// model allows: bytes arriving, a write completing, or the step
// deadline elapsing. Context cancellation always wins over a slow
// transport.

// timeoutChan returns a channel that fires at the current step
// deadline, or nil (blocking forever in a select) when the phase reads
// without a deadline.
func (p *Port) timeoutChan() <-chan time.Time {
	if p.deadline.IsZero() {
		return nil
	}
	return time.After(time.Until(p.deadline))
}

func (p *Port) startLineRead() {
	if p.pendingLine != nil {
		return
	}
	ch := make(chan lineResult, 1)
	p.pendingLine = ch
	go func() {
		b, err := p.lines.ReadLine()
		ch <- lineResult{line: string(b), err: err}
	}()
}

func (p *Port) startFrameRead() {
	if p.pendingFrame != nil {
		return
	}
	ch := make(chan frameResult, 1)
	p.pendingFrame = ch
	go func() {
		b, err := p.frames.ReadFrame()
		ch <- frameResult{frame: b, err: err}
	}()
}

// awaitLine blocks until a full text line is available. If a binary
// frame read is still outstanding from an earlier phase, its result is
// consumed and discarded first, preserving the one-reader-at-a-time
// invariant on the shared stream.
func (p *Port) awaitLine(ctx context.Context) (string, error) {
	if p.pendingFrame != nil {
		select {
		case res := <-p.pendingFrame:
			p.pendingFrame = nil
			if res.err != nil {
				return "", res.err
			}
			p.log.Debug("discarding stale binary frame read", "bytes", len(res.frame))
		case <-ctx.Done():
			return "", ctx.Err()
		case <-p.timeoutChan():
			return "", errStepTimeout
		}
	}

	p.startLineRead()
	select {
	case res := <-p.pendingLine:
		p.pendingLine = nil
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.timeoutChan():
		return "", errStepTimeout
	}
}

// awaitFrame is awaitLine's binary-phase counterpart.
func (p *Port) awaitFrame(ctx context.Context) ([]byte, error) {
	if p.pendingLine != nil {
		select {
		case res := <-p.pendingLine:
			p.pendingLine = nil
			if res.err != nil {
				return nil, res.err
			}
			p.log.Debug("discarding stale text line read", "bytes", len(res.line))
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.timeoutChan():
			return nil, errStepTimeout
		}
	}

	p.startFrameRead()
	select {
	case res := <-p.pendingFrame:
		p.pendingFrame = nil
		return res.frame, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.timeoutChan():
		return nil, errStepTimeout
	}
}

func (p *Port) writeLine(ctx context.Context, line string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- codec.WriteLine(p.transport, []byte(line))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Port) writeFrame(ctx context.Context, payload []byte) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- codec.WriteFrame(p.transport, payload)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
