// Package cascade implements the STT → LLM → TTS voice pipeline.
//
// Three concurrent stages share a bounded speech-event queue: the recognizer
// feeds partial and final transcripts from the STT session into the queue,
// the driver dequeues finals and runs orchestrator turns, and a per-turn
// playback goroutine streams synthesized audio to the transport. Speech-start
// events bypass the queue entirely and hit the barge-in controller directly —
// reaction latency must not wait behind queued transcripts.
//
// The queue discipline protects turns under pressure: a final transcript is
// never evicted and its enqueue may block briefly, while partials overflow
// first. A final lost to a saturated queue drops that turn with a warning.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parlancehq/parlance/internal/bargein"
	"github.com/parlancehq/parlance/internal/handoff"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/orchestrator"
	"github.com/parlancehq/parlance/internal/scenario"
	"github.com/parlancehq/parlance/internal/transport"
	"github.com/parlancehq/parlance/pkg/audio"
	"github.com/parlancehq/parlance/pkg/fault"
	"github.com/parlancehq/parlance/pkg/provider/stt"
	"github.com/parlancehq/parlance/pkg/provider/tts"
	"github.com/parlancehq/parlance/pkg/provider/vad"
	"github.com/parlancehq/parlance/pkg/types"
)

const (
	// defaultQueueCapacity bounds the speech-event queue.
	defaultQueueCapacity = 16

	// defaultFillerPhrase is spoken when a tool runs past the filler delay.
	defaultFillerPhrase = "One moment."

	// defaultFillerDelay is how long a tool may run silently before the
	// filler phrase is spoken.
	defaultFillerDelay = 800 * time.Millisecond

	// finalEnqueueTimeout bounds how long a final transcript may wait for
	// queue space before its turn is dropped.
	finalEnqueueTimeout = 5 * time.Second

	// textBuf is the buffer depth of the per-turn text channel feeding TTS.
	textBuf = 16

	// vadFrameMs is the frame size fed to the fallback detector.
	vadFrameMs = 20
)

// errSessionEnded signals an orderly end of the media streams; it stops the
// stage group without being reported as a failure.
var errSessionEnded = errors.New("cascade: session ended")

// Config assembles a cascade pipeline's collaborators. Conn, STT, TTS,
// Orchestrator and BargeIn are required.
type Config struct {
	Conn transport.Conn

	// STT is the session's open recognition stream, typically a pooled
	// lease. The pipeline does not close it.
	STT stt.SessionHandle

	TTS   tts.Provider
	Voice tts.VoiceProfile

	// TTSSampleRate is the PCM rate of the provider's synthesis output.
	// Audio is resampled to the transport rate when they differ.
	TTSSampleRate int

	Orchestrator *orchestrator.Orchestrator
	BargeIn      *bargein.Controller

	// VAD is the fallback speech-start detector, engaged when the STT
	// provider closes its speech-event channel without producing events.
	// Nil disables the fallback.
	VAD vad.Engine

	QueueCapacity int
	FillerPhrase  string
	FillerDelay   time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Pipeline is the per-session cascade runtime. Create with New, drive with
// Run.
type Pipeline struct {
	conn    transport.Conn
	sttSess stt.SessionHandle
	tts     tts.Provider
	voice   tts.VoiceProfile
	ttsRate int
	orch    *orchestrator.Orchestrator
	barge   *bargein.Controller
	vadEng  vad.Engine

	fillerPhrase string
	fillerDelay  time.Duration

	queue   *speechQueue
	metrics *observe.Metrics
	log     *slog.Logger

	// active is the speaker of the in-flight turn, if any. The filler
	// timer speaks through it.
	mu          sync.Mutex
	active      *speaker
	fillerTimer *time.Timer
}

// New validates cfg and builds the pipeline. It registers the tool observers
// that drive filler speech on the orchestrator.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("cascade: nil transport conn")
	}
	if cfg.STT == nil {
		return nil, fmt.Errorf("cascade: nil stt session")
	}
	if cfg.TTS == nil {
		return nil, fmt.Errorf("cascade: nil tts provider")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("cascade: nil orchestrator")
	}
	if cfg.BargeIn == nil {
		return nil, fmt.Errorf("cascade: nil barge-in controller")
	}

	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.FillerPhrase == "" {
		cfg.FillerPhrase = defaultFillerPhrase
	}
	if cfg.FillerDelay <= 0 {
		cfg.FillerDelay = defaultFillerDelay
	}
	if cfg.TTSSampleRate <= 0 {
		cfg.TTSSampleRate = cfg.Conn.Start().SampleRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pipeline{
		conn:         cfg.Conn,
		sttSess:      cfg.STT,
		tts:          cfg.TTS,
		voice:        cfg.Voice,
		ttsRate:      cfg.TTSSampleRate,
		orch:         cfg.Orchestrator,
		barge:        cfg.BargeIn,
		vadEng:       cfg.VAD,
		fillerPhrase: cfg.FillerPhrase,
		fillerDelay:  cfg.FillerDelay,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
	}
	p.queue = newSpeechQueue(cfg.QueueCapacity, p.recordEviction)
	p.orch.OnTool(p.toolStarted, p.toolEnded)
	return p, nil
}

// Run executes the pipeline until the caller disconnects, the STT stream
// ends, or ctx is cancelled. It speaks the session-start greeting first.
func (p *Pipeline) Run(ctx context.Context) error {
	if greeting := p.orch.SessionGreeting(); greeting != "" {
		p.speakTurn(ctx, func(_ context.Context, say func(string)) error {
			say(greeting)
			return nil
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	// vadNeeded flips when the STT provider proves to have no server-side
	// speech events; the audio pump then engages the local detector.
	vadNeeded := make(chan struct{})

	g.Go(func() error { return p.pumpAudio(gctx, vadNeeded) })
	g.Go(func() error { return p.pumpPartials(gctx) })
	g.Go(func() error { return p.pumpFinals(gctx) })
	g.Go(func() error { return p.pumpSpeechEvents(gctx, vadNeeded) })
	g.Go(func() error { return p.drive(gctx) })
	g.Go(func() error {
		select {
		case <-p.conn.Done():
			return errSessionEnded
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	if errors.Is(err, errSessionEnded) {
		return p.conn.Err()
	}
	return err
}

// ─── recognizer stage ───

// pumpAudio forwards caller PCM to the STT session, feeding the fallback
// detector when engaged.
func (p *Pipeline) pumpAudio(ctx context.Context, vadNeeded <-chan struct{}) error {
	var feeder *vadFeeder

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-vadNeeded:
			vadNeeded = nil
			if p.vadEng == nil {
				p.log.Warn("stt provider has no speech events and no fallback detector; barge-in disabled")
				continue
			}
			f, err := newVADFeeder(p.vadEng, p.conn.Start().SampleRate, func() {
				p.speechStarted(ctx)
			})
			if err != nil {
				p.log.Warn("fallback detector unavailable", "error", err)
				continue
			}
			feeder = f
		case frame, ok := <-p.conn.Audio():
			if !ok {
				return errSessionEnded
			}
			if err := p.sttSess.SendAudio(frame); err != nil {
				return fmt.Errorf("cascade: stt send: %w", err)
			}
			if feeder != nil {
				feeder.feed(frame)
			}
		}
	}
}

// pumpPartials queues interim transcripts for caller-side display.
func (p *Pipeline) pumpPartials(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-p.sttSess.Partials():
			if !ok {
				return nil
			}
			p.queue.enqueuePartial(t)
		}
	}
}

// pumpFinals queues committed transcripts. A final that cannot be queued
// within the bound is a lost turn: logged, never silently reordered.
func (p *Pipeline) pumpFinals(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-p.sttSess.Finals():
			if !ok {
				return errSessionEnded
			}
			if err := p.queue.enqueueFinal(ctx, t, finalEnqueueTimeout); err != nil {
				if fault.IsCancelled(err) {
					return nil
				}
				p.log.Warn("final transcript dropped, turn lost", "text", t.Text, "error", err)
			}
		}
	}
}

// pumpSpeechEvents relays provider speech-start signals straight to the
// barge-in controller. If the provider closes the channel without ever
// producing events it has no server-side VAD; the fallback engages.
func (p *Pipeline) pumpSpeechEvents(ctx context.Context, vadNeeded chan<- struct{}) error {
	sawEvent := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.sttSess.SpeechEvents():
			if !ok {
				if !sawEvent {
					close(vadNeeded)
				}
				return nil
			}
			sawEvent = true
			if ev.Type == types.VADSpeechStart {
				p.speechStarted(ctx)
			}
		}
	}
}

// speechStarted handles a speech-start signal: barge-in when the assistant
// is producing or speaking, listening-state transition when idle.
func (p *Pipeline) speechStarted(ctx context.Context) {
	switch p.orch.State() {
	case orchestrator.StateSpeaking:
		p.barge.Interrupt(ctx)
	case orchestrator.StateIdle:
		p.orch.ReceivingUser()
	}
}

// ─── driver stage ───

// drive consumes the speech-event queue: partials go to the transport as
// caption frames, finals run turns.
func (p *Pipeline) drive(ctx context.Context) error {
	for {
		ev, err := p.queue.dequeue(ctx)
		if err != nil {
			return nil
		}

		switch ev.kind {
		case partialEvent:
			_ = p.conn.SendControl(transport.Control{
				Type: transport.ControlTranscriptPartial,
				Text: ev.transcript.Text,
			})
		case finalEvent:
			_ = p.conn.SendControl(transport.Control{
				Type: transport.ControlTranscriptFinal,
				Text: ev.transcript.Text,
			})
			if err := p.runTurn(ctx, ev.transcript.Text); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.log.Error("turn failed", "error", err)
			}
		}
	}
}

// runTurn executes one orchestrator turn with synthesis and playback, then
// follows through on any handoff it resolved.
func (p *Pipeline) runTurn(ctx context.Context, utterance string) error {
	var result *orchestrator.TurnResult
	err := p.speakTurn(ctx, func(turnCtx context.Context, say func(string)) error {
		var runErr error
		result, runErr = p.orch.RunTurn(turnCtx, utterance, orchestrator.TextSink(say))
		return runErr
	})
	if err != nil {
		return err
	}

	if result.Interrupted {
		p.orch.ReceivingUser()
		return nil
	}
	if result.Handoff != nil {
		return p.completeHandoff(ctx, *result.Handoff)
	}
	return nil
}

// completeHandoff switches agents and produces the new agent's first words:
// a rendered greeting for announced handoffs, a responses-endpoint
// continuation for discrete ones.
func (p *Pipeline) completeHandoff(ctx context.Context, res handoff.Resolution) error {
	p.orch.ApplyHandoff(res)
	_ = p.conn.SendControl(transport.Control{
		Type:  transport.ControlAgentSwitched,
		Agent: res.TargetAgent,
	})

	if greeting := p.orch.SpeakGreeting(res); greeting != "" {
		p.speakTurn(ctx, func(_ context.Context, say func(string)) error {
			say(greeting)
			return nil
		})
	}

	if res.Kind == scenario.KindDiscrete {
		return p.speakTurn(ctx, func(turnCtx context.Context, say func(string)) error {
			_, err := p.orch.ContinueHandoff(turnCtx, res, orchestrator.TextSink(say))
			if fault.IsCancelled(err) {
				return nil
			}
			return err
		})
	}
	return nil
}

// ─── playback stage ───

// speakTurn wires one spoken unit end to end: it opens a synthesis stream,
// starts playback, arms barge-in, runs fn with a say callback, then drains
// and disarms. The LLM consumer and the TTS producer share turnCtx and are
// cancelled atomically on barge-in.
func (p *Pipeline) speakTurn(ctx context.Context, fn func(turnCtx context.Context, say func(string)) error) error {
	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	sp := newSpeaker(turnCtx, textBuf)
	synthStart := time.Now()
	playbackDone := make(chan struct{})

	audioCh, err := p.tts.SynthesizeStream(turnCtx, sp.ch, p.voice)
	if err != nil {
		// The turn still runs so history stays consistent; the caller
		// hears nothing this turn.
		p.log.Error("tts stream start failed", "error", err)
		close(playbackDone)
	} else {
		go p.playback(audioCh, playbackDone, synthStart)
	}

	p.barge.Arm(bargein.Actions{
		CancelLLM: cancelTurn,
		DrainTTS: func(ctx context.Context) error {
			select {
			case <-playbackDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		StopPlayback: func(context.Context) error {
			return p.conn.StopPlayback()
		},
	})

	p.setActive(sp)
	runErr := fn(turnCtx, sp.say)
	p.clearActive()
	sp.finish()

	select {
	case <-playbackDone:
	case <-ctx.Done():
	}
	p.barge.Disarm()
	return runErr
}

// playback copies synthesized audio to the transport, resampling between
// the provider and transport rates when they differ.
func (p *Pipeline) playback(audioCh <-chan []byte, done chan<- struct{}, synthStart time.Time) {
	defer close(done)

	connRate := p.conn.Start().SampleRate
	first := true
	for chunk := range audioCh {
		if first {
			first = false
			if p.metrics != nil {
				p.metrics.TTSFirstChunk.Record(context.Background(), time.Since(synthStart).Seconds())
			}
		}
		if p.ttsRate != connRate {
			chunk = audio.ResampleMono16(chunk, p.ttsRate, connRate)
		}
		if err := p.conn.SendAudio(chunk); err != nil {
			if !fault.Is(err, fault.TransportClosed) {
				p.log.Warn("playback write failed", "error", err)
			}
			// Keep draining so the synthesis goroutine can finish.
			for range audioCh {
			}
			return
		}
	}
}

// ─── filler speech ───

// toolStarted arms the filler timer for a tool execution. If the tool is
// still running when the delay elapses, the filler phrase is spoken through
// the active turn's synthesis stream.
func (p *Pipeline) toolStarted(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp := p.active
	if sp == nil {
		return
	}
	p.fillerTimer = time.AfterFunc(p.fillerDelay, func() {
		sp.say(p.fillerPhrase)
	})
}

// toolEnded cancels a pending filler.
func (p *Pipeline) toolEnded(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fillerTimer != nil {
		p.fillerTimer.Stop()
		p.fillerTimer = nil
	}
}

func (p *Pipeline) setActive(sp *speaker) {
	p.mu.Lock()
	p.active = sp
	p.mu.Unlock()
}

func (p *Pipeline) clearActive() {
	p.mu.Lock()
	p.active = nil
	if p.fillerTimer != nil {
		p.fillerTimer.Stop()
		p.fillerTimer = nil
	}
	p.mu.Unlock()
}

func (p *Pipeline) recordEviction() {
	if p.metrics != nil {
		p.metrics.QueueEvictions.Add(context.Background(), 1)
	}
}

// ─── speaker ───

// speaker serializes writers into a turn's TTS text channel and closes it
// exactly once. say after finish is a silent no-op, which lets the filler
// timer race the end of the turn safely.
type speaker struct {
	ch  chan string
	ctx context.Context

	mu     sync.Mutex
	closed bool
}

func newSpeaker(ctx context.Context, buf int) *speaker {
	return &speaker{ch: make(chan string, buf), ctx: ctx}
}

func (s *speaker) say(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || text == "" {
		return
	}
	select {
	case s.ch <- text:
	case <-s.ctx.Done():
	}
}

func (s *speaker) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// ─── fallback VAD ───

// vadFeeder re-chunks arbitrary transport frames into the fixed-size frames
// the detector requires and fires onSpeechStart on each silence-to-speech
// transition.
type vadFeeder struct {
	sess       vad.SessionHandle
	frameBytes int
	buf        []byte
	onStart    func()
}

func newVADFeeder(eng vad.Engine, sampleRate int, onStart func()) (*vadFeeder, error) {
	sess, err := eng.NewSession(vad.Config{
		SampleRate:  sampleRate,
		FrameSizeMs: vadFrameMs,
	})
	if err != nil {
		return nil, err
	}
	return &vadFeeder{
		sess:       sess,
		frameBytes: sampleRate * vadFrameMs / 1000 * 2,
		onStart:    onStart,
	}, nil
}

func (f *vadFeeder) feed(pcm []byte) {
	f.buf = append(f.buf, pcm...)
	for len(f.buf) >= f.frameBytes {
		frame := f.buf[:f.frameBytes]
		f.buf = f.buf[f.frameBytes:]
		ev, err := f.sess.ProcessFrame(frame)
		if err != nil {
			continue
		}
		if ev.Type == types.VADSpeechStart {
			f.onStart()
		}
	}
}
