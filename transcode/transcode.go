// Package transcode implements the per-stream transcoder: a decode ->
// filter -> encode worker graph that turns one input Track's Packets
// into Packets for an output Profile's Track, or passes them through
// unmodified when no transcoding profile is configured.
package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aperturemedia/aperture/errs"
	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/metrics"
)

// Codec is the narrow interface the transcode graph drives. Concrete
// implementations (hardware or software encoders/decoders) live outside
// this repo; the graph only needs Decode/Encode/Close.
type Codec interface {
	Decode(*media.Packet) ([]*media.Frame, error)
	Encode(*media.Frame) ([]*media.Packet, error)
	Close() error
}

// Filter transforms a decoded Frame before it is re-encoded (scale,
// crop, pixel format conversion). The identity filter returns its input
// unchanged.
type Filter func(*media.Frame) (*media.Frame, error)

// IdentityFilter passes frames through unchanged.
func IdentityFilter(f *media.Frame) (*media.Frame, error) { return f, nil }

// PassthroughCodec is used when no transcoding profile is configured: it
// never decodes or encodes, so the graph degenerates into a straight
// pass of the original Packets to the output queue without touching the
// filter or encode stages at all.
type PassthroughCodec struct{}

func (PassthroughCodec) Decode(*media.Packet) ([]*media.Frame, error) { return nil, nil }
func (PassthroughCodec) Encode(*media.Frame) ([]*media.Packet, error) { return nil, nil }
func (PassthroughCodec) Close() error                                 { return nil }

const (
	stageQueueSize = 32

	// stageSendBudget is how long a stage blocks trying to hand a frame
	// to the next stage's queue before falling back to dropping the
	// oldest item in its own inbound queue (see Graph).
	stageSendBudget = 50 * time.Millisecond
)

// Graph runs one input track through three independently scheduled
// stages — decode, filter, encode — each its own goroutine communicating
// over its own bounded queue, per spec.md §4.2. Queue discipline at every
// stage boundary is: try the send immediately, then block up to
// stageSendBudget; if the downstream queue is still full, drop the oldest
// item waiting in the sending stage's own inbound queue to relieve
// pressure, whether or not that item carries a keyframe, and retry once
// before giving up on the new item.
type Graph struct {
	log     *slog.Logger
	codec   Codec
	filter  Filter
	metrics *metrics.Registry

	in       chan *media.Packet // decode stage's inbound queue
	decoded  chan *media.Frame  // filter stage's inbound queue (decoder's output)
	filtered chan *media.Frame  // encode stage's inbound queue (filter's output)
	out      chan *media.Packet // graph output (encoder's output, or passthrough)

	// scale/scaleInv convert PTS ticks between the input track's
	// timebase and the output track's timebase, precomputed once so the
	// hot path never recomputes a rational per packet.
	scale, scaleInv float64
	outputTimebase  media.Timebase
	outputFramerate int

	lastPTS atomic.Int64
	havePTS atomic.Bool
	dropped atomic.Int64

	lastOutPTS atomic.Int64
	haveOutPTS atomic.Bool
}

// New builds a transcode Graph converting inputTimebase-ticked Packets
// into outputTimebase-ticked Packets at outputFramerate frames/sec. If
// codec is nil, PassthroughCodec is used and Packets flow from In() to
// Out() unmodified (inputTimebase/outputTimebase are only consulted when
// they differ, so passing the same value for both is always safe).
func New(streamKey string, codec Codec, filter Filter, inputTimebase, outputTimebase media.Timebase, outputFramerate int) *Graph {
	if codec == nil {
		codec = PassthroughCodec{}
	}
	if filter == nil {
		filter = IdentityFilter
	}
	scale, scaleInv := inputTimebase.ScaleTo(outputTimebase)
	return &Graph{
		log:             slog.With("component", "transcode", "stream", streamKey),
		codec:           codec,
		filter:          filter,
		in:              make(chan *media.Packet, stageQueueSize),
		decoded:         make(chan *media.Frame, stageQueueSize),
		filtered:        make(chan *media.Frame, stageQueueSize),
		out:             make(chan *media.Packet, stageQueueSize),
		scale:           scale,
		scaleInv:        scaleInv,
		outputTimebase:  outputTimebase,
		outputFramerate: outputFramerate,
	}
}

// NewFromProfile builds a Graph targeting profile's output track,
// deriving outputTimebase from profile.Track.Timebase and
// outputFramerate from profile.GOPSize (policy.go documents GOPSize as
// "typically equal to the output framerate").
func NewFromProfile(streamKey string, codec Codec, filter Filter, inputTimebase media.Timebase, profile Profile) *Graph {
	return New(streamKey, codec, filter, inputTimebase, profile.Track.Timebase, profile.GOPSize)
}

// SetMetrics wires a Registry so the decode/filter/encode stages record
// every per-item processing error. A nil registry (the default)
// disables instrumentation.
func (g *Graph) SetMetrics(m *metrics.Registry) {
	g.metrics = m
}

// In returns the channel producers can send input Packets to. It is a
// plain buffered channel, so a direct send blocks while the queue is
// full; TryPush never blocks and drops packets instead.
func (g *Graph) In() chan<- *media.Packet { return g.in }

// Out returns the channel consumers should read encoded (or
// passed-through) Packets from.
func (g *Graph) Out() <-chan *media.Packet { return g.out }

// TryPush enqueues a packet for transcoding without blocking. When the
// input queue is full, a non-keyframe packet is dropped at once; a
// keyframe displaces the oldest queued packet and is dropped only if the
// queue is still full.
func (g *Graph) TryPush(pkt *media.Packet) {
	select {
	case g.in <- pkt:
		return
	default:
	}

	if pkt.Keyframe {
		// Never drop a keyframe: make room by discarding the oldest queued packet.
		select {
		case old := <-g.in:
			old.Release()
			g.dropped.Add(1)
		default:
		}
		select {
		case g.in <- pkt:
		default:
			pkt.Release()
			g.dropped.Add(1)
		}
		return
	}

	pkt.Release()
	g.dropped.Add(1)
}

// Dropped returns the number of items discarded anywhere in the graph
// due to a saturated downstream queue.
func (g *Graph) Dropped() int64 { return g.dropped.Load() }

// Run drives the decode, filter, and encode stages concurrently until
// ctx is cancelled or the input channel is closed. Each stage is its own
// goroutine; an error from one stage's per-item processing is local to
// that item (logged and dropped) and never halts the stage. Run returns
// once every stage has exited.
func (g *Graph) Run(ctx context.Context) error {
	defer close(g.out)
	defer g.codec.Close()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { g.runDecodeStage(ctx); return nil })
	grp.Go(func() error { g.runFilterStage(ctx); return nil })
	grp.Go(func() error { g.runEncodeStage(ctx); return nil })
	return grp.Wait()
}

// runDecodeStage reads Packets off g.in, enforces the monotonic-PTS
// invariant, and decodes each into zero or more Frames for the filter
// stage. A nil, error-free Decode result means the Codec is a
// PassthroughCodec: the original Packet is forwarded straight to the
// graph's output, bypassing the filter/encode stages entirely since
// there is nothing to filter or re-encode.
func (g *Graph) runDecodeStage(ctx context.Context) {
	defer close(g.decoded)

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-g.in:
			if !ok {
				return
			}
			g.decodeOne(ctx, pkt)
		}
	}
}

func (g *Graph) decodeOne(ctx context.Context, pkt *media.Packet) {
	defer pkt.Release()

	if err := g.checkMonotonic(pkt); err != nil {
		g.log.Warn("dropping non-monotonic packet", "error", err, "pts", pkt.PTS)
		return
	}

	frames, err := g.codec.Decode(pkt)
	if err != nil {
		g.log.Warn("decode failed", "error", fmt.Errorf("%w", err))
		if g.metrics != nil {
			g.metrics.IncTranscodeErrors()
		}
		return
	}

	if frames == nil {
		out := media.NewPacket()
		out.TrackID = pkt.TrackID
		out.Codec = pkt.Codec
		out.PTS, out.DTS, out.Duration = pkt.PTS, pkt.DTS, pkt.Duration
		out.Keyframe = pkt.Keyframe
		out.Data = append(out.Data[:0], pkt.Data...)
		g.emitOut(ctx, out)
		return
	}

	for _, frame := range frames {
		sendWithBudget(ctx, g.decoded, g.in, frame, stageSendBudget,
			releaseFrame, releasePacket, &g.dropped)
	}
}

// runFilterStage reads decoded Frames, applies the configured Filter,
// and hands the result to the encode stage.
func (g *Graph) runFilterStage(ctx context.Context) {
	defer close(g.filtered)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-g.decoded:
			if !ok {
				return
			}
			g.filterOne(ctx, frame)
		}
	}
}

func (g *Graph) filterOne(ctx context.Context, frame *media.Frame) {
	filtered, err := g.filter(frame)
	if err != nil {
		g.log.Warn("filter failed", "error", err)
		if g.metrics != nil {
			g.metrics.IncTranscodeErrors()
		}
		return
	}
	sendWithBudget(ctx, g.filtered, g.decoded, filtered, stageSendBudget,
		releaseFrame, releaseFrame, &g.dropped)
}

// runEncodeStage reads filtered Frames, encodes each into one or more
// output Packets, rescales their PTS into the output timebase, and
// synthesizes a duration when the Codec didn't set one.
func (g *Graph) runEncodeStage(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-g.filtered:
			if !ok {
				return
			}
			g.encodeOne(ctx, frame)
		}
	}
}

func (g *Graph) encodeOne(ctx context.Context, frame *media.Frame) {
	encoded, err := g.codec.Encode(frame)
	if err != nil {
		g.log.Warn("encode failed", "error", err)
		if g.metrics != nil {
			g.metrics.IncTranscodeErrors()
		}
		return
	}
	for _, pkt := range encoded {
		pkt.PTS = g.outputTimebase.RescaleF(pkt.PTS, g.scale)
		g.synthesizeDuration(pkt)
		g.checkOutputAdvance(pkt)
		g.emitOut(ctx, pkt)
	}
}

// checkOutputAdvance enforces spec.md §3's invariant that transcoded PTS
// advances by at least the packet's own duration from one encoded packet
// to the next. A violation doesn't halt the stage — it's logged, using
// scaleInv to report the equivalent input-timebase PTS alongside the
// output one so the warning can be cross-referenced against the source
// access unit.
func (g *Graph) checkOutputAdvance(pkt *media.Packet) {
	if !g.haveOutPTS.CompareAndSwap(false, true) {
		last := g.lastOutPTS.Load()
		if pkt.PTS < last+pkt.Duration {
			g.log.Warn("encoded PTS did not advance by at least one frame duration",
				"pts", pkt.PTS, "last_pts", last, "duration", pkt.Duration,
				"input_pts", g.outputTimebase.RescaleF(pkt.PTS, g.scaleInv))
		}
	}
	g.lastOutPTS.Store(pkt.PTS)
}

// synthesizeDuration fills in Packet.Duration = outputTimebase.Den /
// outputFramerate when the Codec left it unset, per spec.md §4.2.
func (g *Graph) synthesizeDuration(pkt *media.Packet) {
	if pkt.Duration != 0 || g.outputFramerate <= 0 || g.outputTimebase.Num != 1 || g.outputTimebase.Den == 0 {
		return
	}
	pkt.Duration = g.outputTimebase.Den / int64(g.outputFramerate)
}

func (g *Graph) emitOut(ctx context.Context, pkt *media.Packet) {
	select {
	case g.out <- pkt:
	case <-ctx.Done():
		pkt.Release()
	}
}

func releaseFrame(f *media.Frame)   {}
func releasePacket(p *media.Packet) { p.Release() }

// sendWithBudget delivers item to downstream, honoring spec.md §4.2's
// queue discipline: try immediately, then block up to budget. If the
// send is still blocked once the budget is spent, the oldest item
// waiting in the sender's own inbound queue (own) is dropped to relieve
// backpressure and the send is retried once; if downstream is still
// full, item itself is dropped instead.
func sendWithBudget[Out any, In any](ctx context.Context, downstream chan Out, own chan In, item Out, budget time.Duration, releaseOut func(Out), releaseIn func(In), dropped *atomic.Int64) {
	select {
	case downstream <- item:
		return
	case <-ctx.Done():
		releaseOut(item)
		return
	default:
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case downstream <- item:
		return
	case <-ctx.Done():
		releaseOut(item)
		return
	case <-timer.C:
	}

	select {
	case old := <-own:
		releaseIn(old)
		dropped.Add(1)
	default:
	}

	select {
	case downstream <- item:
	default:
		releaseOut(item)
		dropped.Add(1)
	}
}

// checkMonotonic enforces the data-model invariant that PTS values on a
// track are non-decreasing; violations are reported as errs.ErrCodecData
// so callers can distinguish this failure mode without panicking the
// stage.
func (g *Graph) checkMonotonic(pkt *media.Packet) error {
	if !g.havePTS.CompareAndSwap(false, true) {
		last := g.lastPTS.Load()
		if pkt.PTS < last {
			return fmt.Errorf("pts %d before last %d: %w", pkt.PTS, last, errs.ErrCodecData)
		}
	}
	g.lastPTS.Store(pkt.PTS)
	return nil
}
