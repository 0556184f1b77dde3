package rtsp

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/router"
)

type recordingObserver struct {
	id string
	mu sync.Mutex
	ps []*media.Packet
}

func (o *recordingObserver) ID() string { return o.id }
func (o *recordingObserver) OnPacket(p *media.Packet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ps = append(o.ps, p)
}
func (o *recordingObserver) QueueDepth() int { return 0 }
func (o *recordingObserver) received() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ps)
}

func TestForwardRTPPushesPacketToRouter(t *testing.T) {
	r := router.New("test", router.DropOldest)
	track := media.Track{ID: 1, Type: media.TrackVideo, Codec: media.CodecH264, Timebase: media.NTP90kHz}
	r.RegisterTrack(track)

	obs := &recordingObserver{id: "obs1"}
	r.AttachObserver(obs, nil, router.DropOldest)

	pkt := &rtp.Packet{
		Header:  rtp.Header{Timestamp: 12345, Marker: true},
		Payload: []byte{0xAA, 0xBB, 0xCC},
	}
	forwardRTP(r, track, pkt)

	deadline := time.Now().Add(time.Second)
	for obs.received() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if obs.received() != 1 {
		t.Fatalf("observer received %d packets, want 1", obs.received())
	}
}

func TestForwardRTPMarksKeyframeOnlyForVideo(t *testing.T) {
	r := router.New("test", router.DropOldest)
	audioTrack := media.Track{ID: 2, Type: media.TrackAudio, Codec: media.CodecAAC, Timebase: media.NTP90kHz}
	r.RegisterTrack(audioTrack)

	obs := &recordingObserver{id: "obs2"}
	r.AttachObserver(obs, nil, router.DropOldest)

	pkt := &rtp.Packet{Header: rtp.Header{Marker: true}, Payload: []byte{0x01}}
	forwardRTP(r, audioTrack, pkt)

	deadline := time.Now().Add(time.Second)
	for obs.received() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if obs.received() != 1 {
		t.Fatalf("observer received %d packets, want 1", obs.received())
	}
}

func TestActivePullsEmptyInitially(t *testing.T) {
	p := NewPuller(func(key string) *router.Router { return router.New(key, router.DropOldest) }, nil, nil)
	if got := p.ActivePulls(); len(got) != 0 {
		t.Fatalf("ActivePulls() = %v, want empty", got)
	}
}

func TestStopUnknownStreamKeyErrors(t *testing.T) {
	p := NewPuller(func(key string) *router.Router { return router.New(key, router.DropOldest) }, nil, nil)
	if err := p.Stop("nope"); err == nil {
		t.Fatal("expected error stopping a pull that was never started")
	}
}
