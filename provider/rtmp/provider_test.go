package rtmp

import (
	"sync"
	"testing"
	"time"

	gocodec "github.com/yapingcat/gomedia/go-codec"

	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/router"
)

func TestIsKeyframeDetectsIDR(t *testing.T) {
	au := []byte{0, 0, 1, 0x67, 0xAA, 0, 0, 1, 0x65, 0xBB} // SPS (7) then IDR slice (5)
	if !isKeyframe(au) {
		t.Fatal("expected IDR NAL to be detected as keyframe")
	}
}

func TestIsKeyframeNonIDR(t *testing.T) {
	au := []byte{0, 0, 1, 0x61, 0xAA} // non-IDR slice (type 1)
	if isKeyframe(au) {
		t.Fatal("expected non-IDR access unit to not be a keyframe")
	}
}

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

func TestForwardFrameRoutesVideoAndAudio(t *testing.T) {
	r := router.New("test", router.DropOldest)
	sess := &session{r: r}
	sess.setupTracks()

	obs := &recordingObserver{id: "obs1"}
	r.AttachObserver(obs, nil, router.DropOldest)

	sess.forwardFrame(gocodec.CODECID_VIDEO_H264, 1000, 1000, []byte{0, 0, 1, 0x65, 0xAA})
	sess.forwardFrame(gocodec.CODECID_AUDIO_AAC, 2000, 2000, []byte{0x21, 0x22})

	deadline := time.Now().Add(time.Second)
	for obs.received() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if obs.received() != 2 {
		t.Fatalf("observer received %d packets, want 2", obs.received())
	}
}

func TestForwardFrameUnknownCodecIsDropped(t *testing.T) {
	r := router.New("test", router.DropOldest)
	sess := &session{r: r}
	sess.setupTracks()

	sess.forwardFrame(gocodec.CodecID(0xFF), 0, 0, []byte{0x00})
}
