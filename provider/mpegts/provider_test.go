package mpegts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/router"
)

func TestExtractStreamKey(t *testing.T) {
	cases := []struct {
		addr string
		want string
	}{
		{"192.168.1.5:51234", "192.168.1.5"},
		{"[::1]:9000", "--1"},
		{"", "default"},
	}
	for _, c := range cases {
		if got := extractStreamKey(c.addr); got != c.want {
			t.Errorf("extractStreamKey(%q) = %q, want %q", c.addr, got, c.want)
		}
	}
}

func TestAnnexBPrependsStartCodes(t *testing.T) {
	got := annexB(nil, [][]byte{{0xAA}, {0xBB, 0xCC}})
	want := []byte{0, 0, 0, 1, 0xAA, 0, 0, 0, 1, 0xBB, 0xCC}
	if string(got) != string(want) {
		t.Errorf("annexB() = %x, want %x", got, want)
	}
}

type recordingObserver struct {
	mu sync.Mutex
	ps []*media.Packet
}

func (o *recordingObserver) ID() string { return "test" }
func (o *recordingObserver) OnPacket(p *media.Packet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ps = append(o.ps, p)
}
func (o *recordingObserver) QueueDepth() int { return 0 }

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ps)
}

func TestPumpVideoForwardsFramesAsPackets(t *testing.T) {
	r := router.New("test", router.DropOldest)
	r.RegisterTrack(media.Track{ID: videoTrackID, Type: media.TrackVideo, Codec: media.CodecH264, Timebase: microsecondTimebase})
	obs := &recordingObserver{}
	r.AttachObserver(obs, nil, router.DropOldest)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan *media.VideoFrame, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	s := &Server{}
	go s.pumpVideo(ctx, &wg, frames, r)

	frames <- &media.VideoFrame{PTS: 42, IsKeyframe: true, NALUs: [][]byte{{0x65, 0x01}}, Codec: "h264"}
	close(frames)
	wg.Wait()

	deadline := time.After(time.Second)
	for obs.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("observer never received a packet")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestPumpAudioSkipsSecondaryTracks(t *testing.T) {
	r := router.New("test", router.DropOldest)
	r.RegisterTrack(media.Track{ID: audioTrackID, Type: media.TrackAudio, Codec: media.CodecAAC, Timebase: microsecondTimebase})
	obs := &recordingObserver{}
	r.AttachObserver(obs, nil, router.DropOldest)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan *media.AudioFrame, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	s := &Server{}
	go s.pumpAudio(ctx, &wg, frames, r)

	frames <- &media.AudioFrame{PTS: 1, Data: []byte{0x01}, TrackIndex: 0}
	frames <- &media.AudioFrame{PTS: 2, Data: []byte{0x02}, TrackIndex: 1}
	close(frames)
	wg.Wait()

	if got := obs.count(); got != 1 {
		t.Fatalf("expected only the primary audio track to be forwarded, got %d packets", got)
	}
}

func TestPumpSCTE35ForwardsRawSections(t *testing.T) {
	var got []byte
	var gotKey string
	s := &Server{
		scte35: func(streamKey string, raw []byte) {
			gotKey = streamKey
			got = raw
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sections := make(chan []byte, 1)
	sections <- []byte{0xFC, 0x30}
	close(sections)

	done := make(chan struct{})
	go func() {
		s.pumpSCTE35(ctx, sections, "abc")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pumpSCTE35 did not return after the channel closed")
	}

	if gotKey != "abc" || string(got) != "\xfc\x30" {
		t.Errorf("unexpected forwarded section: key=%q raw=%x", gotKey, got)
	}
}

func TestPumpSCTE35NoopWhenSinkNil(t *testing.T) {
	s := &Server{}
	sections := make(chan []byte, 1)
	sections <- []byte{0xFC}
	close(sections)

	done := make(chan struct{})
	go func() {
		s.pumpSCTE35(context.Background(), sections, "abc")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pumpSCTE35 did not return after the channel closed")
	}
}
