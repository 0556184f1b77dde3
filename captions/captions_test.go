package captions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/ccx"

	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/router"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := &ccx.CaptionFrame{PTS: 1234, Text: "hello world", Channel: 2}
	b, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ch, text, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ch != 2 || text != "hello world" {
		t.Errorf("Decode() = (%d, %q), want (2, %q)", ch, text, "hello world")
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	if _, _, err := Decode([]byte("not json")); err == nil {
		t.Error("expected an error decoding malformed caption data")
	}
}

type captureObserver struct {
	mu  sync.Mutex
	got []*media.Packet
}

func (o *captureObserver) ID() string          { return "capture" }
func (o *captureObserver) QueueDepth() int      { return 0 }
func (o *captureObserver) OnPacket(p *media.Packet) {
	o.mu.Lock()
	o.got = append(o.got, p)
	o.mu.Unlock()
}

func TestPumpForwardsFramesAsPackets(t *testing.T) {
	r := router.New("stream1", router.DropOldest)
	const trackID = 3
	r.RegisterTrack(NewTrack(trackID))

	obs := &captureObserver{}
	r.AttachObserver(obs, nil, router.DropOldest)

	frames := make(chan *ccx.CaptionFrame, 2)
	frames <- &ccx.CaptionFrame{PTS: 100, Text: "line one", Channel: 1}
	close(frames)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	Pump(ctx, frames, r, trackID)

	deadline := time.After(time.Second)
	for {
		obs.mu.Lock()
		n := len(obs.got)
		obs.mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("observer did not receive the forwarded caption packet in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	obs.mu.Lock()
	p := obs.got[0]
	obs.mu.Unlock()
	ch, text, err := Decode(p.Data)
	if err != nil {
		t.Fatalf("Decode forwarded packet: %v", err)
	}
	if ch != 1 || text != "line one" || p.PTS != 100 || p.TrackID != trackID {
		t.Errorf("unexpected forwarded packet: channel=%d text=%q pts=%d track=%d", ch, text, p.PTS, p.TrackID)
	}
}
