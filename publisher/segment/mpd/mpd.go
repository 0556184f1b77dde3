// Package mpd builds DASH (and LL-DASH/CMAF) media presentation
// descriptions: a struct mirroring the XML element tree, rendered to
// text by hand in the same struct-then-string-build idiom the sibling
// hls.go uses for #EXTM3U — DASH manifests are simple enough that a
// full XML-schema library would add ceremony without adding safety.
package mpd

import (
	"fmt"
	"strings"
)

// Segment is one fMP4 media segment entry in a SegmentTimeline.
type Segment struct {
	Sequence    int64
	DurationMs  int64
}

// Event describes one pending SCTE-35 derived ad-marker event for a
// Period, rendered inside a DASH <EventStream> element.
type Event struct {
	ID       string
	Duration float64 // seconds
	Presence string  // "out" or "in"
}

// AdaptationSet is one track (video or audio) within a Period.
type AdaptationSet struct {
	ID           int
	ContentType  string // "video" or "audio"
	MimeType     string
	Codecs       string
	Width        int
	Height       int
	SampleRate   int
	InitURI      string
	MediaPattern string // e.g. "stream-$Number$.m4s"
	TimescaleHz  int64
	Segments     []Segment
}

// Manifest is the top-level MPD document for one stream.
type Manifest struct {
	StreamKey        string
	MinBufferTimeSec float64
	IsLive           bool
	AdaptationSets   []AdaptationSet
	Events           []Event
}

// Render writes the manifest to MPD/XML text by hand.
func (m *Manifest) Render() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")

	profile := "urn:mpeg:dash:profile:isoff-live:2011"
	fmt.Fprintf(&b, `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="%s" profiles="%s" minBufferTime="PT%.1fS">`+"\n",
		mpdType(m.IsLive), profile, m.MinBufferTimeSec)

	b.WriteString("  <Period id=\"0\" start=\"PT0S\">\n")

	for _, ev := range m.Events {
		renderEvent(&b, ev)
	}

	for _, as := range m.AdaptationSets {
		renderAdaptationSet(&b, as)
	}

	b.WriteString("  </Period>\n")
	b.WriteString("</MPD>\n")
	return b.String()
}

func mpdType(live bool) string {
	if live {
		return "dynamic"
	}
	return "static"
}

func renderEvent(b *strings.Builder, ev Event) {
	fmt.Fprintf(b, "    <EventStream schemeIdUri=\"urn:scte:scte35:2013:bin\">\n")
	fmt.Fprintf(b, "      <Event id=\"%s\" presentationTime=\"0\" duration=\"%d\">%s</Event>\n",
		ev.ID, int64(ev.Duration*1000), ev.Presence)
	b.WriteString("    </EventStream>\n")
}

func renderAdaptationSet(b *strings.Builder, as AdaptationSet) {
	fmt.Fprintf(b, "    <AdaptationSet id=\"%d\" contentType=\"%s\" mimeType=\"%s\" codecs=\"%s\"",
		as.ID, as.ContentType, as.MimeType, as.Codecs)
	if as.ContentType == "video" {
		fmt.Fprintf(b, " width=\"%d\" height=\"%d\"", as.Width, as.Height)
	} else {
		fmt.Fprintf(b, " audioSamplingRate=\"%d\"", as.SampleRate)
	}
	b.WriteString(">\n")

	fmt.Fprintf(b, "      <SegmentTemplate timescale=\"%d\" initialization=\"%s\" media=\"%s\">\n",
		as.TimescaleHz, as.InitURI, as.MediaPattern)
	b.WriteString("        <SegmentTimeline>\n")
	for _, s := range as.Segments {
		fmt.Fprintf(b, "          <S t=\"%d\" d=\"%d\"/>\n", s.Sequence, s.DurationMs)
	}
	b.WriteString("        </SegmentTimeline>\n")
	b.WriteString("      </SegmentTemplate>\n")
	b.WriteString("    </AdaptationSet>\n")
}
