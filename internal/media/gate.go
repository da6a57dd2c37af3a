package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// gatedTrack forwards a TrackLocal to the PeerConnection and drops written
// packets while the owning track is disabled.
type gatedTrack struct {
	webrtc.TrackLocal
	enabled *atomic.Bool

	mu    sync.Mutex
	bound map[string]*gatedContext
}

func newGatedTrack(t webrtc.TrackLocal, enabled *atomic.Bool) *gatedTrack {
	return &gatedTrack{TrackLocal: t, enabled: enabled, bound: make(map[string]*gatedContext)}
}

func (g *gatedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	gc := &gatedContext{TrackLocalContext: ctx, enabled: g.enabled}
	g.mu.Lock()
	g.bound[ctx.ID()] = gc
	g.mu.Unlock()
	return g.TrackLocal.Bind(gc)
}

func (g *gatedTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	g.mu.Lock()
	gc, ok := g.bound[ctx.ID()]
	delete(g.bound, ctx.ID())
	g.mu.Unlock()
	if !ok {
		return g.TrackLocal.Unbind(ctx)
	}
	return g.TrackLocal.Unbind(gc)
}

type gatedContext struct {
	webrtc.TrackLocalContext
	enabled *atomic.Bool
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{w: c.TrackLocalContext.WriteStream(), enabled: c.enabled}
}

type gatedWriter struct {
	w       webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.enabled.Load() {
		return header.MarshalSize() + len(payload), nil
	}
	return w.w.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.enabled.Load() {
		return len(b), nil
	}
	return w.w.Write(b)
}
