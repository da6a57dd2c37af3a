package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/duo/internal/app/events"
	"github.com/dkeye/duo/internal/core"
	"github.com/dkeye/duo/internal/domain"
	"github.com/dkeye/duo/internal/media"
	"github.com/dkeye/duo/internal/protocol"
)

type fakeDevice struct {
	id     string
	class  domain.TrackClass
	closed atomic.Bool
}

func (d *fakeDevice) ID() string               { return d.id }
func (d *fakeDevice) Class() domain.TrackClass { return d.class }

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return nil
}

type fakeCapturer struct {
	mu    sync.Mutex
	err   error
	block chan struct{}
	kinds []domain.MediaKind
	devs  []*fakeDevice
}

func (f *fakeCapturer) Capture(_ context.Context, kind domain.MediaKind) ([]media.Device, error) {
	f.mu.Lock()
	f.kinds = append(f.kinds, kind)
	err, block := f.err, f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}

	made := []*fakeDevice{{id: "mic", class: domain.Audio}}
	if kind.HasVideo() {
		made = append(made, &fakeDevice{id: "cam", class: domain.Video})
	}
	f.mu.Lock()
	f.devs = append(f.devs, made...)
	f.mu.Unlock()

	out := make([]media.Device, len(made))
	for i, d := range made {
		out[i] = d
	}
	return out, nil
}

func (f *fakeCapturer) requested() []domain.MediaKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MediaKind(nil), f.kinds...)
}

func (f *fakeCapturer) allClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devs {
		if !d.closed.Load() {
			return false
		}
	}
	return len(f.devs) > 0
}

type fakeNegotiator struct {
	mu         sync.Mutex
	sid        string
	stream     *media.Stream
	localOffer bool
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
	srdErr     error

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(media.Track)
}

func (n *fakeNegotiator) AddLocalStream(s *media.Stream, _ domain.MediaKind) error {
	n.mu.Lock()
	n.stream = s
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	n.mu.Lock()
	n.localOffer = true
	onICE := n.onICE
	n.mu.Unlock()
	// Gathering starts with the local description, before the offer is sent.
	if onICE != nil {
		onICE(webrtc.ICECandidateInit{Candidate: "candidate:" + n.sid})
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + n.sid}, nil
}

func (n *fakeNegotiator) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.remote) == 0 || n.remote[0].Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: no remote offer", domain.ErrNegotiation)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + n.sid}, nil
}

func (n *fakeNegotiator) SetRemoteDescription(d webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.srdErr != nil {
		return n.srdErr
	}
	if n.closed {
		return fmt.Errorf("%w: closed", domain.ErrNegotiation)
	}
	if d.Type == webrtc.SDPTypeAnswer && !n.localOffer {
		return fmt.Errorf("%w: answer without offer", domain.ErrNegotiation)
	}
	n.remote = append(n.remote, d)
	return nil
}

func (n *fakeNegotiator) AddICECandidate(ci webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.candidates = append(n.candidates, ci)
	}
	return nil
}

func (n *fakeNegotiator) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	n.mu.Lock()
	n.onICE = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	n.mu.Lock()
	n.onState = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) OnRemoteTrack(fn func(media.Track)) {
	n.mu.Lock()
	n.onTrack = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) IsClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *fakeNegotiator) setState(s webrtc.PeerConnectionState) {
	n.mu.Lock()
	fn := n.onState
	n.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (n *fakeNegotiator) remoteDescriptions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.remote)
}

func (n *fakeNegotiator) remoteCandidates() []webrtc.ICECandidateInit {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), n.candidates...)
}

type fakeFactory struct {
	mu     sync.Mutex
	made   []*fakeNegotiator
	srdErr error
}

func (f *fakeFactory) New(sid string) (core.Negotiator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := &fakeNegotiator{sid: sid, srdErr: f.srdErr}
	f.made = append(f.made, n)
	return n, nil
}

func (f *fakeFactory) last() *fakeNegotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

// fakeChannel records outbound messages and, when linked to a fakeRelay,
// routes them the way the relay does.
type fakeChannel struct {
	mu        sync.Mutex
	id        domain.UserID
	connected bool
	sent      []protocol.Message
	in        chan protocol.Message
	lost      chan error
	relay     *fakeRelay
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{in: make(chan protocol.Message, 64), lost: make(chan error, 1)}
}

func (f *fakeChannel) Connect(_ context.Context, id domain.Identity) error {
	f.mu.Lock()
	f.id = id.ID
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(msg protocol.Message) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return domain.ErrChannelNotReady
	}
	f.sent = append(f.sent, msg)
	relay, from := f.relay, f.id
	f.mu.Unlock()
	if relay != nil {
		relay.route(from, msg)
	}
	return nil
}

func (f *fakeChannel) Messages() <-chan protocol.Message { return f.in }

func (f *fakeChannel) Lost() <-chan error { return f.lost }

// drop simulates the relay connection failing underneath the client.
func (f *fakeChannel) drop(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.lost <- err
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.sent...)
}

func (f *fakeChannel) ofKind(k protocol.Kind) []protocol.Message {
	var out []protocol.Message
	for _, m := range f.messages() {
		if m.Type == k {
			out = append(out, m)
		}
	}
	return out
}

type fakeRelay struct {
	mu    sync.Mutex
	peers map[domain.UserID]*fakeChannel
}

func (r *fakeRelay) link(id domain.UserID, ch *fakeChannel) {
	r.mu.Lock()
	if r.peers == nil {
		r.peers = map[domain.UserID]*fakeChannel{}
	}
	r.peers[id] = ch
	r.mu.Unlock()
	ch.mu.Lock()
	ch.relay = r
	ch.mu.Unlock()
}

func (r *fakeRelay) route(from domain.UserID, msg protocol.Message) {
	msg.SenderID = from
	r.mu.Lock()
	target, src := r.peers[msg.TargetUserID], r.peers[from]
	r.mu.Unlock()
	if target == nil {
		if src != nil {
			src.in <- protocol.Message{Type: protocol.KindUserOffline, TargetUserID: msg.TargetUserID}
		}
		return
	}
	target.in <- msg
	if msg.Type == protocol.KindOffer {
		target.in <- protocol.IncomingCall(msg)
	}
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) add(ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) count(k events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.evs {
		if ev.Kind() == k {
			n++
		}
	}
	return n
}

func (r *recorder) last(k events.Kind) events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.evs) - 1; i >= 0; i-- {
		if r.evs[i].Kind() == k {
			return r.evs[i]
		}
	}
	return nil
}

type harness struct {
	c    *Coordinator
	ch   *fakeChannel
	capt *fakeCapturer
	negs *fakeFactory
	rec  *recorder
}

func newHarness(t *testing.T, id domain.UserID, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		ch:   newFakeChannel(),
		capt: &fakeCapturer{},
		negs: &fakeFactory{},
		rec:  &recorder{},
	}
	o := Options{
		Identity:    domain.Identity{ID: id, Role: domain.RoleGuest, DisplayName: string(id)},
		Channel:     h.ch,
		Media:       media.NewManager(h.capt, 0),
		Negotiators: h.negs.New,
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.c = New(o)
	h.c.AddListener(h.rec.add)
	require.NoError(t, h.c.Connect(context.Background()))
	t.Cleanup(func() { _ = h.c.Close() })
	return h
}

func remoteOffer(from, to domain.UserID, video bool) protocol.Message {
	msg := protocol.NewOffer(to, domain.Identity{ID: from, DisplayName: "Dr " + string(from)},
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}, video)
	msg.SenderID = from
	return msg
}

func remoteAnswer(from, to domain.UserID) protocol.Message {
	return protocol.NewAnswer(to, from, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"})
}

func newRemote(id string, stop func() error) media.Track {
	return media.NewRemoteTrack(id, domain.Audio, stop)
}
