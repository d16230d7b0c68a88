package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"callguard/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	offerSDP  = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\n"
	answerSDP = "v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\n"
)

type fakeTransport struct {
	mu          sync.Mutex
	remote      []string
	added       []string
	failAdd     map[string]bool
	failRemote  error
	closed      int
	onCandidate func(domain.IceCandidate)
	onEvent     func(TransportEvent)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failAdd: map[string]bool{}}
}

func (f *fakeTransport) CreateOffer(context.Context) (string, error)  { return offerSDP, nil }
func (f *fakeTransport) CreateAnswer(context.Context) (string, error) { return answerSDP, nil }

func (f *fakeTransport) SetRemoteDescription(kind domain.MessageKind, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemote != nil {
		return f.failRemote
	}
	f.remote = append(f.remote, string(kind))
	return nil
}

func (f *fakeTransport) AddICECandidate(c domain.IceCandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd[c.Candidate] {
		return errors.New("unusable candidate")
	}
	f.added = append(f.added, c.Candidate)
	return nil
}

func (f *fakeTransport) OnLocalCandidate(fn func(domain.IceCandidate)) { f.onCandidate = fn }
func (f *fakeTransport) OnEvent(fn func(TransportEvent))               { f.onEvent = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) addedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.added...)
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []domain.NegotiationMessage
	err  error
}

func (s *fakeSignaler) Send(_ context.Context, msg domain.NegotiationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaler) kinds() []domain.MessageKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MessageKind, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Kind())
	}
	return out
}

func candidate(i int) domain.IceCandidate {
	mid := "0"
	return domain.IceCandidate{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 10.0.0.%d 5000 typ host", i, i),
		SDPMid:    &mid,
	}
}

func newTestNegotiator(t *testing.T, role domain.ParticipantRole, maxPending int) (*Negotiator, *fakeTransport, *fakeSignaler) {
	t.Helper()
	tr := newFakeTransport()
	sig := &fakeSignaler{}
	n, err := New(Config{Role: role, MaxPendingCandidates: maxPending}, tr, sig, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return n, tr, sig
}

func TestNegotiator_CallerFlow(t *testing.T) {
	ctx := context.Background()
	n, tr, sig := newTestNegotiator(t, domain.RoleCaller, 0)
	assert.Equal(t, AwaitingLocalDescription, n.State())

	require.Equal(t, Applied, n.Start(ctx).Outcome)
	assert.Equal(t, AwaitingRemoteDescription, n.State())
	assert.Equal(t, []domain.MessageKind{domain.KindOffer}, sig.kinds())

	// starting twice is out of turn
	assert.Equal(t, Ignored, n.Start(ctx).Outcome)

	require.Equal(t, Applied, n.Handle(ctx, domain.Answer{SDP: answerSDP}).Outcome)
	assert.Equal(t, Negotiating, n.State())
	assert.Equal(t, []string{"answer"}, tr.remote)

	require.Equal(t, Applied, n.Handle(ctx, candidate(1)).Outcome)
	assert.Len(t, tr.addedCandidates(), 1)

	tr.onEvent(TransportConnected)
	assert.Equal(t, Connected, n.State())

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.Equal(t, Closed, n.State())
	assert.Equal(t, 1, tr.closed)
	select {
	case <-n.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestNegotiator_CalleeFlow(t *testing.T) {
	ctx := context.Background()
	n, tr, sig := newTestNegotiator(t, domain.RoleCallee, 0)
	assert.Equal(t, AwaitingRemoteDescription, n.State())

	assert.Equal(t, Ignored, n.Start(ctx).Outcome)
	assert.Equal(t, Ignored, n.Handle(ctx, domain.Answer{SDP: answerSDP}).Outcome)

	require.Equal(t, Applied, n.Handle(ctx, domain.Offer{SDP: offerSDP}).Outcome)
	assert.Equal(t, Negotiating, n.State())
	assert.Equal(t, []string{"offer"}, tr.remote)
	assert.Equal(t, []domain.MessageKind{domain.KindAnswer}, sig.kinds())

	// a repeated offer is noise, not a renegotiation
	assert.Equal(t, Ignored, n.Handle(ctx, domain.Offer{SDP: offerSDP}).Outcome)
}

func TestNegotiator_BuffersEarlyCandidatesInOrder(t *testing.T) {
	ctx := context.Background()
	n, tr, _ := newTestNegotiator(t, domain.RoleCaller, 0)
	require.Equal(t, Applied, n.Start(ctx).Outcome)

	for i := 1; i <= 3; i++ {
		assert.Equal(t, Buffered, n.Handle(ctx, candidate(i)).Outcome)
	}
	assert.Equal(t, 3, n.Pending())
	assert.Empty(t, tr.addedCandidates())

	require.Equal(t, Applied, n.Handle(ctx, domain.Answer{SDP: answerSDP}).Outcome)
	assert.Equal(t, 0, n.Pending())
	assert.Equal(t, []string{candidate(1).Candidate, candidate(2).Candidate, candidate(3).Candidate}, tr.addedCandidates())

	require.Equal(t, Applied, n.Handle(ctx, candidate(4)).Outcome)
	assert.Equal(t, candidate(4).Candidate, tr.addedCandidates()[3])
}

func TestNegotiator_CandidateBufferIsBounded(t *testing.T) {
	ctx := context.Background()
	n, tr, _ := newTestNegotiator(t, domain.RoleCallee, 2)

	assert.Equal(t, Buffered, n.Handle(ctx, candidate(1)).Outcome)
	assert.Equal(t, Buffered, n.Handle(ctx, candidate(2)).Outcome)
	res := n.Handle(ctx, candidate(3))
	assert.Equal(t, Ignored, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrCandidateBufferFull)

	require.Equal(t, Applied, n.Handle(ctx, domain.Offer{SDP: offerSDP}).Outcome)
	assert.Equal(t, []string{candidate(1).Candidate, candidate(2).Candidate}, tr.addedCandidates())
}

func TestNegotiator_NoiseIsNeverFatal(t *testing.T) {
	ctx := context.Background()
	n, tr, _ := newTestNegotiator(t, domain.RoleCallee, 0)
	require.Equal(t, Applied, n.Handle(ctx, domain.Offer{SDP: offerSDP}).Outcome)

	bad := candidate(9)
	tr.failAdd[bad.Candidate] = true
	assert.Equal(t, Ignored, n.Handle(ctx, bad).Outcome)

	assert.Equal(t, Ignored, n.Handle(ctx, domain.IceCandidate{Candidate: "nonsense"}).Outcome)
	assert.Equal(t, Ignored, n.Handle(ctx, nil).Outcome)
	assert.Equal(t, Ignored, n.HandleRaw(ctx, "ice-candidate", json.RawMessage(`{"sdpMid":"0"}`)).Outcome)
	assert.Equal(t, Ignored, n.HandleRaw(ctx, "ice-candidate", json.RawMessage(`not json`)).Outcome)
	assert.Equal(t, Ignored, n.HandleRaw(ctx, "renegotiate", nil).Outcome)

	assert.Equal(t, Applied, n.HandleRaw(ctx, "ice-candidate",
		json.RawMessage(`{"candidate":"candidate:7 1 udp 1 10.0.0.7 5000 typ host","sdpMLineIndex":0}`)).Outcome)
	assert.Equal(t, Negotiating, n.State())
}

func TestNegotiator_FatalFaults(t *testing.T) {
	ctx := context.Background()

	n, tr, _ := newTestNegotiator(t, domain.RoleCallee, 0)
	tr.failRemote = errors.New("bad sdp")
	res := n.Handle(ctx, domain.Offer{SDP: offerSDP})
	assert.True(t, res.IsFatal())
	assert.Equal(t, Failed, n.State())
	assert.Equal(t, Ignored, n.Handle(ctx, candidate(1)).Outcome)

	n, _, sig := newTestNegotiator(t, domain.RoleCaller, 0)
	sig.err = errors.New("socket closed")
	assert.True(t, n.Start(ctx).IsFatal())
	assert.Equal(t, Failed, n.State())

	n, tr, _ = newTestNegotiator(t, domain.RoleCaller, 0)
	require.Equal(t, Applied, n.Start(ctx).Outcome)
	tr.onEvent(TransportFailed)
	assert.Equal(t, Failed, n.State())
	tr.onEvent(TransportConnected)
	assert.Equal(t, Failed, n.State())
}

func TestNegotiator_SendsLocalCandidates(t *testing.T) {
	n, tr, sig := newTestNegotiator(t, domain.RoleCaller, 0)
	tr.onCandidate(candidate(1))
	tr.onCandidate(candidate(2))
	assert.Equal(t, []domain.MessageKind{domain.KindICECandidate, domain.KindICECandidate}, sig.kinds())

	require.NoError(t, n.Close())
	tr.onCandidate(candidate(3))
	assert.Len(t, sig.kinds(), 2)
}

func TestNew_RejectsUnknownRole(t *testing.T) {
	_, err := New(Config{Role: "observer"}, newFakeTransport(), &fakeSignaler{}, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}
