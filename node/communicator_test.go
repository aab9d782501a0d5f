package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/moonbotlabs/moonbot"
)

// fakeTransport records sent frames and can answer them.
type fakeTransport struct {
	mu     sync.Mutex
	frames []requestFrame
	err    error
}

func (f *fakeTransport) Send(socketID string, frame []byte) error {
	if f.err != nil {
		return f.err
	}
	var req requestFrame
	if err := json.Unmarshal(frame, &req); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, req)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) last() (requestFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return requestFrame{}, false
	}
	return f.frames[len(f.frames)-1], true
}

func newCommHarness(t *testing.T, opts ...CommunicatorOption) (*Communicator, *fakeTransport, Connection) {
	t.Helper()
	sessions := NewSessionManager()
	conn := pair(t, sessions, "user-1", "sock-1", execInfo("laptop"))
	transport := &fakeTransport{}
	return NewCommunicator(sessions, transport, opts...), transport, conn
}

func TestSendAndWait_Resolved(t *testing.T) {
	comm, transport, conn := newCommHarness(t)

	done := make(chan struct{})
	var payload json.RawMessage
	var sendErr error
	go func() {
		defer close(done)
		payload, sendErr = comm.SendAndWait(context.Background(), conn.NodeID,
			"command.execute", map[string]string{"command": "git status"}, time.Second)
	}()

	frame := waitFrame(t, transport)
	if frame.Method != "command.execute" || frame.JSONRPC != "2.0" {
		t.Errorf("sent frame = %+v, want a command.execute request", frame)
	}

	comm.HandleResponse([]byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%q,"result":{"stdout":"clean"}}`, frame.ID)))
	<-done

	if sendErr != nil {
		t.Fatalf("send failed: %v", sendErr)
	}
	if string(payload) != `{"stdout":"clean"}` {
		t.Errorf("got payload %s, want the companion's result", payload)
	}
	if comm.Pending() != 0 {
		t.Errorf("%d requests still pending, want 0", comm.Pending())
	}
}

func TestSendAndWait_NodeError(t *testing.T) {
	comm, transport, conn := newCommHarness(t)

	done := make(chan error, 1)
	go func() {
		_, err := comm.SendAndWait(context.Background(), conn.NodeID, "command.execute", nil, time.Second)
		done <- err
	}()

	frame := waitFrame(t, transport)
	comm.HandleResponse([]byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%q,"error":{"code":-32000,"message":"exec failed"}}`, frame.ID)))
	assertCode(t, <-done, moonbot.CodeNodeUnreachable)
}

func TestSendAndWait_Timeout(t *testing.T) {
	comm, _, conn := newCommHarness(t)
	_, err := comm.SendAndWait(context.Background(), conn.NodeID, "command.execute", nil, 20*time.Millisecond)
	assertCode(t, err, moonbot.CodeNodeTimeout)
	if comm.Pending() != 0 {
		t.Errorf("%d requests still pending after timeout, want 0", comm.Pending())
	}
}

func TestSendAndWait_ObserverSeesOutcome(t *testing.T) {
	type observation struct {
		nodeID string
		method string
		ok     bool
	}
	var mu sync.Mutex
	var seen []observation
	comm, transport, conn := newCommHarness(t, WithRequestObserver(
		func(nodeID, method string, ok bool, _ time.Duration) {
			mu.Lock()
			seen = append(seen, observation{nodeID, method, ok})
			mu.Unlock()
		}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		comm.SendAndWait(context.Background(), conn.NodeID, "command.execute", nil, time.Second)
	}()
	frame := waitFrame(t, transport)
	comm.HandleResponse([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{}}`, frame.ID)))
	<-done

	// A request nobody answers is observed as a failure.
	comm.SendAndWait(context.Background(), conn.NodeID, "command.execute", nil, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("observed %d requests, want 2", len(seen))
	}
	if seen[0] != (observation{conn.NodeID, "command.execute", true}) {
		t.Errorf("first observation = %+v, want a success", seen[0])
	}
	if seen[1].ok {
		t.Errorf("second observation = %+v, want a failure", seen[1])
	}
}

func TestSendAndWait_UnknownNode(t *testing.T) {
	comm, _, _ := newCommHarness(t)
	_, err := comm.SendAndWait(context.Background(), "ghost", "command.execute", nil, time.Second)
	assertCode(t, err, moonbot.CodeNodeNotFound)
}

func TestSendAndWait_OfflineNode(t *testing.T) {
	sessions := NewSessionManager()
	conn := pair(t, sessions, "user-1", "sock-1", execInfo("laptop"))
	sessions.MarkOffline("sock-1")
	comm := NewCommunicator(sessions, &fakeTransport{})

	_, err := comm.SendAndWait(context.Background(), conn.NodeID, "command.execute", nil, time.Second)
	assertCode(t, err, moonbot.CodeNodeNotAvailable)
}

func TestSendAndWait_TransportFailure(t *testing.T) {
	sessions := NewSessionManager()
	conn := pair(t, sessions, "user-1", "sock-1", execInfo("laptop"))
	comm := NewCommunicator(sessions, &fakeTransport{err: errors.New("socket closed")})

	_, err := comm.SendAndWait(context.Background(), conn.NodeID, "command.execute", nil, time.Second)
	assertCode(t, err, moonbot.CodeNodeUnreachable)
	if comm.Pending() != 0 {
		t.Errorf("%d requests still pending after send failure, want 0", comm.Pending())
	}
}

func TestSendAndWait_ContextCancelled(t *testing.T) {
	comm, _, conn := newCommHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := comm.SendAndWait(ctx, conn.NodeID, "command.execute", nil, time.Second)
	if err != context.Canceled {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestHandleResponse_LateReplyDropped(t *testing.T) {
	comm, _, _ := newCommHarness(t)
	// Must not panic or create state.
	comm.HandleResponse([]byte(`{"jsonrpc":"2.0","id":"stale","result":{}}`))
	if comm.Pending() != 0 {
		t.Errorf("late reply created pending state")
	}
}

func TestNodeDisconnected_OnlyMatchingNode(t *testing.T) {
	sessions := NewSessionManager()
	a := pair(t, sessions, "user-1", "sock-1", execInfo("a"))
	b := pair(t, sessions, "user-1", "sock-2", execInfo("b"))
	transport := &fakeTransport{}
	comm := NewCommunicator(sessions, transport)

	errA := make(chan error, 1)
	go func() {
		_, err := comm.SendAndWait(context.Background(), a.NodeID, "command.execute", nil, time.Second)
		errA <- err
	}()
	resB := make(chan error, 1)
	go func() {
		_, err := comm.SendAndWait(context.Background(), b.NodeID, "command.execute", nil, time.Second)
		resB <- err
	}()

	waitPending(t, comm, 2)
	comm.NodeDisconnected(a.NodeID)
	assertCode(t, <-errA, moonbot.CodeNodeDisconnected)

	// b's request is still in flight; answer it normally.
	var bFrame requestFrame
	found := false
	for _, f := range transportFrames(transport) {
		comm.mu.Lock()
		_, pending := comm.pending[f.ID]
		comm.mu.Unlock()
		if pending {
			bFrame = f
			found = true
		}
	}
	if !found {
		t.Fatal("no pending frame left for node b")
	}
	comm.HandleResponse([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{}}`, bFrame.ID)))
	if err := <-resB; err != nil {
		t.Errorf("node b's request failed after a's disconnect: %v", err)
	}
}

func TestShutdown_RejectsAll(t *testing.T) {
	comm, _, conn := newCommHarness(t)

	done := make(chan error, 1)
	go func() {
		_, err := comm.SendAndWait(context.Background(), conn.NodeID, "command.execute", nil, time.Second)
		done <- err
	}()
	waitPending(t, comm, 1)

	comm.Shutdown()
	assertCode(t, <-done, moonbot.CodeCommunicatorShutdown)

	// New requests are refused outright.
	_, err := comm.SendAndWait(context.Background(), conn.NodeID, "command.execute", nil, time.Second)
	assertCode(t, err, moonbot.CodeCommunicatorShutdown)
}

func TestSweep_EvictsStaleRequests(t *testing.T) {
	comm, _, conn := newCommHarness(t, WithRequestTTL(time.Minute))

	done := make(chan error, 1)
	go func() {
		_, err := comm.SendAndWait(context.Background(), conn.NodeID, "command.execute", nil, time.Second)
		done <- err
	}()
	waitPending(t, comm, 1)

	comm.sweep(time.Now().Add(2 * time.Minute))
	assertCode(t, <-done, moonbot.CodeNodeTimeout)
}

func waitFrame(t *testing.T, transport *fakeTransport) requestFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f, ok := transport.last(); ok {
			return f
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no frame sent within 2s")
	return requestFrame{}
}

func waitPending(t *testing.T, comm *Communicator, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if comm.Pending() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending = %d, want %d", comm.Pending(), n)
}

func transportFrames(f *fakeTransport) []requestFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]requestFrame(nil), f.frames...)
}
