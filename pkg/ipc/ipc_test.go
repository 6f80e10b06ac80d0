// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ipc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sync/errgroup"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/sched/schedtest"
	"kiwi.dev/kiwi/pkg/security"
	"kiwi.dev/kiwi/pkg/status"
)

const testTimeout = int64(10 * time.Second)

type testProcess struct {
	name  string
	token *security.Token
}

func (p *testProcess) Token() *security.Token { return p.token }
func (p *testProcess) String() string         { return p.name }

// processContext returns a context for a thread of a new process.
func processContext(name string, uid int32) (context.Context, *testProcess) {
	p := &testProcess{name: name}
	p.token = security.System()
	if uid != 0 {
		var err error
		if p.token, err = security.NewToken(p.token, security.Context{UID: uid, GID: uid, Groups: []int32{uid + 1}}); err != nil {
			panic(err)
		}
	}
	t := sched.NewHostThread(name)
	t.Owner = p
	return sched.WithThread(context.Background(), t), p
}

// connect returns both ends of an active connection.
func connect(t *testing.T, flags ConnectionFlags) (srv, cli *Endpoint, sctx, cctx context.Context) {
	t.Helper()
	sctx, sp := processContext("server", 0)
	cctx, _ = processContext("client", 1000)
	port := NewPort(sp)

	var g errgroup.Group
	g.Go(func() error {
		var err error
		cli, err = Open(cctx, port, testTimeout, flags)
		return err
	})
	srv, err := port.Listen(sctx, testTimeout)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return srv, cli, sctx, cctx
}

func checkStats(t *testing.T, eps ...*Endpoint) {
	t.Helper()
	for _, ep := range eps {
		if err := ep.Stats().Check(); err != nil {
			t.Errorf("%v: %v", ep, err)
		}
	}
}

func TestMessageCodec(t *testing.T) {
	msg := &Message{
		Type:      Request,
		ID:        7,
		Args:      [ArgsCount]uint64{1, 2, 3, 4, 5, 6},
		Timestamp: 12345,
		Serial:    99,
		Flags:     MessageSecurity | MessageHandle,
		Security:  security.Context{UID: 10, GID: 20, Groups: []int32{30, 40}},
		Data:      []byte("hello"),
	}
	buf := msg.Marshal(nil, 3)
	if want := HeaderSize + SecuritySize + HandleSize + 5; len(buf) != want {
		t.Fatalf("len(Marshal()) = %d, want %d", len(buf), want)
	}
	if HeaderSize != 88 {
		t.Errorf("HeaderSize = %d, want 88", HeaderSize)
	}

	got, id, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if id != 3 {
		t.Errorf("handle slot = %d, want 3", id)
	}
	if diff := cmp.Diff(msg, got, cmpopts.IgnoreUnexported(Message{})); diff != "" {
		t.Errorf("Unmarshal(Marshal()) mismatch (-want +got):\n%s", diff)
	}

	plain := &Message{Type: Signal, ID: 1}
	got, id, err = Unmarshal(plain.Marshal(nil, 0))
	if err != nil || id != object.InvalidID || got.Data != nil {
		t.Errorf("Unmarshal(plain) = %v, %d, %v; want no handle, no data", got, id, err)
	}
}

func TestMessageCodecErrors(t *testing.T) {
	good := (&Message{Type: Signal, Data: []byte("abcd")}).Marshal(nil, 0)
	badType := append([]byte(nil), good...)
	badType[0] = 3
	tooLarge := (&Message{}).MarshalHeader(nil)
	tooLarge[8] = 0xff
	tooLarge[9] = 0xff

	for _, test := range []struct {
		name string
		buf  []byte
		want error
	}{
		{"truncated header", good[:HeaderSize-1], status.InvalidArg},
		{"truncated payload", good[:len(good)-1], status.InvalidArg},
		{"trailing bytes", append(append([]byte(nil), good...), 0), status.InvalidArg},
		{"bad type", badType, status.InvalidArg},
		{"too large", tooLarge, status.TooLarge},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			if _, _, err := Unmarshal(test.buf); err != test.want {
				t.Errorf("Unmarshal = %v, want %v", err, test.want)
			}
		})
	}
}

func TestListenAndOpenErrors(t *testing.T) {
	ownerCtx, owner := processContext("owner", 0)
	otherCtx, _ := processContext("other", 0)
	port := NewPort(owner)

	if _, err := port.Listen(otherCtx, 0); err != status.AccessDenied {
		t.Errorf("Listen(non-owner) = %v, want %v", err, status.AccessDenied)
	}
	if _, err := port.Listen(ownerCtx, 0); err != status.WouldBlock {
		t.Errorf("Listen(poll) = %v, want %v", err, status.WouldBlock)
	}
	if _, err := port.Listen(ownerCtx, int64(10*time.Millisecond)); err != status.TimedOut {
		t.Errorf("Listen(timeout) = %v, want %v", err, status.TimedOut)
	}
	if _, err := Open(otherCtx, port, int64(10*time.Millisecond), 0); err != status.TimedOut {
		t.Errorf("Open(timeout) = %v, want %v", err, status.TimedOut)
	}
	if n := port.Pending(); n != 0 {
		t.Errorf("Pending() = %d after timed out open, want 0", n)
	}
	if _, err := Open(otherCtx, port, 0, 1<<5); err != status.InvalidArg {
		t.Errorf("Open(bad flags) = %v, want %v", err, status.InvalidArg)
	}

	port.Close()
	if _, err := Open(otherCtx, port, testTimeout, 0); err != status.ConnHungup {
		t.Errorf("Open(closed port) = %v, want %v", err, status.ConnHungup)
	}
	if _, err := port.Listen(ownerCtx, testTimeout); err != status.AccessDenied {
		t.Errorf("Listen(closed port) = %v, want %v", err, status.AccessDenied)
	}
}

func TestPortCloseRejectsOpeners(t *testing.T) {
	_, owner := processContext("owner", 0)
	cctx, _ := processContext("client", 0)
	port := NewPort(owner)

	done := make(chan error, 1)
	go func() {
		_, err := Open(cctx, port, testTimeout, 0)
		done <- err
	}()
	if err := schedtest.Poll(func() error {
		if port.Pending() == 0 {
			return fmt.Errorf("no pending connection")
		}
		return nil
	}, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	port.Close()
	if err := <-done; err != status.ConnHungup {
		t.Errorf("Open = %v, want %v", err, status.ConnHungup)
	}
}

func TestPortDisownedOnLastOwnerHandle(t *testing.T) {
	_, owner := processContext("owner", 0)
	table := object.NewTable(owner)
	port := NewPort(owner)
	id, h, err := table.Open(PortType, port, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	dup, err := table.Duplicate(id, object.InvalidID, false)
	if err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	h.Release()

	if err := table.Detach(id); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if port.Owner() == nil {
		t.Fatalf("port disowned with a handle left")
	}
	if err := table.Detach(dup); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if port.Owner() != nil {
		t.Errorf("port still owned after the last owner handle closed")
	}
}

// TestPingPong has a client send numbered requests that the server
// answers in turn, then hang up.
func TestPingPong(t *testing.T) {
	const rounds = 15
	srv, cli, sctx, cctx := connect(t, 0)

	var g errgroup.Group
	var replies []string
	g.Go(func() error {
		start, err := cli.Receive(cctx, FilterSignal, testTimeout)
		if err != nil {
			return fmt.Errorf("Receive(start): %w", err)
		}
		if string(start.Data) != "start" {
			return fmt.Errorf("got %q, want start", start.Data)
		}
		for i := 0; i < rounds; i++ {
			reply, err := cli.Request(cctx, &Message{ID: uint32(i), Data: []byte(fmt.Sprintf("PING %d", i))}, 0, testTimeout)
			if err != nil {
				return fmt.Errorf("Request(%d): %w", i, err)
			}
			replies = append(replies, string(reply.Data))
		}
		cli.Close()
		return nil
	})

	if err := srv.Signal(sctx, &Message{Data: []byte("start")}, 0, testTimeout); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	var requests []string
	var serials []uint64
	for i := 0; i < rounds; i++ {
		msg, err := srv.Receive(sctx, FilterRequest, testTimeout)
		if err != nil {
			t.Fatalf("Receive(%d): %v", i, err)
		}
		requests = append(requests, string(msg.Data))
		serials = append(serials, msg.Serial)
		if err := srv.Reply(sctx, &Message{Serial: msg.Serial, Data: []byte(fmt.Sprintf("PONG %d", msg.ID))}); err != nil {
			t.Fatalf("Reply(%d): %v", i, err)
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Receive(sctx, FilterAll, testTimeout); err != status.ConnHungup {
		t.Errorf("Receive after hangup = %v, want %v", err, status.ConnHungup)
	}

	var wantReq, wantRep []string
	var wantSerials []uint64
	for i := 0; i < rounds; i++ {
		wantReq = append(wantReq, fmt.Sprintf("PING %d", i))
		wantRep = append(wantRep, fmt.Sprintf("PONG %d", i))
		wantSerials = append(wantSerials, uint64(i+1))
	}
	if diff := cmp.Diff(wantReq, requests); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantRep, replies); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantSerials, serials); diff != "" {
		t.Errorf("serials mismatch (-want +got):\n%s", diff)
	}
	if got := cli.Stats(); got.Assigned != rounds || got.Replied != rounds {
		t.Errorf("client stats = %+v, want %d assigned and replied", got, rounds)
	}
	checkStats(t, srv, cli)
	srv.Close()
}

func TestReplyCancelled(t *testing.T) {
	srv, cli, sctx, cctx := connect(t, 0)
	defer srv.Close()
	defer cli.Close()

	if err := srv.Reply(sctx, &Message{Serial: 42}); err != status.Cancelled {
		t.Errorf("Reply(unknown serial) = %v, want %v", err, status.Cancelled)
	}

	// The request times out before the server answers it.
	_, err := cli.Request(cctx, &Message{Data: []byte("slow")}, 0, int64(20*time.Millisecond))
	if err != status.TimedOut {
		t.Fatalf("Request = %v, want %v", err, status.TimedOut)
	}
	if s := cli.Stats(); s.Cancelled != 1 || s.Outstanding != 0 {
		t.Errorf("stats after timeout = %+v, want 1 cancelled", s)
	}
	// An undelivered cancelled request is withdrawn from the queue.
	if _, err := srv.Receive(sctx, FilterAll, 0); err != status.WouldBlock {
		t.Errorf("Receive = %v, want %v", err, status.WouldBlock)
	}

	// A delivered request whose requester gives up.
	ctx, cancel := context.WithCancel(cctx)
	done := make(chan error, 1)
	go func() {
		_, err := cli.Request(ctx, &Message{Data: []byte("read")}, 0, testTimeout)
		done <- err
	}()
	msg, err := srv.Receive(sctx, FilterRequest, testTimeout)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	cancel()
	if err := <-done; err != status.Interrupted {
		t.Errorf("Request = %v, want %v", err, status.Interrupted)
	}
	if err := srv.Reply(sctx, &Message{Serial: msg.Serial}); err != status.Cancelled {
		t.Errorf("Reply(cancelled) = %v, want %v", err, status.Cancelled)
	}
	if s := cli.Stats(); s.Assigned != 2 || s.Cancelled != 2 {
		t.Errorf("stats = %+v, want 2 assigned and cancelled", s)
	}
	checkStats(t, srv, cli)
}

func TestAsyncRequest(t *testing.T) {
	srv, cli, sctx, cctx := connect(t, 0)
	defer srv.Close()
	defer cli.Close()

	req := &Message{Type: Request, Data: []byte("q")}
	if err := cli.Send(cctx, req, 0, testTimeout); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := cli.Signal(cctx, &Message{ID: 1}, 0, testTimeout); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if s := cli.Stats(); s.Queued != 1 || s.Delivered != 0 {
		t.Errorf("stats = %+v, want 1 queued", s)
	}

	// Requests are picked out past the queued signal.
	got, err := srv.Receive(sctx, FilterRequest, testTimeout)
	if err != nil || got.Serial != req.Serial {
		t.Fatalf("Receive(requests) = %v, %v; want serial %d", got, err, req.Serial)
	}
	if s := cli.Stats(); s.Queued != 0 || s.Delivered != 1 {
		t.Errorf("stats = %+v, want 1 delivered", s)
	}
	if err := srv.Reply(sctx, &Message{Serial: got.Serial, Data: []byte("a")}); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if err := srv.Reply(sctx, &Message{Serial: got.Serial}); err != status.Cancelled {
		t.Errorf("second Reply = %v, want %v", err, status.Cancelled)
	}

	reply, err := cli.Receive(cctx, FilterReply, testTimeout)
	if err != nil || reply.Serial != req.Serial || string(reply.Data) != "a" {
		t.Fatalf("Receive(replies) = %v, %v", reply, err)
	}
	sig, err := srv.Receive(sctx, FilterAll, 0)
	if err != nil || sig.Type != Signal {
		t.Errorf("Receive = %v, %v; want the signal", sig, err)
	}
	checkStats(t, srv, cli)
}

func TestFlowControl(t *testing.T) {
	srv, cli, sctx, cctx := connect(t, 0)
	defer srv.Close()
	defer cli.Close()

	if err := srv.SetQueueMax(1); err != nil {
		t.Fatalf("SetQueueMax: %v", err)
	}
	if err := cli.Signal(cctx, &Message{ID: 1}, 0, 0); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if err := cli.Signal(cctx, &Message{ID: 2}, 0, 0); err != status.WouldBlock {
		t.Errorf("Signal(full) = %v, want %v", err, status.WouldBlock)
	}
	if err := cli.Signal(cctx, &Message{ID: 3}, 0, int64(10*time.Millisecond)); err != status.TimedOut {
		t.Errorf("Signal(full) = %v, want %v", err, status.TimedOut)
	}
	if err := cli.Signal(cctx, &Message{ID: 4}, Force, 0); err != nil {
		t.Errorf("Signal(Force) = %v", err)
	}

	// A blocked sender proceeds once the queue drains.
	done := make(chan error, 1)
	go func() { done <- cli.Signal(cctx, &Message{ID: 5}, 0, testTimeout) }()
	var ids []uint32
	for i := 0; i < 3; i++ {
		msg, err := srv.Receive(sctx, FilterAll, testTimeout)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		ids = append(ids, msg.ID)
	}
	if err := <-done; err != nil {
		t.Errorf("blocked Signal = %v", err)
	}
	if diff := cmp.Diff([]uint32{1, 4, 5}, ids); diff != "" {
		t.Errorf("received mismatch (-want +got):\n%s", diff)
	}

	big := &Message{Data: make([]byte, DataMax+1)}
	if err := cli.Signal(cctx, big, Force, 0); err != status.TooLarge {
		t.Errorf("Signal(too large) = %v, want %v", err, status.TooLarge)
	}
}

func TestHangup(t *testing.T) {
	srv, cli, sctx, cctx := connect(t, 0)

	if err := srv.Signal(sctx, &Message{ID: 1}, 0, testTimeout); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := cli.Request(cctx, &Message{}, 0, testTimeout)
		done <- err
	}()
	if _, err := srv.Receive(sctx, FilterRequest, testTimeout); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	srv.Close()

	if err := <-done; err != status.ConnHungup {
		t.Errorf("Request = %v, want %v", err, status.ConnHungup)
	}
	if got := cli.Status(); got != StateClosed {
		t.Errorf("Status() = %v, want %v", got, StateClosed)
	}
	// Messages queued before the hangup are still delivered.
	if msg, err := cli.Receive(cctx, FilterAll, 0); err != nil || msg.ID != 1 {
		t.Errorf("Receive = %v, %v; want the queued signal", msg, err)
	}
	if _, err := cli.Receive(cctx, FilterAll, testTimeout); err != status.ConnHungup {
		t.Errorf("Receive(drained) = %v, want %v", err, status.ConnHungup)
	}
	if err := cli.Signal(cctx, &Message{}, 0, testTimeout); err != status.ConnHungup {
		t.Errorf("Signal = %v, want %v", err, status.ConnHungup)
	}
	if _, err := cli.OpenRemote(); err != status.ConnHungup {
		t.Errorf("OpenRemote = %v, want %v", err, status.ConnHungup)
	}
	if s := cli.Stats(); s.Hungup != 1 {
		t.Errorf("stats = %+v, want 1 hung up", s)
	}
	checkStats(t, srv, cli)
	cli.Close()
}

func TestSecurityContext(t *testing.T) {
	for _, test := range []struct {
		name  string
		flags ConnectionFlags
		want  *security.Context
	}{
		{"delivered", ConnectionSecurity, &security.Context{UID: 1000, GID: 1000, Groups: []int32{1001}}},
		{"withheld", 0, nil},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			srv, cli, sctx, cctx := connect(t, test.flags)
			defer srv.Close()
			defer cli.Close()

			if err := cli.Signal(cctx, &Message{Flags: MessageSecurity}, 0, testTimeout); err != nil {
				t.Fatalf("Signal: %v", err)
			}
			msg, err := srv.Receive(sctx, FilterAll, testTimeout)
			if err != nil {
				t.Fatalf("Receive: %v", err)
			}
			if test.want == nil {
				if msg.Flags&MessageSecurity != 0 {
					t.Errorf("security context delivered: %v", msg.Security)
				}
				return
			}
			if msg.Flags&MessageSecurity == 0 {
				t.Fatalf("no security context delivered")
			}
			if diff := cmp.Diff(*test.want, msg.Security); diff != "" {
				t.Errorf("security context mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOpenRemote(t *testing.T) {
	srv, cli, _, _ := connect(t, 0)
	defer srv.Close()
	defer cli.Close()

	p, err := srv.OpenRemote()
	if err != nil {
		t.Fatalf("OpenRemote: %v", err)
	}
	if got := p.(*testProcess).name; got != "client" {
		t.Errorf("remote process = %q, want client", got)
	}
}

func TestAttachedHandle(t *testing.T) {
	srv, cli, sctx, cctx := connect(t, 0)
	defer srv.Close()
	defer cli.Close()

	_, owner := processContext("owner", 0)
	port := NewPort(owner)
	h := NewPortHandle(port)
	if err := cli.Signal(cctx, &Message{Handle: h}, 0, testTimeout); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	msg, err := srv.Receive(sctx, FilterAll, testTimeout)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.Handle != h || msg.Flags&MessageHandle == 0 {
		t.Errorf("received handle %v flags %#x, want %v", msg.Handle, msg.Flags, h)
	}
	msg.Handle.Release()
	if port.Owner() != nil {
		t.Errorf("port not closed with its last handle")
	}

	token := object.NewHandle(nonTransferrable{}, nil)
	if err := cli.Signal(cctx, &Message{Handle: token}, 0, testTimeout); err != status.NotSupported {
		t.Errorf("Signal(non-transferrable) = %v, want %v", err, status.NotSupported)
	}
}

type nonTransferrable struct{}

func (nonTransferrable) ID() object.TypeID       { return object.TypeToken }
func (nonTransferrable) Flags() object.TypeFlags { return 0 }
func (nonTransferrable) Close(*object.Handle)    {}

type recordingOps struct {
	received chan *Message
	closed   chan struct{}
	err      error
}

func (o *recordingOps) Receive(ctx context.Context, ep *Endpoint, msg *Message, flags SendFlags, timeout int64) error {
	if o.err != nil {
		return o.err
	}
	o.received <- msg
	return nil
}

func (o *recordingOps) Close(ep *Endpoint) {
	close(o.closed)
}

func TestKernelEndpoint(t *testing.T) {
	ops := &recordingOps{received: make(chan *Message, 4), closed: make(chan struct{})}
	kern, user, err := NewConnection(0, ops, "private")
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	ctx := schedtest.Context(t)

	if err := user.Signal(ctx, &Message{ID: 9}, 0, testTimeout); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if msg := <-ops.received; msg.ID != 9 {
		t.Errorf("ops received %v, want ID 9", msg)
	}
	if kern.Private != "private" {
		t.Errorf("Private = %v", kern.Private)
	}

	// Kernel-originated request answered by the user side.
	req := &Message{Type: Request, ID: 1}
	if err := kern.Send(ctx, req, 0, testTimeout); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := user.Receive(ctx, FilterRequest, testTimeout)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := user.Reply(ctx, &Message{Serial: got.Serial, ID: 2}); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if msg := <-ops.received; msg.Type != Reply || msg.Serial != req.Serial {
		t.Errorf("ops received %v, want reply to %d", msg, req.Serial)
	}

	// A request the kernel gave up on.
	req = &Message{Type: Request}
	if err := kern.Send(ctx, req, 0, testTimeout); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err = user.Receive(ctx, FilterRequest, testTimeout)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := kern.Cancel(req.Serial); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := user.Reply(ctx, &Message{Serial: got.Serial}); err != status.Cancelled {
		t.Errorf("Reply(cancelled) = %v, want %v", err, status.Cancelled)
	}
	if _, err := user.OpenRemote(); err != status.NotFound {
		t.Errorf("OpenRemote = %v, want %v", err, status.NotFound)
	}
	checkStats(t, kern, user)

	user.Close()
	select {
	case <-ops.closed:
	case <-time.After(10 * time.Second):
		t.Fatalf("ops.Close not called")
	}
}

func TestDropEndpoint(t *testing.T) {
	srv, cli, sctx, cctx := connect(t, 0)
	defer srv.Close()
	defer cli.Close()

	srv.SetFlags(EndpointDrop)
	if err := cli.Signal(cctx, &Message{}, 0, 0); err != nil {
		t.Errorf("Signal = %v", err)
	}
	if _, err := srv.Receive(sctx, FilterAll, 0); err != status.WouldBlock {
		t.Errorf("Receive = %v, want %v", err, status.WouldBlock)
	}
}

func TestWaitEvents(t *testing.T) {
	srv, cli, sctx, cctx := connect(t, 0)
	defer cli.Close()

	table := object.NewTable(nil)
	id, h, err := table.Open(ConnectionType, srv, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.Release()

	events := []object.WaitEvent{{Handle: id, Event: EventMessage}}
	if err := object.Wait(sctx, table, events, 0, 0); err != status.WouldBlock {
		t.Errorf("Wait(empty) = %v, want %v", err, status.WouldBlock)
	}
	go cli.Signal(cctx, &Message{}, 0, testTimeout)
	if err := object.Wait(sctx, table, events, 0, testTimeout); err != nil {
		t.Fatalf("Wait(message) = %v", err)
	}
	if events[0].Flags&object.Signalled == 0 {
		t.Errorf("message event not signalled")
	}

	events = []object.WaitEvent{{Handle: id, Event: EventHangup}}
	go cli.Close()
	if err := object.Wait(sctx, table, events, 0, testTimeout); err != nil {
		t.Fatalf("Wait(hangup) = %v", err)
	}
	if events[0].Flags&object.Signalled == 0 {
		t.Errorf("hangup event not signalled")
	}

	bad := []object.WaitEvent{{Handle: id, Event: 7}}
	if err := object.Wait(sctx, table, bad, 0, 0); err != status.InvalidEvent {
		t.Errorf("Wait(bad event) = %v, want %v", err, status.InvalidEvent)
	}
	table.Close()
	if !srv.Closed() {
		t.Errorf("endpoint not closed with its handle")
	}
}
