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

// Package builtin contains the programs built into the kernel image. The
// default init program runs a ping-pong exchange with a child process
// over IPC and exits with status 0 if every exchange matched.
package builtin

import (
	"context"
	"fmt"
	"time"

	"kiwi.dev/kiwi/pkg/ipc"
	"kiwi.dev/kiwi/pkg/kernel"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/status"
)

// Program names.
const (
	InitProgram     = "init"
	PingPongProgram = "pingpong"
)

// Rounds is the number of request/reply pairs exchanged.
const Rounds = 15

// Message IDs.
const (
	msgStart uint32 = iota + 1
	msgPing
	msgPong
)

// portID is where the client finds the server's port.
const portID object.ID = 0

// Exit statuses.
const (
	exitOK = iota
	exitSetup
	exitProtocol
	exitHangup
	exitChild
)

var timeout = int64(10 * time.Second)

// Register registers the built-in programs with k.
func Register(k *kernel.Kernel) error {
	for name, prog := range map[string]kernel.Program{
		InitProgram:     Init,
		PingPongProgram: PingPong,
	} {
		if err := k.RegisterProgram(name, prog); err != nil {
			return fmt.Errorf("registering %q: %w", name, err)
		}
	}
	return nil
}

// Init is the server side of the ping-pong exchange. It starts a
// PingPong client, answers each of its requests, and checks that the
// connection hangs up once the client is done.
func Init(ctx context.Context, sys *kernel.Syscalls, args []string) int {
	port, err := sys.PortCreate(ctx)
	if err != nil {
		log.Warningf("init: creating port: %v", err)
		return exitSetup
	}
	child, err := sys.ProcessCreate(ctx, kernel.ExecArgs{
		Program: PingPongProgram,
		Args:    []string{PingPongProgram},
		Handles: []object.Mapping{{Source: port, Dest: portID}},
		Token:   object.InvalidID,
	})
	if err != nil {
		log.Warningf("init: starting client: %v", err)
		return exitSetup
	}
	conn, err := sys.PortListen(ctx, port, timeout)
	if err != nil {
		log.Warningf("init: listening: %v", err)
		return exitSetup
	}
	if err := sys.ConnectionSignal(ctx, conn, &kernel.Message{ID: msgStart}, timeout); err != nil {
		log.Warningf("init: signalling start: %v", err)
		return exitSetup
	}

	for i := 0; i < Rounds; i++ {
		m, err := sys.ConnectionReceive(ctx, conn, ipc.FilterRequest, timeout)
		if err != nil {
			log.Warningf("init: receiving ping %d: %v", i, err)
			return exitProtocol
		}
		if want := fmt.Sprintf("PING %d", i); m.ID != msgPing || string(m.Data) != want {
			log.Warningf("init: got %q, want %q", m.Data, want)
			return exitProtocol
		}
		reply := &kernel.Message{ID: msgPong, Serial: m.Serial, Data: fmt.Appendf(nil, "PONG %d", i)}
		if err := sys.ConnectionReply(ctx, conn, reply); err != nil {
			log.Warningf("init: replying to ping %d: %v", i, err)
			return exitProtocol
		}
	}

	if _, err := sys.ConnectionReceive(ctx, conn, ipc.FilterAll, timeout); err != status.ConnHungup {
		log.Warningf("init: receive after the last round returned %v, want hangup", err)
		return exitHangup
	}
	sys.Close(ctx, conn)

	events := []object.WaitEvent{{Handle: child, Event: kernel.ProcessEventDeath}}
	if err := sys.Wait(ctx, events, 0, timeout); err != nil {
		log.Warningf("init: waiting for client: %v", err)
		return exitChild
	}
	if code, err := sys.ProcessStatus(ctx, child); err != nil || code != exitOK {
		log.Warningf("init: client exited with %d, %v", code, err)
		return exitChild
	}
	log.Infof("init: %d ping-pong rounds completed", Rounds)
	return exitOK
}

// PingPong is the client side of the ping-pong exchange. It expects the
// server's port at handle 0.
func PingPong(ctx context.Context, sys *kernel.Syscalls, args []string) int {
	conn, err := sys.ConnectionOpen(ctx, portID, timeout, 0)
	if err != nil {
		log.Warningf("pingpong: connecting: %v", err)
		return exitSetup
	}
	defer sys.Close(ctx, conn)

	m, err := sys.ConnectionReceive(ctx, conn, ipc.FilterSignal, timeout)
	if err != nil || m.ID != msgStart {
		log.Warningf("pingpong: waiting for start: %v", err)
		return exitSetup
	}

	start, _ := sys.CurrentTime(ctx, kernel.TimeBoot)
	for i := 0; i < Rounds; i++ {
		req := &kernel.Message{ID: msgPing, Data: fmt.Appendf(nil, "PING %d", i)}
		reply, err := sys.ConnectionRequest(ctx, conn, req, timeout)
		if err != nil {
			log.Warningf("pingpong: ping %d: %v", i, err)
			return exitProtocol
		}
		if want := fmt.Sprintf("PONG %d", i); reply.ID != msgPong || string(reply.Data) != want {
			log.Warningf("pingpong: got %q, want %q", reply.Data, want)
			return exitProtocol
		}
	}
	end, _ := sys.CurrentTime(ctx, kernel.TimeBoot)
	log.Debugf("pingpong: %d rounds in %v", Rounds, end.Sub(start))
	return exitOK
}
