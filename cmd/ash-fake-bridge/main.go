// Command ash-fake-bridge is a reference implementation of the sandboxed
// bridge process's wire protocol (spec.md §4.1/§4.2): it binds the Unix
// socket named by ASH_BRIDGE_SOCKET, signals readiness, and echoes a
// scripted conversation back as message/done events. It exists only to
// exercise internal/bridge's supervisor in tests — it is not part of the
// production control-plane binary, and the real bridge process (the
// upstream AI SDK integration) is out of core scope per spec.md §1.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/hashicorp/yamux"

	"github.com/ash-run/bridge/internal/bridgeproto"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("ash-fake-bridge: %v", err)
	}
}

func run() error {
	sockPath := os.Getenv("ASH_BRIDGE_SOCKET")
	if sockPath == "" {
		return fmt.Errorf("ASH_BRIDGE_SOCKET not set")
	}
	_ = os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sockPath, err)
	}
	defer ln.Close()

	// Signal readiness: listener bound, about to accept.
	if _, err := os.Stdout.Write([]byte{'R'}); err != nil {
		return fmt.Errorf("write ready byte: %w", err)
	}

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	session, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		return fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()

	// Stream accept order must match the supervisor's open order exactly:
	// command stream first, event stream second.
	cmdConn, err := session.AcceptStream()
	if err != nil {
		return fmt.Errorf("accept cmd stream: %w", err)
	}
	evConn, err := session.AcceptStream()
	if err != nil {
		return fmt.Errorf("accept event stream: %w", err)
	}

	dec := bridgeproto.NewDecoder(cmdConn)
	for {
		cmd, err := dec.DecodeCommand()
		if err != nil {
			return nil
		}
		switch cmd.Cmd {
		case bridgeproto.CmdQuery:
			if err := handleQuery(evConn, cmd); err != nil {
				return err
			}
		case bridgeproto.CmdResume:
			// A resumed conversation has no new reply to emit; the
			// upstream SDK would reattach to its own conversation log.
		case bridgeproto.CmdInterrupt:
			ev := bridgeproto.ErrorEvent("interrupted")
			if err := writeEvent(evConn, ev); err != nil {
				return err
			}
		case bridgeproto.CmdShutdown:
			return nil
		}
	}
}

// handleQuery emits one message event shaped like a real Anthropic SDK
// message, then a done event, for cmd.SessionID.
func handleQuery(evConn net.Conn, cmd bridgeproto.Command) error {
	reply := anthropic.NewUserMessage(anthropic.NewTextBlock("(fake bridge) you said: " + cmd.Prompt))
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal fake reply: %w", err)
	}
	if err := writeEvent(evConn, bridgeproto.MessageEvent(data)); err != nil {
		return err
	}
	return writeEvent(evConn, bridgeproto.DoneEvent(cmd.SessionID))
}

func writeEvent(conn net.Conn, ev bridgeproto.Event) error {
	frame, err := bridgeproto.Encode(ev)
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}
