// Command client is a scriptable planning client: it connects to a server,
// applies a target selection and optional split points, runs auto-allocation
// and prints the resulting plan.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"fabplan.dev/internal/plan"
	"fabplan.dev/internal/protocol"
)

func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name    = flag.String("name", "client", "client name")
		resume  = flag.String("resume", "", "resume token of an existing session")
		targets = flag.String("targets", "", "comma-separated item:lines selection, e.g. logistics_drone:2,automation_core:1")
		splits  = flag.String("splits", "", "comma-separated split-point item ids")
		auto    = flag.Bool("auto", false, "run auto-allocation after the plan is derived")
		watch   = flag.Bool("watch", false, "keep printing plan updates instead of exiting")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)

	sel, err := parseTargets(*targets)
	if err != nil {
		logger.Fatalf("parse targets: %v", err)
	}
	var toggles []string
	if *splits != "" {
		toggles = strings.Split(*splits, ",")
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		ResumeToken:     *resume,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	// Commands run strictly one plan at a time: each arriving PLAN releases
	// the next queued step so derivations never race each other.
	var steps []protocol.CmdMsg
	if len(sel) > 0 {
		steps = append(steps, protocol.CmdMsg{Op: protocol.OpSetTargets, Targets: sel})
	}
	for _, item := range toggles {
		steps = append(steps, protocol.CmdMsg{Op: protocol.OpToggleSplit, ItemID: strings.TrimSpace(item)})
	}
	if *auto {
		steps = append(steps, protocol.CmdMsg{Op: protocol.OpAutoAllocate})
	}
	nextCmd := 0
	sendNext := func() bool {
		if nextCmd >= len(steps) {
			return false
		}
		c := steps[nextCmd]
		c.Type = protocol.TypeCmd
		c.ProtocolVersion = protocol.Version
		c.ID = fmt.Sprintf("C%d", nextCmd+1)
		nextCmd++
		if err := conn.WriteJSON(c); err != nil {
			logger.Fatalf("send %s: %v", c.Op, err)
		}
		return true
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME session=%s resume_token=%s sites=%d", w.SessionID, w.ResumeToken, len(w.Sites))
			if !sendNext() && !*watch {
				return
			}

		case protocol.TypeAck:
			var ack protocol.AckMsg
			if err := json.Unmarshal(msg, &ack); err != nil {
				continue
			}
			if !ack.Accepted {
				logger.Fatalf("%s rejected: %s %s", ack.AckFor, ack.Code, ack.Message)
			}
			if ack.Outcome != nil {
				logger.Printf("%s ok: unassigned_lines=%d unassigned_ports=%d",
					ack.AckFor, ack.Outcome.UnassignedLines, ack.Outcome.UnassignedPorts)
			} else {
				logger.Printf("%s ok", ack.AckFor)
			}

		case protocol.TypePlan:
			var p protocol.PlanMsg
			if err := json.Unmarshal(msg, &p); err != nil {
				continue
			}
			printPlan(logger, &p)
			if !sendNext() && !*watch {
				return
			}
		}
	}
}

func parseTargets(s string) ([]plan.Target, error) {
	if s == "" {
		return nil, nil
	}
	var out []plan.Target
	for _, part := range strings.Split(s, ",") {
		item, linesStr, ok := strings.Cut(strings.TrimSpace(part), ":")
		lines := 1
		if ok {
			n, err := strconv.Atoi(linesStr)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("bad line count in %q", part)
			}
			lines = n
		}
		out = append(out, plan.Target{ItemID: item, Lines: lines})
	}
	return out, nil
}

func printPlan(logger *log.Logger, p *protocol.PlanMsg) {
	logger.Printf("PLAN rev=%d targets=%d split_points=%v bundles=%d",
		p.Revision, len(p.Targets), p.SplitPoints, len(p.Bundles))
	for _, b := range p.Bundles {
		logger.Printf("  unit %-28s lines=%-3d ports/line=%d", b.ID, b.TotalLines, b.PortsPerLine)
	}
	for _, so := range p.Sites {
		logger.Printf("  site %-14s used=%d/%d units=%d",
			so.Site.ID, so.UsedPorts, so.Site.PortCapacity, len(so.Units))
	}
	for _, u := range p.Unassigned {
		logger.Printf("  backlog %-24s remaining=%d", u.Bundle.ID, u.Remaining)
	}
}
