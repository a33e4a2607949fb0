package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/skip2/go-qrcode"

	"github.com/gezhigang000/taskbot/internal/agent"
	"github.com/gezhigang000/taskbot/internal/auth"
)

// printAccess writes the browser URL for the agent, with a QR code for
// phones when showQR is set.
func printAccess(w io.Writer, relayURL, name string, creds auth.Credentials, showQR bool) {
	link, err := agent.AccessURL(relayURL, creds.ID)
	if err != nil {
		fmt.Fprintf(w, "cannot build access url: %v\n", err)
		return
	}
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen, color.Bold)

	fmt.Fprintln(w)
	bold.Fprintf(w, "Agent %s registered as %s\n", name, creds.ID)
	fmt.Fprint(w, "Open: ")
	green.Fprintln(w, link)
	if showQR {
		qr, err := qrcode.New(link, qrcode.Medium)
		if err == nil {
			fmt.Fprintln(w, qr.ToSmallString(false))
		}
	}
	color.New(color.Faint).Fprintln(w, "Press Ctrl+C to stop.")
	fmt.Fprintln(w)
}

func stateColor(s agent.State) *color.Color {
	switch s {
	case agent.Attached:
		return color.New(color.FgGreen)
	case agent.Detached, agent.Disconnected:
		return color.New(color.FgYellow)
	case agent.ShuttingDown:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgCyan)
	}
}
