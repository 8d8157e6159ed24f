// Package pairing renders pairing codes for an operator to scan.
package pairing

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ashureev/pairbot/internal/domain"
	"github.com/fatih/color"
	"github.com/mdp/qrterminal/v3"
)

var (
	cyan   = color.New(color.FgCyan, color.Bold)
	yellow = color.New(color.FgYellow)
)

// TerminalDisplay prints each pairing code as a QR code.
type TerminalDisplay struct {
	mu      sync.Mutex
	out     io.Writer
	timeout time.Duration
	noQR    bool
}

// NewTerminalDisplay writes to out, or stdout when out is nil. timeout is only
// shown to the operator.
func NewTerminalDisplay(out io.Writer, timeout time.Duration) *TerminalDisplay {
	if out == nil {
		out = os.Stdout
	}
	return &TerminalDisplay{out: out, timeout: timeout}
}

// WithoutQR prints the raw code only. Useful when the terminal can't render
// block characters.
func (d *TerminalDisplay) WithoutQR() *TerminalDisplay {
	d.noQR = true
	return d
}

// ShowPairing implements session.PairingDisplay.
func (d *TerminalDisplay) ShowPairing(a domain.PairingArtifact) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cyan.Fprintln(d.out, "[PAIRING CODE RECEIVED]")
	if !d.noQR {
		qrterminal.GenerateHalfBlock(a.Code, qrterminal.L, d.out)
	}
	fmt.Fprintf(d.out, "code: %s\n", a.Code)
	if d.timeout > 0 {
		yellow.Fprintf(d.out, "Scan with the linked-devices screen within %s (attempt %s)\n", d.timeout, a.AttemptID)
	} else {
		yellow.Fprintf(d.out, "Scan with the linked-devices screen (attempt %s)\n", a.AttemptID)
	}
}
