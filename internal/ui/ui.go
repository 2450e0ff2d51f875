// Package ui renders live tracker status in the terminal and forwards key
// presses to the streaming session. Sample delivery crosses from the session
// loop into the bubbletea event loop via Bridge, which keeps per-source
// ordering and never blocks the session on a slow terminal.
package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"

	"github.com/srg/nxosc/internal/tracker"
)

// Controller is the subset of the streaming session the UI drives.
type Controller interface {
	Start(rate byte) error
	Stop() error
	Reset() error
	State() tracker.SessionState
}

// OrientationMsg carries one decoded sample into the event loop.
type OrientationMsg tracker.Quaternion

// BatteryMsg carries a battery level update.
type BatteryMsg int

// DisconnectMsg signals an unsolicited link drop.
type DisconnectMsg struct{}

// opResultMsg reports the outcome of a start/stop/reset issued from a key.
type opResultMsg struct {
	op  string
	err error
}

// Bridge adapts a running tea.Program to the session's sink signatures.
type Bridge struct {
	program *tea.Program
}

func NewBridge(program *tea.Program) *Bridge {
	return &Bridge{program: program}
}

func (b *Bridge) Orientation(q tracker.Quaternion) { b.program.Send(OrientationMsg(q)) }
func (b *Bridge) Battery(level int)                { b.program.Send(BatteryMsg(level)) }
func (b *Bridge) Disconnected()                    { b.program.Send(DisconnectMsg{}) }

// Model is the bubbletea model for the stream view.
type Model struct {
	controller Controller
	deviceName string
	oscTarget  string
	rate       byte

	streaming bool
	busy      bool
	quat      tracker.Quaternion
	haveQuat  bool
	battery   int // -1 until the first update
	samples   uint64
	lastErr   error
	quitting  bool
}

// NewModel builds the stream view. The stream itself is started from Init,
// once the event loop is running, so sink deliveries always have a live
// program to land in.
func NewModel(controller Controller, deviceName, oscTarget string, rate byte) Model {
	streaming := controller.State() == tracker.StateStreaming
	return Model{
		controller: controller,
		deviceName: deviceName,
		oscTarget:  oscTarget,
		rate:       rate,
		streaming:  streaming,
		busy:       !streaming,
		battery:    -1,
	}
}

func (m Model) Init() tea.Cmd {
	if m.streaming {
		return nil
	}
	rate := m.rate
	return m.command("start", func() error { return m.controller.Start(rate) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case OrientationMsg:
		m.quat = tracker.Quaternion(msg)
		m.haveQuat = true
		m.samples++
		return m, nil

	case BatteryMsg:
		m.battery = int(msg)
		return m, nil

	case DisconnectMsg:
		m.streaming = false
		m.lastErr = fmt.Errorf("tracker link lost")
		return m, nil

	case opResultMsg:
		m.busy = false
		m.lastErr = msg.err
		if msg.err == nil {
			switch msg.op {
			case "start":
				m.streaming = true
			case "stop":
				m.streaming = false
				m.haveQuat = false
			}
		}
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "s":
		if m.busy {
			return m, nil
		}
		m.busy = true
		m.lastErr = nil
		if m.streaming {
			return m, m.command("stop", m.controller.Stop)
		}
		rate := m.rate
		return m, m.command("start", func() error { return m.controller.Start(rate) })

	case "r":
		if m.busy {
			return m, nil
		}
		m.busy = true
		m.lastErr = nil
		return m, m.command("reset", m.controller.Reset)
	}
	return m, nil
}

// command runs a session operation off the event loop; the blocking call
// happens on bubbletea's command goroutine.
func (m Model) command(op string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return opResultMsg{op: op, err: fn()}
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	title := color.New(color.Bold)
	fmt.Fprintf(&b, "%s\n\n", title.Sprintf("%s → %s", m.deviceName, m.oscTarget))

	fmt.Fprintf(&b, "  state    %s\n", m.stateLine())
	fmt.Fprintf(&b, "  battery  %s\n", m.batteryLine())
	fmt.Fprintf(&b, "  samples  %d\n", m.samples)
	fmt.Fprintf(&b, "  quat     %s\n", m.quatLine())

	if m.lastErr != nil {
		fmt.Fprintf(&b, "\n  %s\n", color.RedString("error: %v", m.lastErr))
	}

	b.WriteString("\n  s start/stop · r reset · q quit\n")
	return b.String()
}

func (m Model) stateLine() string {
	switch {
	case m.busy:
		return color.YellowString("working...")
	case m.streaming:
		return color.GreenString("streaming")
	default:
		return "idle"
	}
}

func (m Model) batteryLine() string {
	if m.battery < 0 {
		return "unknown"
	}
	if m.battery <= 15 {
		return color.RedString("%d%%", m.battery)
	}
	return fmt.Sprintf("%d%%", m.battery)
}

func (m Model) quatLine() string {
	if !m.haveQuat {
		return "waiting for data"
	}
	return fmt.Sprintf("w=%+.4f x=%+.4f y=%+.4f z=%+.4f", m.quat.W, m.quat.X, m.quat.Y, m.quat.Z)
}
