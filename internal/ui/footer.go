package ui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/cubeplay/internal/audio"
	"github.com/rivo/tview"
)

type StatusRenderer struct {
	transport *audio.Transport

	mu            sync.Mutex
	isMuted       bool
	animFrame     int
	maxAnimFrame  int
	tickCount     int
	ticksPerFrame int
	primaryColor  string
}

func NewStatusRenderer(t *audio.Transport) *StatusRenderer {
	return &StatusRenderer{
		transport:     t,
		maxAnimFrame:  4,
		ticksPerFrame: 2, // 2 refresh ticks per frame (~500ms)
	}
}

func (s *StatusRenderer) SetMuted(muted bool) {
	s.mu.Lock()
	s.isMuted = muted
	s.mu.Unlock()
}

func (s *StatusRenderer) SetPrimaryColor(color string) {
	s.mu.Lock()
	s.primaryColor = color
	s.mu.Unlock()
}

func (s *StatusRenderer) AdvanceAnimation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickCount++
	if s.tickCount >= s.ticksPerFrame {
		s.tickCount = 0
		s.animFrame = (s.animFrame + 1) % s.maxAnimFrame
	}
}

func (s *StatusRenderer) Render() string {
	state := audio.PlaybackStopped
	transition := ""
	if s.transport != nil {
		state = s.transport.State()
		transition = s.transport.Transition().String()
	}
	return s.render(state, transition)
}

func (s *StatusRenderer) render(state audio.PlaybackState, transition string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parts []string
	switch state {
	case audio.PlaybackPlaying:
		dots := []string{"●", "◉", "○", "◉"}
		dot := dots[s.animFrame%len(dots)]
		if s.primaryColor != "" {
			dot = fmt.Sprintf("[%s]%s[-]", s.primaryColor, dot)
		}
		parts = append(parts, dot+" PLAYING")
	case audio.PlaybackPaused:
		parts = append(parts, PauseIcon+" PAUSED")
	default:
		parts = append(parts, "○ STOPPED")
	}

	if s.isMuted {
		parts = append(parts, "[red]MUTED[-]")
	}
	if transition != "" && state != audio.PlaybackStopped {
		parts = append(parts, strings.ToUpper(transition))
	}

	return joinParts(parts)
}

func joinParts(parts []string) string {
	return strings.Join(parts, " │ ")
}

func playbackHint(state audio.PlaybackState, keyColor string) string {
	switch state {
	case audio.PlaybackPaused:
		return fmt.Sprintf("[%s]Enter[-] play  [%s]Space[-] resume", keyColor, keyColor)
	case audio.PlaybackPlaying:
		return fmt.Sprintf("[%s]Enter[-] play  [%s]Space[-] pause", keyColor, keyColor)
	default:
		return fmt.Sprintf("[%s]Enter[-] play", keyColor)
	}
}

func (ui *UI) getHelpText() string {
	keyColor := ui.colors.helpHotkey.String()

	ui.mu.Lock()
	muteText := "mute"
	if ui.isMuted {
		muteText = "unmute"
	}
	ui.mu.Unlock()

	return fmt.Sprintf(" %s  [%s]n/p[-] next/prev  [%s]←/→[-] seek  [%s]+/-[-] vol  [%s]m[-] %s  [%s]?[-] help  [%s]q[-] quit ",
		playbackHint(ui.transport.State(), keyColor),
		keyColor, keyColor, keyColor, keyColor, muteText, keyColor, keyColor)
}

func (ui *UI) handleFooterResize(width int) {
	isWide := width >= FooterBreakpoint
	wasWide := ui.lastFooterWidth >= FooterBreakpoint

	if ui.lastFooterWidth > 0 && isWide != wasWide && ui.contentLayout != nil {
		newHeight := FooterHeightWide
		if !isWide {
			newHeight = FooterHeightNarrow
		}
		ui.contentLayout.ResizeItem(ui.helpPanel, newHeight, 0)
	}
	ui.lastFooterWidth = width
}

func (ui *UI) fill(screen tcell.Screen, x, y, width, height int, color tcell.Color) {
	style := tcell.StyleDefault.Background(color)
	for row := y; row < y+height; row++ {
		for col := x; col < x+width; col++ {
			screen.SetContent(col, row, ' ', nil, style)
		}
	}
}

func (ui *UI) drawWideFooter(screen tcell.Screen, x, y, width, height int, helpText, statusText string) {
	helpWidth := width * 2 / 3
	statusWidth := width - helpWidth

	ui.fill(screen, x, y, helpWidth, height, ui.colors.helpBackground)
	ui.fill(screen, x+helpWidth, y, statusWidth, height, ui.colors.background)

	centerY := y + height/2
	tview.Print(screen, helpText, x, centerY, helpWidth, tview.AlignCenter, ui.colors.helpForeground)
	tview.Print(screen, statusText, x+helpWidth, centerY, statusWidth-2, tview.AlignRight, ui.colors.foreground)
}

func (ui *UI) drawNarrowFooter(screen tcell.Screen, x, y, width, height int, helpText, statusText string) {
	helpHeight := max(height/2, 1)
	statusHeight := height - helpHeight
	helpBoxEnd := y + helpHeight

	ui.fill(screen, x, y, width, helpHeight, ui.colors.helpBackground)
	ui.fill(screen, x, helpBoxEnd, width, statusHeight, ui.colors.background)

	tview.Print(screen, helpText, x, y+helpHeight/2, width, tview.AlignCenter, ui.colors.helpForeground)

	if statusHeight > 0 {
		tview.Print(screen, statusText, x, helpBoxEnd+statusHeight/2, width-2, tview.AlignRight, ui.colors.foreground)
	}
}

func (ui *UI) createFooter() *tview.Box {
	box := tview.NewBox().SetBackgroundColor(ui.colors.background)

	box.SetDrawFunc(func(screen tcell.Screen, x, y, width, height int) (int, int, int, int) {
		ui.handleFooterResize(width)

		helpText := ui.getHelpText()
		statusText := " " + ui.statusRenderer.Render() + " "

		isWide := width >= FooterBreakpoint
		usedHeight := height
		if isWide && height > FooterHeightWide {
			usedHeight = FooterHeightWide
		}

		if isWide {
			ui.drawWideFooter(screen, x, y, width, usedHeight, helpText, statusText)
		} else {
			ui.drawNarrowFooter(screen, x, y, width, height, helpText, statusText)
		}

		return x, y, width, height
	})

	return box
}
