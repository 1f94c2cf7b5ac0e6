package ui

import (
	"fmt"
	"math"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/cubeplay/internal/audio"
	"github.com/glebovdev/cubeplay/internal/service"
	"github.com/rivo/tview"
)

var spectrumBlocks = []rune(" ▁▂▃▄▅▆▇█")

func (ui *UI) createPlayerPanel() *tview.Flex {
	newText := func(color tcell.Color) *tview.TextView {
		tv := tview.NewTextView()
		tv.SetDynamicColors(true)
		tv.SetWrap(false)
		tv.SetTextColor(color)
		tv.SetBackgroundColor(ui.colors.background)
		return tv
	}

	playingLabel := newText(ui.colors.foreground)
	playingLabel.SetText(" Playing:")

	ui.titleView = newText(ui.colors.highlight)
	ui.titleView.SetTextStyle(tcell.StyleDefault.Background(ui.colors.background).Attributes(tcell.AttrBold))

	ui.progressView = newText(ui.colors.foreground)
	ui.modesView = newText(ui.colors.foreground)

	ui.spectrumView = newText(ui.colors.spectrum)

	infoContent := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(playingLabel, 1, 0, false).
		AddItem(ui.titleView, 1, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(ui.progressView, 1, 0, false).
		AddItem(ui.modesView, 1, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(ui.spectrumView, SpectrumHeight, 0, false).
		AddItem(nil, 0, 1, false)
	infoContent.SetBackgroundColor(ui.colors.background)

	ui.volumeView = ui.createGraphicalVolumeBar()

	contentFlex := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(infoContent, 0, 1, false).
		AddItem(ui.volumeView, 7, 0, false)
	contentFlex.SetBackgroundColor(ui.colors.background)

	contentWithPadding := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(nil, 2, 0, false).
		AddItem(contentFlex, 0, 1, false).
		AddItem(nil, 2, 0, false)
	contentWithPadding.SetBackgroundColor(ui.colors.background)

	ui.updateNowPlaying()
	return contentWithPadding
}

func (ui *UI) updateNowPlaying() {
	if ui.titleView == nil {
		return
	}

	_, track, ok := ui.service.Current()
	title := "Nothing playing"
	if ok {
		title = track.DisplayTitle()
	}
	ui.titleView.SetText(" " + tview.Escape(title))

	position, duration := 0.0, -1.0
	if ok {
		position = ui.transport.Position()
		duration = ui.transport.Duration()
	}

	_, _, width, _ := ui.progressView.GetInnerRect()
	barWidth := max(width-18, 10)
	ui.progressView.SetText(fmt.Sprintf(" %s [%s]%s[-] %s",
		formatTime(position),
		ui.colors.highlight.String(),
		renderProgress(position, duration, barWidth),
		formatTime(duration)))

	ui.modesView.SetText(" " + modeText(ui.service.RepeatMode(), ui.service.IsShuffled(), ui.transport.Transition()))

	levels := make([]float64, 0)
	if ui.analyzer != nil && ui.transport.State() == audio.PlaybackPlaying {
		levels = ui.analyzer.Levels()
	}
	ui.spectrumView.SetText(renderSpectrum(levels, SpectrumHeight))
}

// formatTime renders seconds as mm:ss, or h:mm:ss past an hour. Unknown
// (negative) times render as --:--.
func formatTime(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return "--:--"
	}
	total := int(seconds)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func renderProgress(position, duration float64, width int) string {
	if width <= 0 {
		return ""
	}
	if duration <= 0 {
		return strings.Repeat("─", width)
	}
	filled := int(position / duration * float64(width))
	filled = max(0, min(width, filled))
	return strings.Repeat("━", filled) + strings.Repeat("─", width-filled)
}

// renderSpectrum draws one two-column bar per level in [0, 1], height rows
// tall, top row first.
func renderSpectrum(levels []float64, height int) string {
	height = max(height, 1)
	steps := len(spectrumBlocks) - 1

	rows := make([]strings.Builder, height)
	for i, level := range levels {
		level = max(0, min(1, level))
		units := int(math.Round(level * float64(height*steps)))

		for r := range rows {
			fill := units - (height-1-r)*steps
			fill = max(0, min(steps, fill))
			if i > 0 {
				rows[r].WriteRune(' ')
			}
			rows[r].WriteRune(spectrumBlocks[fill])
			rows[r].WriteRune(spectrumBlocks[fill])
		}
	}

	lines := make([]string, height)
	for r := range rows {
		lines[r] = rows[r].String()
	}
	return strings.Join(lines, "\n")
}

func modeText(repeat service.RepeatMode, shuffled bool, transition audio.TransitionMode) string {
	shuffle := "off"
	if shuffled {
		shuffle = "on"
	}
	return joinParts([]string{
		"Repeat " + repeat.String(),
		"Shuffle " + shuffle,
		transition.String(),
	})
}
