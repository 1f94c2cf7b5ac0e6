package ui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/cubeplay/internal/audio"
	"github.com/glebovdev/cubeplay/internal/decoder"
	"github.com/glebovdev/cubeplay/internal/playlist"
	"github.com/rivo/tview"
	"github.com/rs/zerolog/log"
)

const maxTitleWidth = 60

func (ui *UI) createQueueTable() *tview.Table {
	table := tview.NewTable().
		SetBorders(false).
		SetSeparator(' ').
		SetSelectable(true, false).
		SetFixed(1, 0)

	table.SetBorder(true).
		SetBorderColor(ui.colors.borders).
		SetTitleColor(ui.colors.foreground).
		SetBackgroundColor(ui.colors.background).
		SetBorderPadding(1, 0, 1, 1)

	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(ui.colors.background).
		Background(ui.colors.highlight))

	ui.setQueueHeader(table)
	return table
}

func (ui *UI) setQueueHeader(table *tview.Table) {
	headers := []struct {
		text      string
		expansion int
		align     int
	}{
		{" ", 0, tview.AlignLeft},
		{"#", 0, tview.AlignRight},
		{"Title", 1, tview.AlignLeft},
		{"Format", 0, tview.AlignRight},
	}
	for col, h := range headers {
		table.SetCell(0, col, tview.NewTableCell(h.text).
			SetTextColor(ui.colors.background).
			SetBackgroundColor(ui.colors.queueHeader).
			SetExpansion(h.expansion).
			SetAlign(h.align).
			SetSelectable(false))
	}
}

func (ui *UI) refreshQueueTable() {
	tracks := ui.service.Tracks()
	index, _, _ := ui.service.Current()

	selected, _ := ui.queueTable.GetSelection()
	followPlaying := selected <= 0 || selected-1 == ui.playingIndex
	ui.playingIndex = index

	ui.queueTable.Clear()
	ui.setQueueHeader(ui.queueTable)
	for i, track := range tracks {
		ui.setQueueRow(i+1, i, track)
	}

	ui.queueTable.SetTitle(fmt.Sprintf(" Queue (%d) ", len(tracks)))

	switch {
	case len(tracks) == 0:
	case followPlaying && index >= 0:
		ui.queueTable.Select(index+1, 0)
	case selected < 1 || selected > len(tracks):
		ui.queueTable.Select(1, 0)
	}

	log.Debug().Int("count", len(tracks)).Int("playing", index).Msg("Queue table refreshed")
}

func (ui *UI) setQueueRow(row int, trackIndex int, track playlist.Track) {
	color := ui.colors.foreground
	if trackIndex == ui.playingIndex {
		color = ui.colors.highlight
	}

	ui.queueTable.SetCell(row, 0, tview.NewTableCell(ui.playIcon(trackIndex)).
		SetTextColor(ui.colors.highlight).
		SetMaxWidth(2))

	ui.queueTable.SetCell(row, 1, tview.NewTableCell(fmt.Sprintf("%d", trackIndex+1)).
		SetTextColor(color).
		SetAlign(tview.AlignRight))

	ui.queueTable.SetCell(row, 2, tview.NewTableCell(truncate(track.DisplayTitle(), maxTitleWidth)).
		SetTextColor(color).
		SetExpansion(1))

	ui.queueTable.SetCell(row, 3, tview.NewTableCell(formatLabel(track.URL)).
		SetTextColor(color).
		SetAlign(tview.AlignRight))
}

func (ui *UI) playIcon(trackIndex int) string {
	if trackIndex != ui.playingIndex {
		return " "
	}
	switch ui.transport.State() {
	case audio.PlaybackPaused:
		return PauseIcon
	case audio.PlaybackPlaying:
		return "➤"
	default:
		return " "
	}
}

func (ui *UI) updateQueuePlayingIndicator() {
	if ui.playingIndex < 0 || ui.playingIndex+1 >= ui.queueTable.GetRowCount() {
		return
	}
	if cell := ui.queueTable.GetCell(ui.playingIndex+1, 0); cell != nil {
		cell.SetText(ui.playIcon(ui.playingIndex))
	}
}

func (ui *UI) playSelected() {
	row, _ := ui.queueTable.GetSelection()
	if row < 1 {
		return
	}
	if row-1 == ui.playingIndex && ui.transport.State() == audio.PlaybackPlaying {
		return
	}
	if err := ui.service.Play(row - 1); err != nil {
		log.Error().Err(err).Int("index", row-1).Msg("Failed to play track")
		ui.showError(err)
	}
}

// formatLabel is the upper-cased file extension, e.g. "FLAC".
func formatLabel(rawURL string) string {
	return strings.ToUpper(strings.TrimPrefix(decoder.Extension(rawURL), "."))
}

func truncate(s string, width int) string {
	runes := []rune(s)
	if width <= 3 || len(runes) <= width {
		return s
	}
	return string(runes[:width-3]) + "..."
}
