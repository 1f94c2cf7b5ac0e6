package ui

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/cubeplay/internal/audio"
	"github.com/glebovdev/cubeplay/internal/config"
	"github.com/glebovdev/cubeplay/internal/playlist"
	"github.com/glebovdev/cubeplay/internal/service"
	"github.com/glebovdev/cubeplay/internal/spectrum"
	"github.com/rivo/tview"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const (
	VolumeStep            = 5
	SeekStep              = 5.0
	HeaderHeight          = 3
	FooterHeightWide      = 3 // Wide: 1 row with padding (top + text + bottom)
	FooterHeightNarrow    = 6 // Narrow: 2 rows × 3 lines each
	PlayerPanelHeight     = 10
	SpectrumHeight        = 3
	FooterBreakpoint      = 120 // Width threshold for responsive footer
	RefreshInterval       = 250 * time.Millisecond
	MinLoadingDisplayTime = 600 * time.Millisecond
	MinStatusDisplayTime  = 200 * time.Millisecond
)

var errEmptyQueue = errors.New("nothing to play")

// PauseIcon uses platform-specific character (Windows renders ⏸ as emoji)
var PauseIcon = func() string {
	if runtime.GOOS == "windows" {
		return "❚❚"
	}
	return "⏸"
}()

type Options struct {
	Config    *config.Config
	Service   *service.PlaybackService
	Transport *audio.Transport
	Analyzer  *spectrum.Analyzer
	Loader    *playlist.Loader
	// Sources are the files, directories, playlists or URLs to queue.
	Sources []string
}

type UI struct {
	app       *tview.Application
	service   *service.PlaybackService
	transport *audio.Transport
	analyzer  *spectrum.Analyzer
	loader    *playlist.Loader
	sources   []string

	queueTable     *tview.Table
	helpPanel      *tview.Box
	contentLayout  *tview.Flex
	playerPanel    *tview.Flex
	titleView      *tview.TextView
	progressView   *tview.TextView
	modesView      *tview.TextView
	spectrumView   *tview.TextView
	volumeView     *tview.Flex
	transitionView *tview.TextView
	mainLayout     *tview.Flex
	loadingScreen  *tview.Flex
	loadingText    *tview.TextView
	progressBar    *tview.TextView
	pages          *tview.Pages

	stopUpdates chan struct{}
	stopOnce    sync.Once
	disconnect  []func()

	queueDirty  atomic.Bool
	volumeDirty atomic.Bool

	mu              sync.Mutex
	config          *config.Config
	playingIndex    int
	currentVolume   int
	isMuted         bool
	failedURL       string
	lastFooterWidth int // Track width to detect layout changes
	statusRenderer  *StatusRenderer
	colors          struct {
		background       tcell.Color
		foreground       tcell.Color
		borders          tcell.Color
		highlight        tcell.Color
		mutedVolume      tcell.Color
		headerBackground tcell.Color
		queueHeader      tcell.Color
		helpBackground   tcell.Color
		helpForeground   tcell.Color
		helpHotkey       tcell.Color
		spectrum         tcell.Color
		modalBackground  tcell.Color
	}
}

func NewUI(opts Options) *UI {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	ui := &UI{
		app:           tview.NewApplication(),
		service:       opts.Service,
		transport:     opts.Transport,
		analyzer:      opts.Analyzer,
		loader:        opts.Loader,
		sources:       opts.Sources,
		stopUpdates:   make(chan struct{}),
		playingIndex:  -1,
		currentVolume: cfg.Volume,
		isMuted:       cfg.Muted,
		config:        cfg,
	}

	ui.colors.background = config.GetColor(cfg.Theme.Background)
	ui.colors.foreground = config.GetColor(cfg.Theme.Foreground)
	ui.colors.borders = config.GetColor(cfg.Theme.Borders)
	ui.colors.highlight = config.GetColor(cfg.Theme.Highlight)
	ui.colors.mutedVolume = config.GetColor(cfg.Theme.MutedVolume)
	ui.colors.headerBackground = config.GetColor(cfg.Theme.HeaderBackground)
	ui.colors.queueHeader = config.GetColor(cfg.Theme.QueueHeader)
	ui.colors.helpBackground = config.GetColor(cfg.Theme.HelpBackground)
	ui.colors.helpForeground = config.GetColor(cfg.Theme.HelpForeground)
	ui.colors.helpHotkey = config.GetColor(cfg.Theme.HelpHotkey)
	ui.colors.spectrum = config.GetColor(cfg.Theme.Spectrum)
	ui.colors.modalBackground = config.GetColor(cfg.Theme.ModalBackground)

	ui.transport.SetVolume(float64(cfg.Volume) / 100)
	ui.transport.SetMuted(cfg.Muted)
	log.Debug().Msgf("Loaded volume from config: %d%% (muted: %v)", cfg.Volume, cfg.Muted)

	ui.statusRenderer = NewStatusRenderer(ui.transport)
	ui.statusRenderer.SetMuted(cfg.Muted)
	ui.statusRenderer.SetPrimaryColor(ui.colors.highlight.String())

	ui.disconnect = append(ui.disconnect,
		ui.service.TrackChanged.Connect(func(index int) {
			if index < 0 && ui.analyzer != nil {
				ui.analyzer.Reset()
			}
			ui.queueDirty.Store(true)
		}),
		ui.service.QueueChanged.Connect(func([]playlist.Track) { ui.queueDirty.Store(true) }),
		ui.transport.VolumeChanged.Connect(func(float64) { ui.volumeDirty.Store(true) }),
		ui.transport.OnStreamEvent(ui.onStreamEvent),
	)

	return ui
}

// onStreamEvent runs on transport goroutines; the error modal is shown by
// the next refresh.
func (ui *UI) onStreamEvent(e audio.StreamEvent) {
	if e.Type != audio.StreamError {
		return
	}
	ui.mu.Lock()
	ui.failedURL = e.URL
	ui.mu.Unlock()
}

func (ui *UI) SaveConfig() {
	tracks := ui.service.OriginalTracks()

	ui.mu.Lock()
	defer ui.mu.Unlock()

	ui.config.Volume = ui.currentVolume
	ui.config.Muted = ui.isMuted
	ui.config.Repeat = ui.service.RepeatMode().String()
	ui.config.Shuffle = ui.service.IsShuffled()
	if len(tracks) > 0 {
		ui.config.LastQueue = lo.Map(tracks, func(t playlist.Track, _ int) string {
			return t.URL
		})
	}

	if err := ui.config.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to save config")
	}
}

// ApplyConfig re-applies volume, mute and repeat mode from a reloaded config.
func (ui *UI) ApplyConfig(cfg *config.Config) {
	ui.mu.Lock()
	ui.currentVolume = cfg.Volume
	ui.isMuted = cfg.Muted
	ui.config.Volume = cfg.Volume
	ui.config.Muted = cfg.Muted
	ui.config.Repeat = cfg.Repeat
	ui.mu.Unlock()

	ui.statusRenderer.SetMuted(cfg.Muted)
	ui.transport.SetVolume(float64(cfg.Volume) / 100)
	ui.transport.SetMuted(cfg.Muted)

	if mode, err := service.ParseRepeatMode(cfg.Repeat); err == nil && mode != ui.service.RepeatMode() {
		ui.service.SetRepeatMode(mode)
	}
	ui.volumeDirty.Store(true)
	log.Debug().Int("volume", cfg.Volume).Str("repeat", cfg.Repeat).Msg("Applied reloaded config")
}

func (ui *UI) stop() {
	ui.stopOnce.Do(func() {
		close(ui.stopUpdates)
		for _, d := range ui.disconnect {
			d()
		}
		ui.SaveConfig()
		ui.service.Stop()
		ui.app.Stop()
	})
}

// Shutdown stops the UI gracefully from external callers (e.g., signal handlers).
func (ui *UI) Shutdown() {
	select {
	case <-ui.stopUpdates:
		return
	default:
	}
	ui.app.QueueUpdateDraw(func() {
		ui.stop()
	})
}

func (ui *UI) Run(ctx context.Context) error {
	ui.setupLoadingScreen()
	ui.app.SetRoot(ui.loadingScreen, true)
	ui.configureScreen()

	go ui.initAsync(ctx)

	return ui.app.Run()
}

func (ui *UI) configureScreen() {
	bgStyle := tcell.StyleDefault.Background(ui.colors.background)
	ui.app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		screen.SetStyle(bgStyle)
		screen.Clear()
		return false
	})

	var titleSet sync.Once
	ui.app.SetAfterDrawFunc(func(screen tcell.Screen) {
		titleSet.Do(func() { screen.SetTitle(config.AppName) })
	})
}

func (ui *UI) initAsync(ctx context.Context) {
	if err := ui.loadQueueAndInitUI(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		ui.app.QueueUpdateDraw(func() {
			ui.handleInitialError(ctx, err)
		})
	}
}

func (ui *UI) setupLoadingScreen() {
	ui.loadingText = tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetText("Loading queue... (1/2)")
	ui.loadingText.SetTextColor(ui.colors.foreground).
		SetBackgroundColor(ui.colors.background)

	ui.progressBar = tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetText(renderProgressBar(0))
	ui.progressBar.SetTextColor(ui.colors.highlight).
		SetBackgroundColor(ui.colors.background)

	content := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.loadingText, 1, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(ui.progressBar, 1, 0, false)
	content.SetBackgroundColor(ui.colors.background)

	ui.loadingScreen = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(content, 3, 0, false).
		AddItem(nil, 0, 1, false)

	ui.loadingScreen.SetBackgroundColor(ui.colors.background)
}

func renderProgressBar(percent int) string {
	const width = 30
	percent = max(0, min(100, percent))
	filled := (percent * width) / 100
	empty := width - filled
	return strings.Repeat("█", filled) + strings.Repeat("░", empty)
}

func (ui *UI) animateProgress(fromPercent, toPercent int, duration time.Duration) {
	steps := toPercent - fromPercent
	if steps <= 0 {
		return
	}
	stepDuration := duration / time.Duration(steps)
	lastBar := renderProgressBar(fromPercent)

	for p := fromPercent + 1; p <= toPercent; p++ {
		time.Sleep(stepDuration)
		if bar := renderProgressBar(p); bar != lastBar {
			ui.app.QueueUpdateDraw(func() {
				ui.progressBar.SetText(bar)
			})
			lastBar = bar
		}
	}
}

func (ui *UI) loadQueueAndInitUI(ctx context.Context) error {
	const totalStages = 2
	stagePercent := func(stage int) int { return (stage * 100) / totalStages }

	startTime := time.Now()

	animDone := make(chan struct{})
	go func() {
		ui.animateProgress(stagePercent(0), stagePercent(1), MinStatusDisplayTime)
		close(animDone)
	}()

	tracks, err := ui.loader.LoadAll(ctx, ui.sources)
	<-animDone
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}
	if len(tracks) == 0 {
		return errEmptyQueue
	}
	log.Debug().Msgf("Loaded %d tracks in %v", len(tracks), time.Since(startTime))

	ui.service.SetQueue(tracks)

	ui.app.QueueUpdateDraw(func() {
		ui.loadingText.SetText("Building interface... (2/2)")
	})

	ui.setupUI()

	ui.animateProgress(stagePercent(1), stagePercent(2), MinStatusDisplayTime)

	// Floor, not ceiling: wait only if real work finished early.
	if elapsed := time.Since(startTime); elapsed < MinLoadingDisplayTime {
		time.Sleep(MinLoadingDisplayTime - elapsed)
	}
	log.Debug().Msgf("Total loading time: %v", time.Since(startTime))

	ui.app.QueueUpdateDraw(func() {
		ui.app.SetRoot(ui.pages, true).EnableMouse(true)
		ui.app.SetFocus(ui.queueTable)
		ui.refreshQueueTable()
		ui.startUpdates()

		if err := ui.service.Play(0); err != nil {
			ui.showError(err)
		}
	})

	return nil
}

func (ui *UI) setupUI() {
	header := ui.createHeader()

	ui.playerPanel = ui.createPlayerPanel()

	ui.queueTable = ui.createQueueTable()

	ui.helpPanel = ui.createFooter()

	ui.contentLayout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(header, HeaderHeight, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(ui.playerPanel, PlayerPanelHeight, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(ui.queueTable, 0, 1, true).
		AddItem(ui.helpPanel, FooterHeightWide, 0, false)
	ui.contentLayout.SetBackgroundColor(ui.colors.background)

	wrapper := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(nil, 3, 0, false).
		AddItem(ui.contentLayout, 0, 1, true).
		AddItem(nil, 3, 0, false)
	wrapper.SetBackgroundColor(ui.colors.background)

	ui.mainLayout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 1, 0, false).
		AddItem(wrapper, 0, 1, true).
		AddItem(nil, 1, 0, false)
	ui.mainLayout.SetBackgroundColor(ui.colors.background)

	ui.pages = tview.NewPages().
		AddPage("main", ui.mainLayout, true, true)
	ui.pages.SetBackgroundColor(ui.colors.background)

	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if ui.pages.HasPage("modal") || ui.pages.HasPage("error-modal") {
			return event
		}
		return ui.globalInputHandler(event)
	})
}

func (ui *UI) createHeader() tview.Primitive {
	titleView := tview.NewTextView()
	titleView.SetText(" " + config.AppName)
	titleView.SetTextAlign(tview.AlignLeft)
	titleView.SetTextColor(ui.colors.foreground)
	titleView.SetBackgroundColor(ui.colors.headerBackground)

	ui.transitionView = tview.NewTextView()
	ui.transitionView.SetText(fmt.Sprintf("%s  v%s ", ui.transport.Transition(), config.AppVersion))
	ui.transitionView.SetTextAlign(tview.AlignRight)
	ui.transitionView.SetTextColor(ui.colors.foreground)
	ui.transitionView.SetBackgroundColor(ui.colors.headerBackground)

	textFlex := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(titleView, 0, 1, false).
		AddItem(ui.transitionView, 24, 0, false)
	textFlex.SetBackgroundColor(ui.colors.headerBackground)

	topSpacer := tview.NewBox().SetBackgroundColor(ui.colors.headerBackground)
	bottomSpacer := tview.NewBox().SetBackgroundColor(ui.colors.headerBackground)
	leftSpacer := tview.NewBox().SetBackgroundColor(ui.colors.headerBackground)
	rightSpacer := tview.NewBox().SetBackgroundColor(ui.colors.headerBackground)

	textWithPadding := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(leftSpacer, 1, 0, false).
		AddItem(textFlex, 0, 1, false).
		AddItem(rightSpacer, 1, 0, false)
	textWithPadding.SetBackgroundColor(ui.colors.headerBackground)

	headerFlex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(topSpacer, 1, 0, false).
		AddItem(textWithPadding, 1, 0, false).
		AddItem(bottomSpacer, 1, 0, false)
	headerFlex.SetBackgroundColor(ui.colors.headerBackground)

	return headerFlex
}

func (ui *UI) startUpdates() {
	go func() {
		ticker := time.NewTicker(RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ui.stopUpdates:
				return
			case <-ticker.C:
				ui.app.QueueUpdateDraw(ui.refresh)
			}
		}
	}()
}

// refresh runs on the application goroutine.
func (ui *UI) refresh() {
	ui.statusRenderer.AdvanceAnimation()

	if ui.queueDirty.Swap(false) {
		ui.refreshQueueTable()
	} else {
		ui.updateQueuePlayingIndicator()
	}
	if ui.volumeDirty.Swap(false) {
		ui.updateVolumeDisplay()
	}
	ui.updateNowPlaying()

	ui.mu.Lock()
	failed := ui.failedURL
	ui.failedURL = ""
	ui.mu.Unlock()

	if failed != "" && !ui.pages.HasPage("error-modal") {
		ui.showPlaybackErrorModal(failed, fmt.Sprintf("Could not play %s", playlist.Track{URL: failed}.DisplayTitle()))
	}
}

func (ui *UI) globalInputHandler(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			ui.stop()
			return nil
		case ' ':
			ui.service.TogglePause()
			ui.updateQueuePlayingIndicator()
			return nil
		case 'n', 'N', '>':
			ui.service.Next()
			return nil
		case 'p', 'P', '<':
			ui.service.Previous()
			return nil
		case 'x', 'X':
			ui.service.Stop()
			return nil
		case 'r', 'R':
			ui.cycleRepeat()
			return nil
		case 's', 'S':
			ui.service.ToggleShuffle()
			ui.SaveConfig()
			return nil
		case '+', '=':
			ui.adjustVolume(VolumeStep)
			return nil
		case '-', '_':
			ui.adjustVolume(-VolumeStep)
			return nil
		case 'm', 'M':
			ui.toggleMute()
			return nil
		case '?':
			ui.showHelpModal()
			return nil
		case 'a', 'A':
			ui.showAboutModal()
			return nil
		}
	case tcell.KeyEnter:
		ui.playSelected()
		return nil
	case tcell.KeyEscape:
		ui.stop()
		return nil
	case tcell.KeyRight:
		ui.seek(SeekStep)
		return nil
	case tcell.KeyLeft:
		ui.seek(-SeekStep)
		return nil
	}
	return event
}

func (ui *UI) cycleRepeat() {
	mode := ui.service.RepeatMode().Next()
	ui.service.SetRepeatMode(mode)
	ui.SaveConfig()
}

func (ui *UI) seek(delta float64) {
	if ui.transport.State() == audio.PlaybackStopped {
		return
	}
	position := ui.transport.Position() + delta
	if duration := ui.transport.Duration(); duration > 0 {
		position = min(position, duration)
	}
	position = max(position, 0)
	log.Debug().Float64("position", position).Msg("Seeking")
	ui.transport.SetPosition(position)
}
