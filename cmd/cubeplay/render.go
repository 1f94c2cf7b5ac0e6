package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/glebovdev/cubeplay/internal/audio"
	"github.com/glebovdev/cubeplay/internal/config"
	"github.com/glebovdev/cubeplay/internal/output/wavfile"
	"github.com/glebovdev/cubeplay/internal/playlist"
	"github.com/glebovdev/cubeplay/internal/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRenderCmd(opts *rootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "render --out file.wav [paths...]",
		Short: "Render a queue gaplessly into one WAV file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := loadConfig(opts)
			frames, err := render(ctx, cfg, out, args)
			if err != nil {
				return err
			}
			seconds := float64(frames) / float64(cfg.Playback.SampleRate)
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%.1fs)\n", out, seconds)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "WAV file to write")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func registerRenderOutput(registry *audio.OutputRegistry, path string, cfg *config.Config) {
	wavfile.Register(registry, path, cfg.Playback.SampleRate)
}

// render plays sources through a gapless transport into a WAV file at path
// and returns the number of frames written.
func render(ctx context.Context, cfg *config.Config, path string, sources []string) (int, error) {
	st := newStack(cfg)

	tracks, err := playlist.NewLoader(st.streams).LoadAll(ctx, sources)
	if err != nil {
		return 0, fmt.Errorf("failed to load queue: %w", err)
	}
	if len(tracks) == 0 {
		return 0, errors.New("nothing to render")
	}

	var output *wavfile.Output
	st.registry.Register(wavfile.Name, func() (audio.Output, error) {
		o, err := wavfile.Create(path, cfg.Playback.SampleRate, wavfile.DefaultQueueBuffers)
		output = o
		return o, err
	})

	options := cfg.Options()
	// crossfading needs one output per track; a file has only one
	options.Transition = audio.TransitionGapless
	options.OutputName = wavfile.Name

	transport, err := audio.NewTransport(st.registry, st.decoders, options)
	if err != nil {
		return 0, fmt.Errorf("failed to create transport: %w", err)
	}
	transport.SetVolume(1)

	svc := service.NewPlaybackService(transport)

	var (
		once      sync.Once
		mu        sync.Mutex
		failedURL string
		done      = make(chan struct{})
	)
	finish := func() { once.Do(func() { close(done) }) }
	fail := func(url string) {
		mu.Lock()
		if failedURL == "" {
			failedURL = url
		}
		mu.Unlock()
		finish()
	}

	disconnectTrack := svc.TrackChanged.Connect(func(index int) {
		if index < 0 {
			finish()
			return
		}
		log.Info().Int("index", index).Str("url", tracks[index].URL).Msg("Rendering track")
	})
	disconnectErr := transport.OnStreamEvent(func(e audio.StreamEvent) {
		if e.Type == audio.StreamError {
			fail(e.URL)
		}
	})

	start := time.Now()
	svc.SetQueue(tracks)
	if err := svc.Play(0); err != nil {
		log.Error().Err(err).Msg("Failed to start rendering")
		fail(tracks[0].URL)
	}

	select {
	case <-done:
	case <-ctx.Done():
	}

	disconnectTrack()
	disconnectErr()
	svc.Close()
	closeErr := transport.Close()

	mu.Lock()
	failed := failedURL
	mu.Unlock()

	switch {
	case failed != "":
		return 0, fmt.Errorf("failed to render %s", failed)
	case ctx.Err() != nil:
		return 0, ctx.Err()
	case closeErr != nil:
		return 0, fmt.Errorf("failed to finish %s: %w", path, closeErr)
	}

	frames := output.Frames()
	log.Info().Int("frames", frames).Msgf("Rendered %d tracks in %v", len(tracks), time.Since(start))
	return frames, nil
}
