package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/glebovdev/cubeplay/internal/audio"
	"github.com/glebovdev/cubeplay/internal/cache"
	"github.com/glebovdev/cubeplay/internal/config"
	"github.com/glebovdev/cubeplay/internal/datastream"
	"github.com/glebovdev/cubeplay/internal/decoder"
	"github.com/glebovdev/cubeplay/internal/output/speaker"
	"github.com/glebovdev/cubeplay/internal/playlist"
	"github.com/glebovdev/cubeplay/internal/service"
	"github.com/glebovdev/cubeplay/internal/spectrum"
	"github.com/glebovdev/cubeplay/internal/ui"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type rootOptions struct {
	debug     bool
	shuffle   bool
	crossfade bool
	output    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          config.AppName + " [paths...]",
		Short:        config.AppTagline,
		Long:         config.AppDescription + "\n\nPaths may be audio files, directories, m3u/pls playlists or http(s) URLs.\nWithout paths the last queue is restored.",
		Version:      config.AppVersion,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.debug)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlayer(cmd.Context(), opts, args)
		},
	}
	cmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n%s\n", config.AppName, config.AppVersion, config.AppDescription))

	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&opts.output, "output", "", "Output to play through (see 'outputs')")
	cmd.Flags().BoolVar(&opts.shuffle, "shuffle", false, "Shuffle the queue")
	cmd.Flags().BoolVar(&opts.crossfade, "crossfade", false, "Crossfade between tracks instead of playing them gaplessly")

	defaultUsage := cmd.UsageFunc()
	cmd.SetUsageFunc(func(c *cobra.Command) error {
		err := defaultUsage(c)
		configPath, pathErr := config.GetConfigPath()
		if pathErr == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Fprintf(c.OutOrStderr(), "\nConfig file: %s\n", configPath)
			} else {
				fmt.Fprintf(c.OutOrStderr(), "\nConfig file will be created on first use.\n")
			}
		}
		return err
	})

	cmd.AddCommand(newRenderCmd(opts), newOutputsCmd(opts))
	return cmd
}

func setupLogging(debug bool) {
	if !debug {
		// Avoid TUI corruption by only logging errors to /dev/null
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		logFile, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0644)
		if err == nil {
			log.Logger = log.Output(logFile)
		}
		return
	}

	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	cacheDir, err := cache.GetCacheDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not get cache dir: %v\n", err)
		cacheDir = os.TempDir()
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log dir: %v\n", err)
	}
	logPath := filepath.Join(cacheDir, "debug.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log file: %v\n", err)
		logFile = os.Stderr
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: logFile, TimeFormat: "15:04:05"})
	fmt.Printf("Debug log: %s\n", logPath)
	log.Info().Msgf("Starting %s v%s (debug mode)", config.AppName, config.AppVersion)

	if configPath, err := config.GetConfigPath(); err == nil {
		log.Debug().Msgf("Config: %s", configPath)
	}
	log.Debug().Msgf("Cache: %s", cacheDir)
}

func loadConfig(opts *rootOptions) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.DefaultConfig()
	}
	if opts.output != "" {
		cfg.Playback.Output = opts.output
	}
	if opts.crossfade {
		cfg.Playback.Transition = audio.TransitionCrossfade.String()
	}
	return cfg
}

// stack is the decoding side shared by every command.
type stack struct {
	cache    *cache.Cache
	streams  *datastream.Opener
	decoders *decoder.Factory
	registry *audio.OutputRegistry
}

func newStack(cfg *config.Config) *stack {
	c, err := cache.NewCache(cfg.CacheExpiry(), cfg.Cache.MaxEntries)
	if err != nil {
		log.Warn().Err(err).Msg("Stream cache unavailable, remote streams disabled")
		c = nil
	}
	streams := datastream.NewOpener(c)

	return &stack{
		cache:    c,
		streams:  streams,
		decoders: decoder.NewFactory(streams, cfg.Playback.SampleRate),
		registry: audio.NewOutputRegistry(),
	}
}

func (s *stack) cleanCache() {
	if s.cache == nil {
		return
	}
	start := time.Now()
	if err := s.cache.CleanExpired(); err != nil {
		log.Warn().Err(err).Msg("Failed to clean stream cache")
		return
	}
	log.Debug().Int("entries", s.cache.Len()).Msgf("Cleaned stream cache in %v", time.Since(start))
}

func registerOutputs(registry *audio.OutputRegistry, cfg *config.Config) {
	speaker.Register(registry, speaker.Config{
		SampleRate:   cfg.Playback.SampleRate,
		BufferSize:   time.Duration(cfg.Playback.DeviceBufferMs) * time.Millisecond,
		QueueBuffers: cfg.Playback.OutputQueueBuffers,
	})
}

func runPlayer(ctx context.Context, opts *rootOptions, args []string) error {
	cfg := loadConfig(opts)

	sources := args
	if len(sources) == 0 {
		sources = cfg.LastQueue
	}
	if len(sources) == 0 {
		return errors.New("nothing to play: pass audio files, directories, playlists or URLs")
	}

	st := newStack(cfg)
	registerOutputs(st.registry, cfg)

	analyzer := spectrum.New(spectrum.DefaultBands)
	options := cfg.Options()
	options.Analyzer = analyzer

	transport, err := audio.NewTransport(st.registry, st.decoders, options)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	svc := service.NewPlaybackService(transport)
	if mode, err := service.ParseRepeatMode(cfg.Repeat); err == nil {
		svc.SetRepeatMode(mode)
	}
	if cfg.Shuffle || opts.shuffle {
		svc.ToggleShuffle()
	}

	player := ui.NewUI(ui.Options{
		Config:    cfg,
		Service:   svc,
		Transport: transport,
		Analyzer:  analyzer,
		Loader:    playlist.NewLoader(st.streams),
		Sources:   sources,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// the UI exiting on its own ends everything else
		defer stop()
		log.Debug().Msg("Starting UI...")
		return player.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		player.Shutdown()
		return nil
	})

	g.Go(func() error {
		if err := config.Watch(gctx, player.ApplyConfig); err != nil {
			log.Warn().Err(err).Msg("Config reload disabled")
		}
		return nil
	})

	g.Go(func() error {
		st.cleanCache()
		return nil
	})

	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("Error running UI")
	}

	svc.Close()
	if closeErr := transport.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Msg("Failed to close transport")
	}
	log.Info().Msgf("%s stopped", config.AppName)
	return err
}

func newOutputsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "outputs",
		Short: "List the available outputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(opts)
			st := newStack(cfg)
			registerOutputs(st.registry, cfg)
			registerRenderOutput(st.registry, "", cfg)

			for _, name := range st.registry.Names() {
				marker := " "
				if name == cfg.Playback.Output {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
			}
			return nil
		},
	}
}
