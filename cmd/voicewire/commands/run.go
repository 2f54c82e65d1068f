package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voicewire/voicewire/cmd/voicewire/internal/config"
	"github.com/voicewire/voicewire/pkg/ari"
	"github.com/voicewire/voicewire/pkg/audio/pcm"
	"github.com/voicewire/voicewire/pkg/bridge"
	"github.com/voicewire/voicewire/pkg/media"
	"github.com/voicewire/voicewire/pkg/session"
	"github.com/voicewire/voicewire/pkg/voiceai"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runBridge(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runBridge(parent context.Context, cfg *config.Config) error {
	log := newLogger()
	log.Info("starting voicewire",
		"config", cfg.Path,
		"transport", cfg.Media.Transport,
		"app", cfg.ARI.Application)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := session.NewRegistry(session.WithLogger(log))
	registry.Start()
	defer registry.Stop()

	ariClient := ari.NewClient(cfg.ARI, log)

	var orch *bridge.Orchestrator

	// Media transport wiring. External media runs one shared server;
	// RTP binds a socket per call.
	var extServer *media.Server
	var newTransport bridge.TransportFactory
	switch cfg.Media.Transport {
	case bridge.TransportExternalMedia:
		extServer = media.NewServer(cfg.Media.ExtMediaAddr, func(channelID string) bool {
			_, ok := registry.GetByChannel(channelID)
			return ok
		}, log)
		extServer.OnDisconnect(func(channelID string) {
			orch.ChannelDown(channelID)
		})
		if err := extServer.Start(ctx); err != nil {
			return fmt.Errorf("external media server: %w", err)
		}
		defer extServer.Stop()
		newTransport = func(channelID string) (media.Transport, error) {
			return extServer.Transport(channelID), nil
		}
	case bridge.TransportRTP:
		newTransport = func(channelID string) (media.Transport, error) {
			return media.NewRTPTransport(channelID, media.RTPConfig{
				Format:     pcm.L16Mono16K,
				ListenAddr: cfg.Media.RTPListenAddr,
				RemoteAddr: cfg.Media.RTPRemoteAddr,
			}, log), nil
		}
	default:
		return fmt.Errorf("unknown transport %q", cfg.Media.Transport)
	}

	newConn := func() voiceai.Conn {
		return voiceai.NewRealtime(cfg.VoiceAI, log)
	}

	orch = bridge.New(cfg.Bridge, ariClient, registry, newConn, newTransport, log)

	statusSrv := bridge.NewStatusServer(cfg.StatusAddr, orch, log)
	if err := statusSrv.Start(); err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		statusSrv.Stop(shutdownCtx)
	}()

	stream := ari.NewEventStream(cfg.ARI, log)
	defer stream.Close()
	streamDone := make(chan error, 1)
	go func() { streamDone <- stream.Run(ctx) }()

	err := orch.Run(ctx, stream.Events())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	<-streamDone

	log.Info("voicewire stopped")
	return nil
}
