package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/internal/infrastructure/media"
	"meshcall/internal/infrastructure/monitoring"
	relay "meshcall/internal/infrastructure/signal"
	webrtcinfra "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"
	"meshcall/pkg/tracing"
	"meshcall/pkg/validation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `commands:
  video on|off     toggle the camera
  audio on|off     toggle the microphone
  screen on|off    start or stop screen sharing
  end camera|screen  simulate the capture device going away
  chat <text>      send a chat message to the session
  peers            list connections and their negotiation state
  quit             leave the session`

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file")
	serverURL := pflag.String("server", "", "relay WebSocket URL, overrides client.server_url")
	session := pflag.StringP("session", "s", "", "session to join, overrides client.session")
	name := pflag.StringP("name", "n", "", "display name, overrides client.display_name")
	noVideo := pflag.Bool("no-video", false, "join with the camera off")
	noAudio := pflag.Bool("no-audio", false, "join with the microphone off")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}
	if *session != "" {
		cfg.Client.Session = *session
	}
	if *name != "" {
		cfg.Client.DisplayName = *name
	}
	if *noVideo {
		cfg.Client.Video = false
	}
	if *noAudio {
		cfg.Client.Audio = false
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("Could not load config, using defaults", "path", *configPath, "error", err)
	}

	if err := validation.ValidateRelayURL(cfg.Client.ServerURL); err != nil {
		log.Fatalw("Invalid relay URL", "url", cfg.Client.ServerURL, "error", err)
	}
	if err := validation.ValidateSessionID(cfg.Client.Session); err != nil {
		log.Fatalw("Invalid session", "session", cfg.Client.Session, "error", err)
	}
	if err := validation.ValidateDisplayName(cfg.Client.DisplayName); err != nil {
		log.Fatalw("Invalid display name", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-client",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, err := relay.DialWebSocket(ctx, relay.ClientConfig{
		URL:          cfg.Client.ServerURL,
		WriteTimeout: cfg.Signal.WriteTimeout,
		Retry:        relay.DefaultClientRetry(cfg.Client.DialAttempts),
	}, log.Named("transport"))
	if err != nil {
		log.Fatalw("Could not reach relay", "url", cfg.Client.ServerURL, "error", err)
	}

	factory, err := webrtcinfra.NewFactory(webrtcinfra.ConfigFrom(cfg), log.Named("webrtc"))
	if err != nil {
		log.Fatalw("failed to create connection factory", "error", err)
	}

	devices := media.NewSyntheticDevices(media.Options{
		Camera: true,
		Screen: cfg.Client.ScreenAvailable,
	}, log.Named("devices"))

	metrics := monitoring.NewNegotiationCollector(prometheus.DefaultRegisterer)
	metricsServer := startMetricsServer(cfg, log)

	mesh := services.NewMeshSession(transport, factory, devices, metrics, log.Named("mesh"), services.SessionOptions{
		DisplayName:        cfg.Client.DisplayName,
		NegotiationTimeout: cfg.Client.NegotiationTimeout,
		Video:              cfg.Client.Video,
		Audio:              cfg.Client.Audio,
	})
	mesh.OnChat(func(msg domain.ChatMessage) {
		from := msg.DisplayName
		if from == "" {
			from = string(msg.From)
		}
		fmt.Printf("[%s] %s\n", from, msg.Text)
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- mesh.Run(ctx, domain.SessionID(cfg.Client.Session))
	}()

	go readCommands(ctx, mesh, devices, cancel)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("Session ended with error", "error", err)
		}
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}

	log.Info("Leaving session...")
	cancel()

	if err := mesh.Close(); err != nil {
		log.Errorw("Error closing session", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error stopping metrics server", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error flushing traces", "error", err)
	}
}

func startMetricsServer(cfg *config.Config, log *zap.SugaredLogger) *http.Server {
	if !cfg.Monitoring.PrometheusEnabled || cfg.Monitoring.PrometheusAddress == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Monitoring.PrometheusAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("Serving metrics on %s", cfg.Monitoring.PrometheusAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnw("Metrics server stopped", "error", err)
		}
	}()
	return srv
}

func readCommands(ctx context.Context, mesh *services.MeshSession, devices *media.SyntheticDevices, quit context.CancelFunc) {
	fmt.Println(usage)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		var err error
		switch cmd {
		case "video":
			err = withToggle(arg, func(on bool) error { return mesh.SetVideoEnabled(ctx, on) })
		case "audio":
			err = withToggle(arg, func(on bool) error { return mesh.SetAudioEnabled(ctx, on) })
		case "screen":
			err = withToggle(arg, func(on bool) error { return mesh.SetScreenShare(ctx, on) })
		case "end":
			switch arg {
			case "camera":
				fmt.Printf("ended %d camera track(s)\n", devices.Revoke(domain.SourceCamera))
			case "screen":
				fmt.Printf("ended %d screen track(s)\n", devices.Revoke(domain.SourceScreen))
			default:
				err = fmt.Errorf("end camera|screen")
			}
		case "chat":
			err = mesh.SendChat(ctx, arg)
		case "peers":
			printPeers(mesh)
		case "quit", "exit":
			quit()
			return
		default:
			fmt.Println(usage)
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func withToggle(arg string, fn func(bool) error) error {
	switch arg {
	case "on":
		return fn(true)
	case "off":
		return fn(false)
	default:
		return fmt.Errorf("expected on or off, got %q", arg)
	}
}

func printPeers(mesh *services.MeshSession) {
	video, audio, screen := mesh.Media().Flags()
	stream, version := mesh.Media().Current()
	source := "none"
	if stream != nil {
		source = string(stream.Source)
	}
	fmt.Printf("self=%s source=%s version=%d video=%t audio=%t screen=%t\n",
		mesh.Self(), source, version, video, audio, screen)

	mesh.Registry().ForEach(func(pc *services.PeerConnection) {
		fmt.Printf("  %s  %s  attached=v%d\n", pc.PeerID, pc.State(), pc.AttachedVersion())
	})
}
