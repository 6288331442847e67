package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/silviot/le_audio_endpoint_go/pkg/bluez"
	"github.com/silviot/le_audio_endpoint_go/pkg/codec"
	"github.com/silviot/le_audio_endpoint_go/pkg/config"
	"github.com/silviot/le_audio_endpoint_go/pkg/endpoint"
	"github.com/silviot/le_audio_endpoint_go/pkg/pcmws"
	"github.com/silviot/le_audio_endpoint_go/pkg/stream"
	"github.com/silviot/le_audio_endpoint_go/pkg/webrtc"
)

type serveFlags struct {
	adapter    string
	httpAddr   string
	role       string
	codec      string
	policy     string
	capture    string
	txSource   string
	forwardURL string
}

func newServeCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Register the endpoint and stream until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, setupLogger(cfg.LogLevel))
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.adapter, "adapter", "", "BlueZ adapter object path (default: first adapter)")
	fl.StringVar(&f.httpAddr, "http-addr", "", "status/websocket listen address, empty string disables")
	fl.StringVar(&f.role, "role", "", "sink or source")
	fl.StringVar(&f.codec, "codec", "", "codec name: "+fmt.Sprint(codec.Names()))
	fl.StringVar(&f.policy, "selection-policy", "", "strict or echo")
	fl.StringVar(&f.capture, "capture", "", "capture file for decoded PCM, empty string disables")
	fl.StringVar(&f.txSource, "tx-source", "", config.SourceTone+", "+config.SourceStdin+" or "+config.SourceIngest)
	fl.StringVar(&f.forwardURL, "forward-url", "", "websocket URL receiving decoded PCM")
	return cmd
}

// apply overrides cfg with the flags set on the command line.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("adapter", &cfg.Adapter, f.adapter)
	set("http-addr", &cfg.HTTPAddr, f.httpAddr)
	set("role", &cfg.Role, f.role)
	set("codec", &cfg.Codec, f.codec)
	set("selection-policy", &cfg.SelectionPolicy, f.policy)
	set("capture", &cfg.CaptureFile, f.capture)
	set("tx-source", &cfg.TXSource, f.txSource)
	set("forward-url", &cfg.ForwardURL, f.forwardURL)
}

// daemon holds the composed process: PCM plumbing, the endpoint and the
// surfaces that report on it.
type daemon struct {
	cfg    *config.Config
	ec     endpoint.Config
	logger *slog.Logger

	ep      *endpoint.Endpoint
	hub     *pcmws.Hub
	ingest  *pcmws.Ingest
	forward *pcmws.Client
	bridge  *webrtc.Manager
	capture *stream.FileSink
	queue   *stream.QueueSource
}

// buildDaemon wires sinks, sources and the endpoint. It does not touch the
// system bus; base supplies the Acquirer.
func buildDaemon(ctx context.Context, cfg *config.Config, base endpoint.Options, logger *slog.Logger) (*daemon, error) {
	ec, err := cfg.Endpoint()
	if err != nil {
		return nil, err
	}
	cdc, err := codec.Lookup(cfg.Codec)
	if err != nil {
		return nil, err
	}
	sel, err := endpoint.NewSelector(cfg.SelectionPolicy, ec)
	if err != nil {
		return nil, err
	}
	if sel.Name() == "echo" {
		logger.Warn("echo selection policy accepts any peer configuration without validation")
	}

	d := &daemon{cfg: cfg, ec: ec, logger: logger}
	samples := ec.Params().SamplesPerFrame()

	d.hub = pcmws.NewHub(pcmws.HubConfig{
		Format: pcmws.NewFormat(ec.SampleRate, ec.Channels, samples),
		Logger: logger,
	})
	sinks := stream.MultiSink{d.hub}

	var source stream.Source
	if ec.Role == endpoint.RoleSource {
		switch cfg.TXSource {
		case config.SourceTone:
			source = stream.NewToneSource(ec.SampleRate, ec.Channels, cfg.ToneFrequency)
		case config.SourceStdin:
			rs := stream.NewReaderSource(os.Stdin, samples*ec.Channels, logger)
			d.queue = rs.QueueSource
			source = rs
		case config.SourceIngest:
			// One second of audio.
			d.queue = stream.NewQueueSource(ec.SampleRate * ec.Channels)
			source = d.queue
		}
	} else if cfg.CaptureFile != "" {
		d.capture, err = stream.NewFileSink(cfg.CaptureFile)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, d.capture)
		logger.Info("capturing decoded PCM", "path", cfg.CaptureFile)
	}

	// Only the ingest source accepts pushed audio.
	var target pcmws.Pusher
	if cfg.TXSource == config.SourceIngest && d.queue != nil {
		target = d.queue
	}
	d.ingest = pcmws.NewIngest(pcmws.IngestConfig{
		Format: pcmws.NewFormat(ec.SampleRate, ec.Channels, 0),
		Target: target,
		Logger: logger,
	})

	if cfg.WebRTC.Enabled {
		wcfg := webrtc.Config{
			ICE:        webrtc.ConnectionConfig{STUN: cfg.WebRTC.STUN, TURN: cfg.WebRTC.TURN},
			SampleRate: ec.SampleRate,
			Channels:   ec.Channels,
			Target:     target,
			Logger:     logger.With("component", "webrtc"),
		}
		d.bridge, err = webrtc.NewManager(wcfg)
		if err != nil {
			d.close()
			return nil, err
		}
		sinks = append(sinks, d.bridge)
	}

	if cfg.ForwardURL != "" && ec.Role == endpoint.RoleSink {
		d.forward = pcmws.NewClient(pcmws.ClientConfig{
			URL:    cfg.ForwardURL,
			Format: pcmws.NewFormat(ec.SampleRate, ec.Channels, samples),
			OnMessage: func(m pcmws.Message) {
				logger.Debug("forward target message", "type", m.Type)
			},
			Logger: logger,
		})
		if err := d.forward.Connect(ctx); err != nil {
			d.close()
			return nil, err
		}
		sinks = append(sinks, d.forward)
	}

	opts := base
	opts.Config = ec
	opts.Codec = cdc
	opts.Selector = sel
	opts.Sink = sinks
	opts.Source = source
	opts.AcquireTimeout = cfg.AcquireTimeout
	opts.StopTimeout = cfg.StopTimeout
	opts.Logger = logger
	d.ep, err = endpoint.New(opts)
	if err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

// close releases the endpoint and every PCM surface.
func (d *daemon) close() {
	if d.ep != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StopTimeout+time.Second)
		d.ep.Release(ctx)
		cancel()
	}
	if d.hub != nil {
		d.hub.Close()
	}
	if d.bridge != nil {
		d.bridge.Close()
	}
	if d.forward != nil {
		d.forward.Close()
	}
	if d.queue != nil {
		d.queue.Close()
	}
	if d.capture != nil {
		if err := d.capture.Close(); err != nil {
			d.logger.Error("failed to close capture file", "error", err)
		}
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting LE Audio endpoint",
		"version", version,
		"role", cfg.Role,
		"codec", cfg.Codec,
		"selection_policy", cfg.SelectionPolicy)

	conn, err := bluez.ConnectSystemBus()
	if err != nil {
		return err
	}
	defer conn.Close()

	d, err := buildDaemon(ctx, cfg, endpoint.Options{Acquirer: bluez.Acquirer{Conn: conn}}, logger)
	if err != nil {
		return err
	}
	defer d.close()

	caps, err := d.ec.Capabilities()
	if err != nil {
		return err
	}
	path := dbus.ObjectPath(cfg.EndpointPath)
	if path == "" {
		path = bluez.PathForRole(d.ec.Role)
	}

	reg, err := bluez.NewRegistry(bluez.Config{
		Conn:         conn,
		Adapter:      dbus.ObjectPath(cfg.Adapter),
		Path:         path,
		UUID:         bluez.UUIDForRole(d.ec.Role),
		Capabilities: caps,
		Handler:      d.ep,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := reg.Register(ctx); err != nil {
		return err
	}

	var server *http.Server
	if cfg.HTTPAddr != "" {
		server = &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: d.mux(),
		}
		go func() {
			logger.Info("HTTP server listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, gracefully shutting down")
	case <-reg.Released():
		logger.Info("endpoint released by BlueZ, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := reg.Unregister(shutdownCtx); err != nil {
		logger.Error("unregister failed", "error", err)
	}
	d.ep.Release(shutdownCtx)
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}

	logger.Info("LE Audio endpoint stopped")
	return nil
}
