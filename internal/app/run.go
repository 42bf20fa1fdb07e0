package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/chat"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/rendezvous"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/petervdpas/peercall/internal/util"
	"github.com/petervdpas/peercall/internal/viewer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// OpenBrowser opens the viewer once it is listening.
	OpenBrowser bool
	// Watch reloads the hot-swappable config subset when the file changes.
	Watch bool
}

// Run starts the endpoint described by opt and blocks until ctx is done.
// Local media is released before it returns.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	setupLogging(logBuf, opt.Cfg.Viewer.Debug)

	logBanner(opt.PeerDir, opt.CfgPath)

	return runPeer(ctx, runPeerOpts{
		PeerDir:     opt.PeerDir,
		CfgPath:     opt.CfgPath,
		Cfg:         opt.Cfg,
		Logs:        logBuf,
		OpenBrowser: opt.OpenBrowser,
		Watch:       opt.Watch,
	})
}

func setupLogging(logBuf *viewer.LogBuffer, debug bool) {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, logBuf)).With().Timestamp().Logger()
	setLevel(debug)
}

func setLevel(debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

type runPeerOpts struct {
	PeerDir     string
	CfgPath     string
	Cfg         config.Config
	Logs        *viewer.LogBuffer
	OpenBrowser bool
	Watch       bool
}

func runPeer(ctx context.Context, o runPeerOpts) error {
	cfg := o.Cfg

	// ── Rendezvous server (optional)
	var rv *rendezvous.Server
	if cfg.Rendezvous.Host {
		var db *storage.DB
		if cfg.Rendezvous.ChatDBDir != "" {
			var err error
			db, err = storage.Open(util.ResolvePath(o.PeerDir, cfg.Rendezvous.ChatDBDir))
			if err != nil {
				return fmt.Errorf("open chat database: %w", err)
			}
			defer db.Close()
		}

		rv = rendezvous.New(cfg.RendezvousAddr(), db, rendezvous.Options{
			RelayRate:     rate.Limit(cfg.Rendezvous.RelayRate),
			RelayBurst:    cfg.Rendezvous.RelayBurst,
			MaxChatLength: cfg.Chat.MaxLength,
			HistoryLimit:  cfg.Chat.HistoryLimit,
		})
		if err := rv.Start(ctx); err != nil {
			return fmt.Errorf("start rendezvous: %w", err)
		}
		log.Info().Str("module", "app").Str("url", rv.URL()).Msg("rendezvous server ready")
	}

	if cfg.Rendezvous.Only {
		log.Info().Str("module", "app").Msg("mode: rendezvous-only")
		<-ctx.Done()
		return nil
	}

	// ── Media
	acq, err := newAcquirer(cfg.Media)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}

	// ── Transport
	tr := rtc.New(rtc.Options{
		SignalingURL:        cfg.Signaling.URL,
		ICEServers:          iceServers(cfg.ICE),
		DisconnectedTimeout: time.Duration(cfg.ICE.DisconnectedTimeoutSec) * time.Second,
		FailedTimeout:       time.Duration(cfg.ICE.FailedTimeoutSec) * time.Second,
		KeepAliveInterval:   time.Duration(cfg.ICE.KeepAliveSec) * time.Second,
		AnswerTimeout:       cfg.AnswerTimeout(),
		Codecs:              acq,
	})
	defer tr.Close()

	// ── Call slot
	calls := call.New(&dialingTransport{Transport: tr, timeout: cfg.DialTimeout()}, acq)
	calls.Start(ctx)
	defer calls.Close()

	// ── Chat
	chatMgr := chat.New(chatBackend{tr: tr}, calls, chat.Options{
		BufferSize: cfg.Chat.HistoryLimit,
		MaxLength:  cfg.Chat.MaxLength,
	})
	chatMgr.Start(ctx)
	defer chatMgr.Close()

	if o.Watch && o.CfgPath != "" {
		go func() {
			err := config.Watch(ctx, o.CfgPath, func(next config.Config) {
				setLevel(next.Viewer.Debug)
				tr.SetICEServers(iceServers(next.ICE))
			})
			if err != nil {
				log.Warn().Str("module", "app").Err(err).Msg("config watch stopped")
			}
		}()
	}

	// ── Viewer
	if cfg.Viewer.HTTPAddr != "" {
		addr, url, tcpAddr := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		v := viewer.Viewer{
			Calls:     calls,
			Chat:      chatMgr,
			Logs:      o.Logs,
			AuthToken: cfg.Viewer.AuthToken,
		}
		go func() {
			if err := viewer.Start(ctx, addr, v); err != nil {
				log.Error().Str("module", "viewer").Err(err).Msg("viewer stopped")
			}
		}()
		log.Info().Str("module", "app").Str("url", url).Msg("viewer")

		if o.OpenBrowser {
			go func() {
				if err := WaitTCP(tcpAddr, 5*time.Second); err != nil {
					log.Warn().Str("module", "app").Err(err).Msg("viewer not reachable")
					return
				}
				if err := util.OpenURL(url); err != nil {
					log.Warn().Str("module", "app").Err(err).Msg("open browser")
				}
			}()
		}
	}

	<-ctx.Done()
	log.Info().Str("module", "app").Msg("shutting down, releasing media")
	calls.ReleaseAll()
	return nil
}

// newAcquirer picks synthetic or device capture.
func newAcquirer(cfg config.Media) (mediaAcquirer, error) {
	if cfg.Synthetic {
		log.Info().Str("module", "media").Msg("synthetic media")
		return media.NewSyntheticAcquirer(), nil
	}
	return media.NewDeviceAcquirer(media.Options{
		MaxWidth:     cfg.MaxWidth,
		MaxHeight:    cfg.MaxHeight,
		VideoBitRate: cfg.VideoBitRate,
		PreferredCam: cfg.PreferredCam,
		PreferredMic: cfg.PreferredMic,
	})
}

type mediaAcquirer interface {
	media.Acquirer
	media.CodecRegistrar
}
