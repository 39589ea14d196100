package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/colloq/focus/internal/v1/authgate"
	"github.com/colloq/focus/internal/v1/bridge"
	"github.com/colloq/focus/internal/v1/conference"
	"github.com/colloq/focus/internal/v1/config"
	"github.com/colloq/focus/internal/v1/debugapi"
	"github.com/colloq/focus/internal/v1/focus"
	"github.com/colloq/focus/internal/v1/health"
	"github.com/colloq/focus/internal/v1/httpapi"
	"github.com/colloq/focus/internal/v1/logging"
	"github.com/colloq/focus/internal/v1/middleware"
	"github.com/colloq/focus/internal/v1/muc"
	"github.com/colloq/focus/internal/v1/offer"
	"github.com/colloq/focus/internal/v1/ratelimit"
	"github.com/colloq/focus/internal/v1/reservation"
	"github.com/colloq/focus/internal/v1/router"
	"github.com/colloq/focus/internal/v1/transport"
	"github.com/colloq/focus/internal/v1/types"
)

const (
	dialTimeout     = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

// errLinkDown ends the process when the chat server connection dies;
// the orchestrator restarts the focus rather than reconnect in place.
var errLinkDown = errors.New("stanza link lost")

func main() {
	// Load .env for local development; in production everything comes
	// from the environment and flags.
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logging.Error(context.Background(), "Configuration invalid", zap.Error(err))
		os.Exit(1)
	}
	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Exit(1)
	}
	cfg.Log(os.Args[1:])

	if err := run(cfg); err != nil {
		logging.Error(context.Background(), "Focus failed to start", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Stanza link ---
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := transport.Dial(dialCtx, cfg.WebsocketURL(), nil)
	dialCancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	// --- Authentication gate ---
	authCfg := authgate.Config{
		Mode:                authgate.Mode(cfg.AuthMode),
		AuthenticatedDomain: cfg.AuthenticatedDomain,
		LoginURL:            cfg.LoginURL,
	}
	var authOpts []authgate.Option
	if authCfg.Mode == authgate.ModeExternal {
		verifier, err := authgate.NewJWTVerifier(ctx, cfg.AuthIssuer, cfg.AuthAudience)
		if err != nil {
			return err
		}
		authOpts = append(authOpts, authgate.WithVerifier(verifier))
	}
	authority := authgate.New(authCfg, authOpts...)
	defer authority.Close()

	// --- Reservation backend ---
	var reservations *reservation.Client
	if cfg.ReservationURL != "" {
		reservations = reservation.NewClient(cfg.ReservationURL, cfg.ReservationTimeout)
		logging.Info(ctx, "Reservation backend enabled", zap.String("url", cfg.ReservationURL))
	}

	// --- Bridge fleet ---
	bridges := bridge.NewStanzaTransport(conn)
	selector := bridge.NewSelector(cfg.LocalRegion, bridge.WithProber(bridges))

	demux := muc.NewDemux()
	breweryName, err := types.ParseRoomName(cfg.BreweryRoom)
	if err != nil {
		return err
	}
	brewery := muc.NewRoom(breweryName, "focus", conn)
	brewery.SetObserver(bridge.NewBrewery(selector))
	demux.Register(brewery)

	// --- Conference store and stanza service ---
	disco := conference.NewDiscoClient(conn)
	var svc *focus.Service
	var iqRouter *router.Router

	factory := func(name types.RoomName, meetingID types.MeetingID, properties map[string]string, pinned func() string, onTerminated func(*conference.Conference)) *conference.Conference {
		room := muc.NewRoom(name, "focus", conn)
		demux.Register(room)
		return conference.New(conference.Options{
			Name:                name,
			MeetingID:           meetingID,
			FocusJID:            cfg.FocusJID(),
			Properties:          properties,
			Room:                room,
			Selector:            selector,
			Bridges:             bridges,
			Conn:                conn,
			Discovery:           disco,
			OfferConfig:         offer.DefaultConfig(),
			OfferOptions:        offer.Constraints{Audio: true, Video: true},
			PinnedVersion:       pinned,
			IncludeInStatistics: true,
			OnTerminated: func(c *conference.Conference) {
				demux.Unregister(name)
				iqRouter.CloseConference(name)
				svc.ReleaseBooking(name)
				onTerminated(c)
			},
		})
	}
	store := conference.NewStore(factory)
	defer store.Close()

	svc = focus.New(focus.Config{
		FocusJID: cfg.FocusJID(),
		Features: focus.Features{
			SipGateway:  cfg.EnableSipGateway,
			Lobby:       cfg.EnableLobby,
			Visitors:    len(cfg.VisitorNodes) > 0,
			Transcriber: cfg.EnableTranscriber,
			Rtcstats:    cfg.EnableRtcstats,
			OpusRed:     true,
			Rtx:         true,
			Sctp:        true,
		},
		VisitorNodes:     cfg.VisitorNodes,
		VisitorThreshold: cfg.VisitorThreshold,
	}, store, authority, reservations)
	iqRouter = router.New(svc, conn)

	conn.SetHandlers(iqRouter, demux)
	conn.Start()

	joinCtx, joinCancel := context.WithTimeout(ctx, dialTimeout)
	err = brewery.Join(joinCtx)
	joinCancel()
	if err != nil {
		return err
	}

	// --- Shared HTTP rate-limit budget ---
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
	}
	limiter, err := ratelimit.NewHTTPLimiter(cfg.RateLimitHTTP, redisClient)
	if err != nil {
		return err
	}

	// --- HTTP surface ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	if cfg.AllowedOrigins != "" {
		corsCfg.AllowOrigins = splitOrigins(cfg.AllowedOrigins)
	} else {
		corsCfg.AllowOrigins = []string{"http://localhost:3000"}
	}
	engine.Use(cors.New(corsCfg))

	healthHandler := health.NewHandler(health.CheckerFunc(func(context.Context) error {
		select {
		case <-conn.Done():
			return errLinkDown
		default:
			return nil
		}
	}))
	defer healthHandler.Close()

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/about/health", healthHandler.AboutHealth)
	debugapi.NewHandler(store, selector, debugapi.WithQueueDepths(iqRouter.Depths)).Register(engine)
	httpapi.NewHandler(svc).Register(engine, limiter.Middleware("conference-request"))

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: engine}
	go func() {
		logging.Info(ctx, "HTTP server starting", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "HTTP server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	go store.Run(ctx)
	go authority.Run(ctx)
	go healthHandler.RunChecks(ctx)
	healthHandler.SetReady()
	logging.Info(ctx, "Focus running", zap.String("jid", cfg.FocusJID()))

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-conn.Done():
		return errLinkDown
	}
	logging.Info(ctx, "Shutting down")
	healthHandler.SetShuttingDown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "HTTP shutdown incomplete", zap.Error(err))
	}

	iqRouter.Close()
	for _, c := range store.All() {
		c.Stop("gone")
	}
	cancel()
	logging.Info(context.Background(), "Focus exiting")
	return nil
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
