// Package app wires a board bridge from configuration: the remote store, the
// ephemeral service, local storage, metrics and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jun/gophboard/internal/auth"
	"github.com/jun/gophboard/internal/board"
	"github.com/jun/gophboard/internal/config"
	"github.com/jun/gophboard/internal/connectivity"
	"github.com/jun/gophboard/internal/crypto"
	"github.com/jun/gophboard/internal/drag"
	"github.com/jun/gophboard/internal/editbuffer"
	"github.com/jun/gophboard/internal/handler"
	"github.com/jun/gophboard/internal/kv"
	"github.com/jun/gophboard/internal/metrics"
	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/presence"
	"github.com/jun/gophboard/internal/queue"
	"github.com/jun/gophboard/internal/realtime"
	rtmem "github.com/jun/gophboard/internal/realtime/memory"
	rtredis "github.com/jun/gophboard/internal/realtime/redis"
	"github.com/jun/gophboard/internal/remote"
	"github.com/jun/gophboard/internal/remote/dynamo"
	rmem "github.com/jun/gophboard/internal/remote/memory"
	"github.com/jun/gophboard/internal/remote/postgres"
	"github.com/jun/gophboard/internal/secret"
)

// LocalFile is the name of the durable store inside the data directory.
const LocalFile = "gophboard.db"

// App holds the dependencies of the bridge.
type App struct {
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	monitor  *connectivity.Monitor

	backend  remote.Backend
	rtMemory *rtmem.Server
	redis    goredis.UniversalClient
	durable  kv.Store
	hub      *Hub

	authHandler  *handler.AuthHandler
	boardHandler *handler.BoardHandler
	feed         *handler.Feed

	closers []func() error
}

// NewApp initializes the application dependencies.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		monitor:  connectivity.NewMonitor(true),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	var awsCfg aws.Config
	if !cfg.DevMode {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to load SDK config: %w", err)
		}
	}

	// ---------- Secret Resolver ----------
	var resolver secret.Resolver
	if cfg.DevMode {
		resolver = secret.NewEnvResolver()
		glog.Infof("using EnvResolver (DEV_MODE)")
	} else {
		resolver = secret.NewSSMResolver(ssm.NewFromConfig(awsCfg))
		glog.Infof("using SSMResolver (SSM Parameter Store)")
	}
	names := []string{cfg.Auth.JWTSecretParam}
	if cfg.Remote.Backend == "postgres" {
		names = append(names, cfg.Remote.DatabaseURLParam)
	}
	if cfg.Realtime.Backend == "redis" {
		names = append(names, cfg.Realtime.RedisPasswordParam)
	}
	secrets := secret.Resolve(ctx, resolver, names...)
	jwtSecret := secrets.Get(cfg.Auth.JWTSecretParam, "default-dev-secret")

	if err := a.openRemote(ctx, awsCfg, secrets); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.openRealtime(ctx, secrets); err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.openLocal(awsCfg)

	a.hub = NewHub(a.newSession)
	a.authHandler = handler.NewAuthHandler(jwtSecret, cfg.DevMode)
	a.boardHandler = handler.NewBoardHandler(a.hub, jwtSecret)
	a.feed = handler.NewFeed(a.hub, jwtSecret, cfg.CORSOrigin)
	return a, nil
}

func (a *App) openRemote(ctx context.Context, awsCfg aws.Config, secrets secret.Bundle) error {
	switch a.cfg.Remote.Backend {
	case "memory":
		a.backend = rmem.NewServer()
		glog.Infof("remote store: in-memory (DEV_MODE)")
	case "dynamo":
		a.backend = dynamo.New(dynamodb.NewFromConfig(awsCfg), a.cfg.Remote.ShapesTable, a.cfg.Remote.PollInterval)
		glog.Infof("remote store: DynamoDB table %s", a.cfg.Remote.ShapesTable)
	case "postgres":
		url := secrets.Get(a.cfg.Remote.DatabaseURLParam, "")
		if url == "" {
			return errors.New("postgres backend selected but no database url is configured")
		}
		pg, err := postgres.Open(ctx, url)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		a.backend = pg
		glog.Infof("remote store: PostgreSQL")
	default:
		return fmt.Errorf("unknown remote backend %q", a.cfg.Remote.Backend)
	}
	return nil
}

func (a *App) openRealtime(ctx context.Context, secrets secret.Bundle) error {
	switch a.cfg.Realtime.Backend {
	case "memory":
		a.rtMemory = rtmem.NewServer()
		glog.Infof("ephemeral service: in-memory (DEV_MODE)")
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Realtime.RedisAddr,
			Password: secrets.Get(a.cfg.Realtime.RedisPasswordParam, ""),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return fmt.Errorf("could not connect to redis at %s: %w", a.cfg.Realtime.RedisAddr, err)
		}
		a.redis = rdb
		a.closers = append(a.closers, rdb.Close)
		glog.Infof("ephemeral service: redis at %s", a.cfg.Realtime.RedisAddr)
	default:
		return fmt.Errorf("unknown realtime backend %q", a.cfg.Realtime.Backend)
	}
	return nil
}

// openLocal opens the durable tier. Failures leave the session tier as the
// only local storage.
func (a *App) openLocal(awsCfg aws.Config) {
	durable, closer, err := OpenLocal(a.cfg, awsCfg)
	if err != nil {
		glog.Warningf("durable storage unavailable: %v", err)
		return
	}
	a.closers = append(a.closers, closer.Close)
	a.durable = durable
}

// OpenLocal opens the bbolt file under cfg.DataDir, sealed with the mock
// encryptor in DEV_MODE or with KMS when a key id is configured.
func OpenLocal(cfg *config.Config, awsCfg aws.Config) (kv.Store, io.Closer, error) {
	bolt, err := kv.OpenBolt(filepath.Join(cfg.DataDir, LocalFile))
	if err != nil {
		return nil, nil, err
	}

	switch {
	case cfg.DevMode:
		glog.Infof("using MockEncryptor (DEV_MODE)")
		return kv.NewEncryptedStore(bolt, crypto.NewMockEncryptor()), bolt, nil
	case cfg.Storage.KMSKeyID != "":
		glog.Infof("local storage sealed with KMS key %s", cfg.Storage.KMSKeyID)
		enc := crypto.NewKMSService(kms.NewFromConfig(awsCfg), cfg.Storage.KMSKeyID)
		return kv.NewEncryptedStore(bolt, enc), bolt, nil
	}
	return bolt, bolt, nil
}

// UserPrefix scopes local storage keys to one user.
func UserPrefix(uid string) string {
	return "u:" + uid + ":"
}

func (a *App) connect(ctx context.Context) (realtime.Store, io.Closer, error) {
	if a.rtMemory != nil {
		c := a.rtMemory.Connect()
		return c, c, nil
	}
	c, err := rtredis.Connect(ctx, a.redis, rtredis.Options{
		LeaseTTL:        a.cfg.Realtime.LeaseTTL,
		RefreshInterval: a.cfg.Realtime.RefreshInterval,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, c, nil
}

// newSession builds the session of id on boardID. Local storage is scoped per
// user so users sharing the bridge keep separate queues.
func (a *App) newSession(ctx context.Context, boardID string, id auth.Identity) (*board.Session, io.Closer, error) {
	rt, conn, err := a.connect(ctx)
	if err != nil {
		return nil, nil, err
	}

	var durable kv.Store
	if a.durable != nil {
		durable = kv.WithPrefix(a.durable, UserPrefix(id.UID))
	}
	tiers := kv.Select(ctx, durable, kv.NewSessionStore(a.cfg.Storage.SessionCapacity))

	adapter := remote.NewAdapter(a.backend, boardID, id.Actor(), remote.Options{
		BatchLimit:         a.cfg.Sync.BatchLimit,
		BreakerTimeout:     a.cfg.Remote.BreakerTimeout,
		BreakerMaxFailures: uint32(a.cfg.Remote.BreakerMaxFailure),
		Metrics:            a.metrics,
	})

	s, err := board.New(board.Options{
		Color:      id.Color,
		Remote:     adapter,
		QueueStore: tiers,
		Queue: queue.Options{
			MaxAttempts:    a.cfg.Queue.MaxAttempts,
			InitialBackoff: a.cfg.Queue.InitialBackoff,
			MaxBackoff:     a.cfg.Queue.MaxBackoff,
		},
		Buffer:         editbuffer.New(tiers, boardID),
		Presence:       presence.New(rt, a.metrics),
		Drag:           drag.New(rt, a.metrics),
		Monitor:        a.monitor,
		Metrics:        a.metrics,
		Tolerance:      a.cfg.Sync.Tolerance,
		EditThrottle:   a.cfg.EditBuffer.Throttle,
		CursorThrottle: a.cfg.EditBuffer.CursorThrottle,
		FlushInterval:  a.cfg.Queue.FlushInterval,
		OnDropped: func(op model.Operation, err error) {
			glog.Errorf("board %s: %s gave up on %s: %v", boardID, id.UID, op.Type, err)
		},
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return s, conn, nil
}

// Hub returns the running sessions.
func (a *App) Hub() *Hub { return a.hub }

// Monitor returns the connectivity monitor shared by every session.
func (a *App) Monitor() *connectivity.Monitor { return a.monitor }

// Run probes the remote store until ctx ends, driving the connectivity
// monitor.
func (a *App) Run(ctx context.Context) {
	if a.cfg.Remote.ProbeInterval <= 0 {
		<-ctx.Done()
		return
	}
	a.monitor.Run(ctx, a.backend.Ping, a.cfg.Remote.ProbeInterval)
}

// Close stops every session and releases the backends.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		errs = append(errs, a.hub.CloseAll(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Router serves the HTTP surface: the WebSocket feed, metrics and every
// other route through HandleRequest.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Handle("/boards/{board}/ws", a.feed)
	r.Handle("/api/boards/{board}/ws", a.feed)
	r.PathPrefix("/").HandlerFunc(a.serveEvent)
	return r
}

func (a *App) serveEvent(w http.ResponseWriter, r *http.Request) {
	req, err := handler.ToEvent(r)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	resp, err := a.HandleRequest(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	handler.WriteResponse(w, resp)
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (a *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := strings.TrimPrefix(req.Path, "/api")
	method := req.HTTPMethod
	glog.V(2).Infof("request: %s %s", method, path)

	if method == http.MethodOptions {
		return a.corsResponse(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}
	if req.PathParameters == nil {
		req.PathParameters = make(map[string]string)
	}

	// /auth
	switch {
	case path == "/auth/demo-login" && method == http.MethodGet && a.cfg.DevMode:
		return a.corsResponse(must(a.authHandler.DemoLogin(ctx, req))), nil
	case path == "/auth/user" && method == http.MethodGet:
		return a.corsResponse(must(a.authHandler.GetUser(ctx, req))), nil
	case path == "/auth/logout" && method == http.MethodPost:
		return a.corsResponse(must(a.authHandler.Logout(ctx, req))), nil
	}

	// /boards/{board}/...
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "boards" {
		req.PathParameters["board"] = parts[1]
		if fn := a.boardRoute(method, parts[2:], req.PathParameters); fn != nil {
			return a.corsResponse(must(fn(ctx, req))), nil
		}
	}

	return a.corsResponse(events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}), nil
}

type route func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

// boardRoute resolves the part of a board path after the board id.
func (a *App) boardRoute(method string, rest []string, params map[string]string) route {
	h := a.boardHandler
	switch {
	case len(rest) == 1:
		switch rest[0] + " " + method {
		case "state GET":
			return h.GetState
		case "shapes GET":
			return h.ListShapes
		case "shapes POST":
			return h.CreateShape
		case "zindex POST":
			return h.Reorder
		case "cursor POST":
			return h.Cursor
		case "selection POST", "selection DELETE":
			return h.Select
		case "tool PUT":
			return h.SetTool
		case "view PUT":
			return h.SetView
		case "queue GET":
			return h.QueueStats
		case "session DELETE":
			return h.Leave
		}
	case len(rest) == 2 && rest[0] == "shapes" && rest[1] == "batch" && method == http.MethodPost:
		return h.CreateShapes
	case len(rest) == 2 && rest[0] == "queue" && rest[1] == "flush" && method == http.MethodPost:
		return h.FlushQueue
	case len(rest) == 2 && rest[0] == "shapes":
		params["id"] = rest[1]
		switch method {
		case http.MethodPatch:
			return h.PatchShape
		case http.MethodDelete:
			return h.DeleteShape
		}
	case len(rest) == 3 && rest[0] == "shapes":
		params["id"] = rest[1]
		switch rest[2] + " " + method {
		case "text PUT":
			return h.SetText
		case "drag POST":
			return h.Drag
		case "transform POST":
			return h.Transform
		}
	}
	return nil
}

// corsResponse adds CORS headers to an API Gateway response.
func (a *App) corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = a.cfg.CORSOrigin
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,PUT,DELETE,OPTIONS,PATCH"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization"
	return resp
}

// must unwraps a handler response, turning the error into a 500.
func must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		glog.Errorf("handler error: %v", err)
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
