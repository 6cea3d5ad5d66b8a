package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bilbercode/hsec-client/internal/camera"
	"github.com/bilbercode/hsec-client/internal/config"
	"github.com/bilbercode/hsec-client/internal/devices"
	"github.com/bilbercode/hsec-client/internal/hub"
	"github.com/bilbercode/hsec-client/internal/profile"
	"github.com/bilbercode/hsec-client/internal/transport"
	cli "github.com/jawher/mow.cli"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	appName = "hsec-client"
	appDesc = "security hub client"
)

var errNotLoggedIn = errors.New("not logged in, run `login` first")

type application struct {
	cfg     *config.Config
	store   profile.Store
	catalog *devices.Catalog
}

func main() {
	app := cli.App(appName, appDesc)

	configLocation := app.String(cli.StringOpt{
		Name:   "config",
		Desc:   "YAML configuration file",
		EnvVar: "HSEC_CONFIG",
		Value:  "",
	})

	code := app.String(cli.StringOpt{
		Name:   "code",
		Desc:   "hub connection code, overrides the stored one",
		EnvVar: "HSEC_CODE",
		Value:  "",
	})

	profileLocation := app.String(cli.StringOpt{
		Name:   "profile",
		Desc:   "profile file location",
		EnvVar: "HSEC_PROFILE",
		Value:  "",
	})

	connectTimeout := app.String(cli.StringOpt{
		Name:   "timeout.connect",
		Desc:   "connection timeout",
		EnvVar: "HSEC_TIMEOUT_CONNECT",
		Value:  "",
	})

	requestTimeout := app.String(cli.StringOpt{
		Name:   "timeout.request",
		Desc:   "per-request timeout",
		EnvVar: "HSEC_TIMEOUT_REQUEST",
		Value:  "",
	})

	logLevel := app.String(cli.StringOpt{
		Name:   "log.level",
		Desc:   "log level",
		EnvVar: "LOG_LEVEL",
		Value:  "",
	})

	metricsAddr := app.String(cli.StringOpt{
		Name:   "metrics.addr",
		Desc:   "address to serve prometheus metrics on",
		EnvVar: "METRICS_ADDR",
		Value:  "",
	})

	a := &application{}

	app.Before = func() {
		cfg, err := config.Load(*configLocation)
		if err != nil {
			log.WithError(err).Fatal("failed to load configuration")
		}
		err = applyOverrides(cfg, *code, *profileLocation, *connectTimeout, *requestTimeout, *logLevel, *metricsAddr)
		if err != nil {
			log.WithError(err).Fatal("invalid option")
		}
		if err := cfg.ApplyLogging(); err != nil {
			log.WithError(err).Fatal("failed to configure logging")
		}

		store, err := profile.NewFileStore(cfg.Profile.Path)
		if err != nil {
			log.WithError(err).Fatal("failed to open profile")
		}
		catalog, err := devices.NewCatalog(cfg.Storage.CatalogDir)
		if err != nil {
			log.WithError(err).Fatal("failed to open camera catalog")
		}

		a.cfg, a.store, a.catalog = cfg, store, catalog
	}

	registerCommands(app, a)

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("failed to execute application")
	}
}

func applyOverrides(cfg *config.Config, code, profilePath, connectTimeout, requestTimeout, level, metricsAddr string) error {
	if code != "" {
		cfg.Hub.Code = code
	}
	if profilePath != "" {
		cfg.Profile.Path = profilePath
	}
	if connectTimeout != "" {
		d, err := time.ParseDuration(connectTimeout)
		if err != nil {
			return fmt.Errorf("timeout.connect: %w", err)
		}
		cfg.Hub.ConnectTimeout = d
	}
	if requestTimeout != "" {
		d, err := time.ParseDuration(requestTimeout)
		if err != nil {
			return fmt.Errorf("timeout.request: %w", err)
		}
		cfg.Hub.RequestTimeout = d
	}
	if level != "" {
		cfg.Log.Level = level
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	return cfg.Validate()
}

func (a *application) newClient() *hub.Client {
	session := transport.NewSession(transport.WithPingInterval(a.cfg.Hub.PingInterval))
	return hub.New(
		hub.WithPort(a.cfg.Hub.Port),
		hub.WithRequestTimeout(a.cfg.Hub.RequestTimeout),
		hub.WithFailPendingOnDisconnect(a.cfg.Hub.FailPendingOnDisconnect),
		hub.WithProfileStore(a.store),
		hub.WithSession(session),
	)
}

// connect opens a hub session, with the configured code when one is set and
// the stored profile otherwise. With authenticate, the stored session token
// must be accepted by the hub.
func (a *application) connect(ctx context.Context, authenticate bool) (*hub.Client, error) {
	client := a.newClient()
	timeout := a.cfg.Hub.ConnectTimeout

	if a.cfg.Hub.Code == "" {
		authed, err := client.Reconnect(ctx, timeout)
		if errors.Is(err, hub.ErrNoProfile) {
			return nil, errors.New("no hub code known, pass --code or run `connect`")
		}
		if err != nil {
			return nil, err
		}
		if authenticate && !authed {
			_ = client.Close()
			return nil, errNotLoggedIn
		}
		return client, nil
	}

	if err := client.ConnectToServer(ctx, a.cfg.Hub.Code, timeout); err != nil {
		return nil, err
	}
	if !authenticate {
		return client, nil
	}

	user, err := client.LocalUser()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if user == nil || !user.LoggedIn {
		_ = client.Close()
		return nil, errNotLoggedIn
	}
	res := client.LoginWithSession(ctx, user.Email, user.SessionToken)
	if !res.Success {
		_ = client.Close()
		if res.Failure == hub.FailureServer {
			_ = client.Logout()
			return nil, errNotLoggedIn
		}
		return nil, fmt.Errorf("failed to restore session: %s", res.Info)
	}
	return client, nil
}

func (a *application) recorder(dir string) camera.Service {
	if dir == "" {
		dir = a.cfg.Storage.MediaDir
	}
	return camera.NewRecorder(dir)
}

// run executes f under a signal-aware context, next to the metrics endpoint
// when one is configured.
func (a *application) run(f func(ctx context.Context) error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	if a.cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: promhttp.Handler()}
		group.Go(func() error {
			log.WithField("addr", srv.Addr).Info("serving metrics")
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		group.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	group.Go(func() error {
		defer cancel()
		return f(ctx)
	})

	if err := group.Wait(); err != nil {
		log.WithError(err).Error("command failed")
		cli.Exit(1)
	}
}

// withHub runs f against a connected client and closes it afterwards.
func (a *application) withHub(authenticate bool, f func(ctx context.Context, client *hub.Client) error) func() {
	return func() {
		a.run(func(ctx context.Context) error {
			client, err := a.connect(ctx, authenticate)
			if err != nil {
				return err
			}
			defer client.Close()
			return f(ctx, client)
		})
	}
}

func resultErr(res hub.Result) error {
	if res.Success {
		return nil
	}
	return fmt.Errorf("%s: %s", res.Failure, res.Info)
}
