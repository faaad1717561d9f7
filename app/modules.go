package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/zachfi/fmdx/modules/console"
	"github.com/zachfi/fmdx/modules/controller"
	"github.com/zachfi/fmdx/pkg/fmdx"
)

const (
	Server string = "server"

	Controller string = "controller"
	Console    string = "console"

	All string = "all"
)

func (a *App) setupModuleManager() error {
	mm := modules.NewManager(kitlog.NewLogfmtLogger(os.Stderr))
	mm.RegisterModule(Server, a.initServer, modules.UserInvisibleModule)

	mm.RegisterModule(Controller, a.initController)
	mm.RegisterModule(Console, a.initConsole)

	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		// Server:       nil,
		Controller: {Server},
		Console:    {Controller},

		All: {Console},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	a.ModuleManager = mm

	return nil
}

func (a *App) initController() (services.Service, error) {
	c, err := controller.New(a.cfg.Controller, a.logger)
	if err != nil {
		return nil, errors.Wrap(err, "unable to init controller")
	}
	a.controller = c

	// The admin server doubles as the tune entry point.
	a.Server.HTTP.HandleFunc("/api/tune", a.handleTune).Methods(http.MethodPost)

	return c, nil
}

func (a *App) initConsole() (services.Service, error) {
	k, err := console.New(a.cfg.Console, a.logger, a.controller.Updates())
	if err != nil {
		return nil, errors.Wrap(err, "unable to init console")
	}

	return k, nil
}

// handleTune accepts POST /api/tune?freq=<MHz> and forwards it to the
// controller's command bus.
func (a *App) handleTune(w http.ResponseWriter, r *http.Request) {
	freq := r.URL.Query().Get("freq")
	if freq == "" {
		http.Error(w, "missing freq parameter", http.StatusBadRequest)
		return
	}

	khz, err := fmdx.ParseMHz(freq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.controller.Tune(khz); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, "tuning to %s MHz\n", fmdx.FormatKHz(khz))
}

func (a *App) initServer() (services.Service, error) {
	a.cfg.Server.MetricsNamespace = metricsNamespace
	a.cfg.Server.ExcludeRequestInLog = true
	a.cfg.Server.RegisterInstrumentation = true
	a.cfg.Server.Log = kitlog.NewLogfmtLogger(os.Stderr)

	server, err := server.New(a.cfg.Server)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server")
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range a.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}

		return svs
	}

	a.Server = server

	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- server.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return err
			}

			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		// shutdown HTTP and gRPC servers (this also unblocks Run)
		server.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		slog.Info("server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn), nil
}
