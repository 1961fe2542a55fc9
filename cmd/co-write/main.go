package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/FantRS/co-write/app"
	"github.com/FantRS/co-write/store"
)

const iniFilename = "co-write.ini"

// Config is the top-level configuration object of the co-write server.
var Config = new(app.Config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("co-write configuration")

	var tasks = task.NewGroup(context.Background())

	var db, err = store.Connect(tasks.Context(), Config.Postgres)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	if Config.Postgres.Migrate {
		if err = db.Migrate(tasks.Context()); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
	}

	svc, err := app.StartAppService(app.Args{
		Host:          Config.Server.Host,
		Port:          Config.Server.Port,
		Store:         db,
		MergeInterval: Config.Merge.Interval,
		Tasks:         tasks,
	})
	if err != nil {
		return fmt.Errorf("starting app service: %w", err)
	}

	log.WithFields(log.Fields{
		"addr":          svc.Addr(),
		"mergeInterval": Config.Merge.Interval,
	}).Info("starting co-write server")

	// Install signal handler & start service tasks.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	// Block until all tasks complete. Assert none returned an error.
	if err = tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the co-write API", `
Serve the co-write collaborative document API with the provided
configuration, until signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
