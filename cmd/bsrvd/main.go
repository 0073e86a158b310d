// Command bsrvd is the backup supervisor daemon: it loads a configuration
// file describing one or more borg-backed jobs, drives them on their
// configured schedules, and exposes a small HTTP control surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/alxg/bsrvd/internal/cache"
	"github.com/alxg/bsrvd/internal/config"
	"github.com/alxg/bsrvd/internal/hook"
	"github.com/alxg/bsrvd/internal/ipc"
	"github.com/alxg/bsrvd/internal/job"
	"github.com/alxg/bsrvd/internal/logger"
	"github.com/alxg/bsrvd/internal/scheduler"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.StringP("config", "c", "/etc/bsrvd/bsrvd.ini", "path to configuration file")
	pflag.Parse()

	// A bootstrap logger with every default: the real one can't exist yet,
	// since its own settings live in the file this is about to parse.
	bootstrapLog, err := logger.New(logger.Config{})
	if err != nil {
		os.Stderr.WriteString("bsrvd: logger: " + err.Error() + "\n")
		return config.ExitConfigError
	}

	cfg, err := config.Load(*configPath, bootstrapLog)
	if err != nil {
		os.Stderr.WriteString("bsrvd: " + err.Error() + "\n")
		return config.ExitConfigError
	}

	log, err := logger.New(logger.Config{
		Target: cfg.General.LogTarget,
		Format: cfg.General.LogFormat,
		Path:   cfg.General.LogPath,
		Level:  cfg.General.LogLevel,
	})
	if err != nil {
		os.Stderr.WriteString("bsrvd: logger: " + err.Error() + "\n")
		return config.ExitConfigError
	}

	if err := config.CheckDirs(cfg.General, true, true, true); err != nil {
		log.Errorf("%s", err)
		return config.ExitDirError
	}

	c, err := cache.Open(cfg.General.CachePath)
	if err != nil {
		log.Errorf("opening cache: %s", err)
		return config.ExitDirError
	}
	defer c.Close()

	var demote *hook.Demotion
	if cfg.General.DemoteUser != "" {
		demote = hook.NewDemotion(cfg.General.DemoteUser, log)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	sched := scheduler.New(c, log, nil, nil)
	srv := ipc.NewServer(sched, log, func() { sig <- syscall.SIGTERM })
	sched.SetCallbacks(srv.OnStatusUpdate, srv.OnPauseChanged)

	for _, jobCfg := range cfg.Jobs {
		jobLog := log.WithField("job", jobCfg.Name)
		hooks := config.BuildHookRunners(jobCfg.Name, cfg.Hooks[jobCfg.Name], jobLog, demote)
		j := job.New(jobCfg, hooks)
		sched.Register(context.Background(), j)
		jobLog.Infof("registered against %s", jobCfg.Repo)
	}

	sched.Start()

	httpSrv := &http.Server{Addr: cfg.General.ListenAddr, Handler: srv.Handler()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("ipc server: %s", err)
		}
	}()

	<-sig

	log.Infof("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	sched.Stop()
	return 0
}
