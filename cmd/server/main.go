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

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/Tyrowin/sharechat/internal/server"
)

const shutdownTimeout = 10 * time.Second

var (
	app        = kingpin.New("sharechat", "Chat server with file sharing.")
	configFile = app.Flag("config", "YAML configuration file.").Short('c').ExistingFile()
	host       = app.Flag("host", "Server host address.").String()
	port       = app.Flag("port", "Server port.").Short('p').Int()
	httpAddr   = app.Flag("http", "Address of the health, metrics and WebSocket side server (\"off\" disables it).").String()
	storageDir = app.Flag("storage-dir", "Directory where shared files are stored.").Short('d').String()
	logLevel   = app.Flag("log-level", "Log level (debug, info, warn, error).").String()
	logFormat  = app.Flag("log-format", "Log format (text or json).").Enum("text", "json")
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := loadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	log := newLogger(cfg)

	srv, err := server.New(*cfg, server.WithLogger(log))
	if err != nil {
		log.WithError(err).Fatal("Error creating server")
	}
	active := srv.Config()
	log.WithFields(logrus.Fields{
		"host":    active.Host,
		"port":    active.Port,
		"http":    active.HTTPAddr,
		"storage": srv.Store().Dir(),
	}).Info("Starting chat server with file sharing")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})

	var httpServer *http.Server
	if active.HTTPAddr != "" {
		httpServer = server.CreateServer(active.HTTPAddr, server.SetupRoutes(srv))
		g.Go(func() error {
			return server.StartServer(httpServer, log)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down...")
		if httpServer != nil {
			_ = server.ShutdownServer(httpServer, shutdownTimeout, log)
		}
		return srv.Shutdown(shutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("Server error")
	}
}

// loadConfig layers defaults, the optional YAML file, the environment and
// finally command-line flags.
func loadConfig() (*server.Config, error) {
	cfg := server.NewConfig()
	if *configFile != "" {
		fromFile, err := server.LoadConfigFile(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = fromFile
	}
	server.ApplyEnv(cfg)

	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if strings.EqualFold(cfg.HTTPAddr, "off") {
		cfg.HTTPAddr = ""
	}
	if *storageDir != "" {
		cfg.StorageDir = *storageDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	return cfg, nil
}

func newLogger(cfg *server.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("Unknown log level; using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
