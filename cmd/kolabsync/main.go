package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nhle/kolab-storage/internal/credential"
	"github.com/nhle/kolab-storage/internal/driver"
	"github.com/nhle/kolab-storage/internal/driver/imapdriver"
	"github.com/nhle/kolab-storage/internal/driver/memory"
	"github.com/nhle/kolab-storage/internal/model"
	"github.com/nhle/kolab-storage/internal/storage"
	"github.com/nhle/kolab-storage/internal/store"
	"github.com/nhle/kolab-storage/internal/sync"
	"github.com/nhle/kolab-storage/internal/web"
)

type cliConfig struct {
	configPath    string
	once          bool
	list          bool
	storePassword bool
}

func main() {
	cli := parseFlags()
	if err := run(cli); err != nil {
		slog.Error("kolabsync failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() cliConfig {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the YAML configuration")
	once := flag.Bool("once", false, "synchronize every folder once and exit")
	list := flag.Bool("list", false, "print folders and object uids and exit")
	storePassword := flag.Bool("store-password", false, "read the IMAP password from stdin into the keyring and exit")
	flag.Parse()

	return cliConfig{
		configPath:    *configPath,
		once:          *once,
		list:          *list,
		storePassword: *storePassword,
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cli cliConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := model.LoadConfig(cli.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if cli.storePassword {
		return storePassword(cfg.IMAP.Username)
	}

	reg := prometheus.NewRegistry()
	d, closeDriver, err := newDriver(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeDriver(); err != nil {
			logger.Warn("closing IMAP connection", "error", err)
		}
	}()

	db, err := store.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	st := storage.New(d, storage.Options{
		FolderTypes:       cfg.FolderTypes(),
		IgnoreParseErrors: cfg.Storage.IgnoreParseErrors,
		Cache:             db,
		Log:               db,
		Logger:            logger,
	})

	if cli.list {
		return listFolders(ctx, st)
	}

	targets := make([]sync.Target, 0, len(cfg.Folders))
	for _, f := range cfg.Folders {
		h, err := st.History(f.Name)
		if err != nil {
			return fmt.Errorf("history for %s: %w", f.Name, err)
		}
		targets = append(targets, h)
	}
	if len(targets) == 0 {
		return errors.New("no folders configured")
	}

	poller := sync.New(targets, sync.Options{
		Interval:    time.Duration(cfg.Sync.PollIntervalSec) * time.Second,
		Concurrency: cfg.Sync.Concurrency,
		Recorder:    db,
		Logger:      logger,
	})

	if cli.once {
		return poller.RunOnce(ctx)
	}

	if cfg.Metrics.Addr != "" {
		srv := web.NewServer(cfg.Metrics.Addr, web.NewRouter(reg, poller, logger))
		go func() {
			logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return poller.Run(ctx)
}

// newDriver builds the backend chain: the raw driver, then the rate
// limit, then request timing on the outside. The returned func releases
// the backend connection.
func newDriver(
	cfg *model.AppConfig,
	logger *slog.Logger,
	reg prometheus.Registerer,
) (driver.Driver, func() error, error) {
	var d driver.Driver
	closeFn := func() error { return nil }
	switch cfg.Driver.Kind {
	case model.DriverMemory:
		names := make([]string, 0, len(cfg.Folders))
		for _, f := range cfg.Folders {
			names = append(names, f.Name)
		}
		d = memory.New(names...)
	default:
		creds, err := credential.Open()
		if err != nil {
			return nil, nil, err
		}
		password, err := creds.IMAPPassword(cfg.IMAP.Username, cfg.IMAP.Password)
		if err != nil {
			return nil, nil, err
		}
		imapDriver := imapdriver.New(imapdriver.Config{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: password,
			TLS:      cfg.IMAP.TLS,
		})
		d, closeFn = imapDriver, imapDriver.Close
	}

	if cfg.Driver.RequestsPerSecond > 0 {
		d = driver.NewLimited(d, cfg.Driver.RequestsPerSecond, 1)
	}
	if cfg.Driver.Timer {
		hist := driver.NewRequestHistogram()
		if err := reg.Register(hist); err != nil {
			return nil, nil, fmt.Errorf("register request histogram: %w", err)
		}
		d = driver.NewTimer(d, cfg.IMAP.ProtocolLabel, logger, driver.WithMetrics(hist))
	}
	return d, closeFn, nil
}

func listFolders(ctx context.Context, st *storage.Storage) error {
	folders, err := st.Folders(ctx)
	if err != nil {
		return err
	}
	for _, folder := range folders {
		uids, err := st.Data(folder).ObjectIDs(ctx)
		if err != nil {
			return fmt.Errorf("list %s: %w", folder, err)
		}
		fmt.Printf("%s (%s): %d objects\n", folder, st.FolderType(folder), len(uids))
		for _, uid := range uids {
			fmt.Printf("  %s\n", uid)
		}
	}
	return nil
}

func storePassword(username string) error {
	if username == "" {
		return errors.New("imap.username is not configured")
	}
	creds, err := credential.Open()
	if err != nil {
		return err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read password: %w", err)
	}
	return creds.Set(credential.IMAPKey(username), strings.TrimRight(line, "\r\n"))
}
