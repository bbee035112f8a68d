package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/genwatch/genwatch/app/backend"
	"github.com/genwatch/genwatch/app/channel"
	"github.com/genwatch/genwatch/app/config"
	"github.com/genwatch/genwatch/app/notify"
	"github.com/genwatch/genwatch/app/scanner"
	"github.com/genwatch/genwatch/app/service"
	"github.com/genwatch/genwatch/app/store"
	"github.com/genwatch/genwatch/app/web"
	"github.com/genwatch/genwatch/app/web/persistence"
)

var opts struct {
	Config        string   `short:"f" long:"config" env:"GENWATCH_CONFIG" description:"yaml config file, overrides location/tuning flags"`
	Locations     []string `short:"l" long:"location" env:"GENWATCH_LOCATIONS" env-delim:"," description:"output directories to scan"`
	StoreDir      string   `short:"s" long:"store" env:"GENWATCH_STORE" default:"var/genwatch" description:"job registry directory"`
	RetentionDays int      `long:"retention" env:"GENWATCH_RETENTION" default:"7" description:"days of job history to keep"`
	Dbg           bool     `long:"dbg" env:"GENWATCH_DEBUG" description:"debug mode"`

	Scanner struct {
		ActiveInterval     time.Duration `long:"active-interval" env:"ACTIVE_INTERVAL" default:"2s" description:"scan interval while jobs are pending"`
		IdleInterval       time.Duration `long:"idle-interval" env:"IDLE_INTERVAL" default:"15s" description:"scan interval while queue is empty"`
		StabilityDelay     time.Duration `long:"stability-delay" env:"STABILITY_DELAY" default:"1s" description:"delay between file size checks"`
		TimeoutPerArtifact time.Duration `long:"timeout" env:"TIMEOUT" default:"5m" description:"per-artifact share of the job timeout"`
		Concurrency        int           `long:"concurrency" env:"CONCURRENCY" default:"4" description:"parallel location scans"`
	} `group:"scanner" namespace:"scanner" env-namespace:"GENWATCH_SCANNER"`

	Channel struct {
		URL             string        `long:"url" env:"URL" default:"ws://127.0.0.1:8188/ws" description:"backend websocket endpoint"`
		ConnectTimeout  time.Duration `long:"connect-timeout" env:"CONNECT_TIMEOUT" default:"10s" description:"dial timeout"`
		ReconnectDelay  time.Duration `long:"reconnect-delay" env:"RECONNECT_DELAY" default:"5s" description:"delay before reconnect attempts"`
		PreviewThrottle time.Duration `long:"preview-throttle" env:"PREVIEW_THROTTLE" default:"2s" description:"min gap between preview forwards"`
	} `group:"channel" namespace:"channel" env-namespace:"GENWATCH_CHANNEL"`

	Backend struct {
		URL      string        `long:"url" env:"URL" default:"http://127.0.0.1:8188" description:"backend base url"`
		Timeout  time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"request timeout"`
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"how many times to repeat failed calls"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"500ms" description:"initial retry delay"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"2" description:"backoff factor"`
	} `group:"backend" namespace:"backend" env-namespace:"GENWATCH_BACKEND"`

	Web struct {
		Enabled  bool   `long:"enabled" env:"ENABLED" description:"enable json status api"`
		Address  string `long:"address" env:"ADDRESS" default:":8080" description:"listen address"`
		AuthHash string `long:"auth-hash" env:"AUTH_HASH" description:"bcrypt hash for basic auth (empty to disable)"`
		DBPath   string `long:"db" env:"DB" default:"var/genwatch/genwatch.db" description:"event history database path"`
	} `group:"web" namespace:"web" env-namespace:"GENWATCH_WEB"`

	Notify struct {
		Destinations      []string      `long:"destination" env:"DESTINATIONS" env-delim:"," description:"notification urls (mailto/slack/telegram/webhook)"`
		EnabledCompletion bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable completion notifications"`
		EnabledError      bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable cancellation/timeout notifications"`
		Timeout           time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"notification delivery timeout"`
		HostName          string        `long:"host" env:"HOSTNAME" description:"host name running genwatch"`
	} `group:"notify" namespace:"notify" env-namespace:"GENWATCH_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable file logging"`
		Filename        string `long:"file" env:"FILE" default:"genwatch.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"gzip rotated files"`
	} `group:"log" namespace:"log" env-namespace:"GENWATCH_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("genwatch %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Fatalf("[ERROR] genwatch failed, %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := makeConfig()
	if err != nil {
		return fmt.Errorf("can't make config: %w", err)
	}

	if err := ensureLocations(cfg.Locations); err != nil {
		return fmt.Errorf("can't prepare output locations: %w", err)
	}

	jobStore, err := store.New(cfg.StoreDir, cfg.RetentionDays)
	if err != nil {
		return fmt.Errorf("can't make job store: %w", err)
	}

	history, err := persistence.NewSQLiteStore(opts.Web.DBPath)
	if err != nil {
		return fmt.Errorf("can't make history store: %w", err)
	}
	defer func() {
		if err := history.Close(); err != nil {
			log.Printf("[WARN] failed to close history store: %v", err)
		}
	}()

	ch := channel.New(channel.Config{
		URL:             cfg.Channel.URL,
		Notifier:        progressLogger{},
		ConnectTimeout:  cfg.Channel.ConnectTimeout,
		ReconnectDelay:  cfg.Channel.ReconnectDelay,
		PreviewThrottle: cfg.Channel.PreviewThrottle,
	})

	rptr := repeater.New(&strategy.Backoff{
		Repeats: opts.Backend.Attempts, Duration: opts.Backend.Duration, Factor: opts.Backend.Factor})
	queue := backend.New(cfg.Backend.URL, cfg.Backend.Timeout, rptr)

	coordinator := &service.Coordinator{
		Store:            jobStore,
		Channel:          ch,
		Queue:            queue,
		History:          history,
		HistoryRetention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}
	if notifier := makeNotifier(cfg); notifier != nil {
		coordinator.Notifier = notifier
	}

	coordinator.Scanner = &scanner.Scanner{
		Store:              jobStore,
		Locations:          cfg.Locations,
		OnComplete:         coordinator.OnComplete,
		OnError:            coordinator.OnTimeout,
		ActiveInterval:     cfg.Scanner.ActiveInterval,
		IdleInterval:       cfg.Scanner.IdleInterval,
		StabilityDelay:     cfg.Scanner.StabilityDelay,
		TimeoutPerArtifact: cfg.Scanner.TimeoutPerArtifact,
		Concurrency:        cfg.Scanner.Concurrency,
	}

	if opts.Web.Enabled {
		srv, err := web.New(web.Config{
			Store:        jobStore,
			History:      history,
			Canceller:    coordinator,
			Channel:      ch,
			Queue:        queue,
			Hostname:     makeHostName(),
			Version:      revision,
			PasswordHash: opts.Web.AuthHash,
		})
		if err != nil {
			return fmt.Errorf("can't make web server: %w", err)
		}
		go func() {
			if err := srv.Run(ctx, opts.Web.Address); err != nil {
				log.Printf("[ERROR] web server terminated, %v", err)
			}
		}()
	}

	coordinator.Do(ctx)
	return nil
}

// makeConfig builds the effective config, either from the yaml file (verified)
// or assembled from flags
func makeConfig() (*config.YamlConfig, error) {
	if opts.Config != "" {
		cfg, err := config.Load(opts.Config)
		if err != nil {
			return nil, err
		}
		if err := cfg.Verify(); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", opts.Config, err)
		}
		return cfg, nil
	}

	cfg := &config.YamlConfig{
		Locations:     opts.Locations,
		StoreDir:      opts.StoreDir,
		RetentionDays: opts.RetentionDays,
		Scanner: config.ScannerConfig{
			ActiveInterval:     opts.Scanner.ActiveInterval,
			IdleInterval:       opts.Scanner.IdleInterval,
			StabilityDelay:     opts.Scanner.StabilityDelay,
			TimeoutPerArtifact: opts.Scanner.TimeoutPerArtifact,
			Concurrency:        opts.Scanner.Concurrency,
		},
		Channel: config.ChannelConfig{
			URL:             opts.Channel.URL,
			ConnectTimeout:  opts.Channel.ConnectTimeout,
			ReconnectDelay:  opts.Channel.ReconnectDelay,
			PreviewThrottle: opts.Channel.PreviewThrottle,
		},
		Backend: config.BackendConfig{URL: opts.Backend.URL, Timeout: opts.Backend.Timeout},
		Notify: config.NotifyConfig{
			Destinations: opts.Notify.Destinations,
			OnCompletion: opts.Notify.EnabledCompletion,
			OnError:      opts.Notify.EnabledError,
		},
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// makeNotifier builds the notification service from the effective config, so
// a yaml notify section wins over flags the same way locations and tuning do.
// Delivery timeout and host name stay flag-only, they describe the runtime
// environment rather than the watched system.
func makeNotifier(cfg *config.YamlConfig) *notify.Service {
	if !cfg.Notify.OnCompletion && !cfg.Notify.OnError {
		return nil
	}
	return notify.NewService(notify.Params{
		Destinations:      cfg.Notify.Destinations,
		EnabledCompletion: cfg.Notify.OnCompletion,
		EnabledError:      cfg.Notify.OnError,
		Timeout:           opts.Notify.Timeout,
		HostName:          makeHostName(),
	})
}

// ensureLocations creates missing output directories and rejects paths
// pointing to anything but a directory
func ensureLocations(locations []string) error {
	for _, location := range locations {
		fi, err := os.Stat(location)
		if os.IsNotExist(err) {
			if err := os.MkdirAll(location, 0o750); err != nil {
				return fmt.Errorf("can't create %s: %w", location, err)
			}
			log.Printf("[INFO] created output location %s", location)
			continue
		}
		if err != nil {
			return fmt.Errorf("can't access %s: %w", location, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", location)
		}
	}
	return nil
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// progressLogger is the default progress sink, live updates go to the log
type progressLogger struct{}

func (progressLogger) OnProgress(cid, target string, step, maxSteps int) {
	log.Printf("[DEBUG] progress %s (%s): %d/%d", cid, target, step, maxSteps)
}

func (progressLogger) OnPreview(cid, target string, _ []byte) {
	log.Printf("[DEBUG] preview for %s (%s)", cid, target)
}

// setupLogs configures the logger and returns the active output writer
func setupLogs() io.Writer {
	logOpts := []log.Option{log.Msec}
	if opts.Dbg {
		logOpts = []log.Option{log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}

	if !opts.Log.Enabled {
		log.Setup(logOpts...)
		return os.Stdout
	}

	fileLogger := &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}
	logOpts = append(logOpts, log.Out(fileLogger), log.Err(fileLogger))
	log.Setup(logOpts...)
	return fileLogger
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM/SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
