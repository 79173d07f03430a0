package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"tonearm/src/handler/api"
	"tonearm/src/pipeline"
	"tonearm/src/playback"
	"tonearm/src/provider"
	"tonearm/src/queue"
	"tonearm/src/sink"
	"tonearm/src/store"
	"tonearm/src/util"
)

const confFile = "config.yaml"

var (
	build       = "%BUILD%"
	version     = "%VERSION%"
	versionDate = "%VERSION_DATE%"
)

type config struct {
	Address string `yaml:"bind"`

	StorageDir  string `yaml:"storage_dir"`
	DownloadDir string `yaml:"download_dir"`

	MPD struct {
		Network  string  `yaml:"network"`
		Address  string  `yaml:"address"`
		Password *string `yaml:"password"`
	} `yaml:"mpd"`

	Download struct {
		MaxConcurrent    int  `yaml:"max_concurrent"`
		TimeoutSeconds   int  `yaml:"timeout"`
		CleanupArtifacts bool `yaml:"cleanup_artifacts"`
	} `yaml:"download"`

	Lyrics struct {
		Enabled bool   `yaml:"enabled"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"lyrics"`

	Loudness bool `yaml:"loudness"`

	NotifyWebhook string `yaml:"notify_webhook"`

	YTDLPArgs []string `yaml:"ytdlp_args"`
}

func (conf *config) Validate() (errs []error) {
	if conf.Address == "" {
		errs = append(errs, fmt.Errorf("config: `bind` is required"))
	}
	if conf.StorageDir == "" {
		errs = append(errs, fmt.Errorf("config: `storage_dir` is required"))
	}
	if conf.MPD.Address == "" {
		errs = append(errs, fmt.Errorf("config: `mpd.address` is required"))
	}
	if conf.Download.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("config: `download.max_concurrent` may not be negative"))
	}
	return
}

func LoadConfig(filename string) (*config, error) {
	fd, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	d := yaml.NewDecoder(fd)
	d.KnownFields(true)
	var conf config
	if err := d.Decode(&conf); err != nil {
		return nil, err
	}

	return &conf, nil
}

func main() {
	defaultLogLevel := "warn"
	if build == "debug" {
		defaultLogLevel = "debug"
	}

	configFile := flag.String("conf", confFile, "Path to the configuration file")
	printVersion := flag.Bool("version", false, "Print version information and exit")
	logLevel := flag.String("log", defaultLogLevel, "Sets the log level. [debug, info, warn, error]")
	flag.Parse()

	if ll, err := log.ParseLevel(*logLevel); err != nil {
		log.Fatalf("Could not parse log level: %v", err)
	} else {
		log.SetLevel(ll)
	}

	if *printVersion {
		fmt.Printf("Version: %v (%v)\n", version, versionDate)
		fmt.Printf("Build: %v\n", build)
		return
	}

	log.Infof("Version: %v (%v)", version, build)
	config, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Could not load config: %v", err)
	}
	if errs := config.Validate(); len(errs) > 0 {
		log.Fatalf("Could not load config: %v", errs)
	}

	storeDir := strings.Replace(config.StorageDir, "~", os.Getenv("HOME"), 1)
	if err := os.MkdirAll(storeDir, 0755); err != nil {
		log.Fatalf("Unable to create storage dir: %v", err)
	}
	downloadDir := config.DownloadDir
	if downloadDir == "" {
		downloadDir = path.Join(storeDir, "downloads")
	}
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		log.Fatalf("Unable to create download dir: %v", err)
	}
	log.Infof("Using %q for storage", storeDir)

	st, err := store.Open(path.Join(storeDir, "tonearm.db"))
	if err != nil {
		log.Fatalf("Unable to open database: %v", err)
	}
	defer st.Close()

	q := queue.New(st)
	if err := q.Load(); err != nil {
		log.Fatalf("Unable to load queue: %v", err)
	}
	log.Infof("Restored %d queued items", q.Len())

	yt, err := provider.NewYTDLP()
	if err != nil {
		log.Fatal(err)
	}
	yt.ExtraArgs = config.YTDLPArgs

	var lyrics provider.LyricsProvider
	if config.Lyrics.Enabled {
		l := provider.NewLRCLib()
		if config.Lyrics.BaseURL != "" {
			l.BaseURL = config.Lyrics.BaseURL
		}
		lyrics = l
	}
	var loudness provider.LoudnessAnalyzer
	if config.Loudness {
		loudness = provider.FFmpegLoudness{}
	}
	var notify provider.NotificationSink
	if config.NotifyWebhook != "" {
		notify = provider.NewWebhook(config.NotifyWebhook)
	}

	fetchTimeout := time.Duration(config.Download.TimeoutSeconds) * time.Second
	pipe := pipeline.New(yt, yt, yt, lyrics, loudness, st, downloadDir, fetchTimeout)
	inflight := pipeline.NewInFlight()
	prefetcher := pipeline.NewPrefetcher(q, pipe, inflight, int64(config.Download.MaxConcurrent))

	snk, err := sink.ConnectMPD(config.MPD.Network, config.MPD.Address, config.MPD.Password)
	if err != nil {
		log.Fatal(err)
	}

	settings, err := util.NewPersistentStorage(path.Join(storeDir, "settings.json"), &playback.Settings{Repeat: playback.RepeatOff})
	if err != nil {
		log.Fatalf("Unable to load settings: %v", err)
	}

	orc := playback.New(q, queue.NewSelector(), pipe, prefetcher, inflight, snk, notify, st, settings, playback.Config{
		CleanupArtifacts: config.Download.CleanupArtifacts,
	})
	orc.Restore()
	orc.Start(context.Background())

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		api.InitRouter(r, orc, q, st)
	})

	log.Infof("Now accepting HTTP connections on %v", config.Address)
	server := &http.Server{
		Addr:           config.Address,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	log.Fatalf("Error running webserver: %v", server.ListenAndServe())
}
