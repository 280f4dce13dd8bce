// Package daemon assembles the device: persistent store, radio, connection
// manager, captive portal and HTTP surface, and drives them from a single
// control loop.
package daemon

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/asnowfix/wifimgr/hlog"
	"github.com/asnowfix/wifimgr/internal/api"
	"github.com/asnowfix/wifimgr/internal/config"
	"github.com/asnowfix/wifimgr/internal/global"
	"github.com/asnowfix/wifimgr/internal/metrics"
	"github.com/asnowfix/wifimgr/internal/status"
	"github.com/asnowfix/wifimgr/pkg/clock"
	"github.com/asnowfix/wifimgr/pkg/coop"
	"github.com/asnowfix/wifimgr/pkg/eeprom"
	"github.com/asnowfix/wifimgr/pkg/kvs"
	"github.com/asnowfix/wifimgr/pkg/mdns"
	"github.com/asnowfix/wifimgr/pkg/ota"
	"github.com/asnowfix/wifimgr/pkg/platform"
	"github.com/asnowfix/wifimgr/pkg/portal"
	"github.com/asnowfix/wifimgr/pkg/wifi"
	"github.com/asnowfix/wifimgr/pkg/wifi/nmradio"
	"github.com/asnowfix/wifimgr/pkg/wifi/simradio"
	"github.com/go-logr/logr"
	"github.com/spf13/afero"
)

// Deps overrides the host facing parts. Zero fields select the real ones.
type Deps struct {
	Fs        afero.Fs
	Clock     clock.Clock
	Radio     wifi.Radio
	Restarter wifi.Restarter
	Heap      api.Heap
	Updater   ota.Updater
}

type Daemon struct {
	log   logr.Logger
	cfg   *config.Config
	clock clock.Clock

	Store   *kvs.Store
	Radio   wifi.Radio
	Manager *wifi.Manager
	HTTP    *coop.Server
	Portal  *portal.Controller

	teardown []func()
}

func New(ctx context.Context, log logr.Logger, cfg *config.Config, deps Deps) (*Daemon, error) {
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	host := platform.New(log.WithName("platform"))
	if deps.Restarter == nil {
		deps.Restarter = host
	}
	if deps.Heap == nil {
		deps.Heap = host
	}

	d := &Daemon{log: log, cfg: cfg, clock: deps.Clock}

	store, err := openStore(log.WithName("kvs"), deps.Fs, cfg.Store)
	if err != nil {
		return nil, err
	}
	d.Store = store

	d.Radio = deps.Radio
	if d.Radio == nil {
		if d.Radio, err = newRadio(ctx, log.WithName("radio"), cfg.Radio, deps.Clock); err != nil {
			return nil, err
		}
	}

	d.Manager = wifi.NewManager(log.WithName("wifi"), d.Radio, deps.Clock, deps.Restarter, cfg.WiFi.Options())
	d.Manager.NotifyNoWifi(func() {
		log.Info("Still no WiFi", "uptime", d.Manager.Uptime(), "stats", d.Manager.Stats())
	}, cfg.WiFi.NotifyNoWifiAfter)

	d.HTTP = coop.New(log.WithName("http"), cfg.HTTP.Listen)
	d.HTTP.MaxPending = cfg.HTTP.MaxPending
	d.Manager.SetServer(d.HTTP)
	d.Manager.SetYield(func() { d.HTTP.Service() })
	d.onTeardown(func() {
		if err := d.HTTP.Close(); err != nil {
			log.Error(err, "Failed to close HTTP server")
		}
	})

	if cfg.MDNS.Enabled {
		adv := mdns.New(log.WithName("mdns"), listenPort(cfg.HTTP.Listen))
		adv.Service = cfg.MDNS.Service
		d.Manager.SetAdvertiser(adv)
		d.onTeardown(func() { hlog.ErrorIfNotCanceled(log, adv.Stop(), "Failed to stop mDNS") })
	}

	if cfg.MQTT.Broker != "" {
		if err := d.startPublisher(ctx, cfg.MQTT); err != nil {
			// Status publishing is optional: keep running without it.
			log.Error(err, "MQTT status publisher disabled", "broker", cfg.MQTT.Broker)
		}
	}

	d.Portal = portal.New(log.WithName("portal"), store, d.Manager, d.Radio, d.HTTP)

	api.New(log.WithName("api"), d.Manager, deps.Clock, deps.Heap).Register(d.HTTP)

	if cfg.Metrics.Enabled {
		metrics.Register(d.HTTP.Router(), cfg.Metrics.Path, metrics.Registry(d.Manager))
	}

	if cfg.OTA.Enabled {
		updater := deps.Updater
		if updater == nil {
			b, err := ota.Self(log.WithName("ota"))
			if err != nil {
				return nil, fmt.Errorf("locating executable for updates: %w", err)
			}
			b.Assets = ota.NewPartition(log.WithName("ota"), deps.Fs, cfg.OTA.Dir)
			updater = b
		}
		ota.NewHandler(log.WithName("ota"), updater, d.Manager).Register(d.HTTP)
	}

	if err := d.Portal.Setup(cfg.Portal.Options(cfg.WiFi.Profile())); err != nil {
		return nil, fmt.Errorf("portal setup: %w", err)
	}
	return d, nil
}

func openStore(log logr.Logger, fs afero.Fs, cfg config.StoreConfig) (*kvs.Store, error) {
	if err := fs.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	region, err := eeprom.OpenFile(log, fs, cfg.Path, cfg.RegionSize)
	if err != nil {
		return nil, err
	}
	store := kvs.NewStore(log, region)
	store.Configure(cfg.Start, cfg.Size)
	if err := store.Load(); err != nil {
		// Every Get now reports absent, so the portal comes up.
		log.Error(err, "Config store unreadable, run `wifimgr store format` to reset it", "path", cfg.Path)
	}
	return store, nil
}

func newRadio(ctx context.Context, log logr.Logger, cfg config.RadioConfig, clk clock.Clock) (wifi.Radio, error) {
	switch cfg.Driver {
	case "sim":
		mac, err := net.ParseMAC(cfg.SimMAC)
		if err != nil {
			return nil, fmt.Errorf("radio.sim_mac: %w", err)
		}
		log.Info("Using simulated radio", "access_points", len(cfg.SimAPs))
		return simradio.New(clk, mac, cfg.SimAPs...), nil
	case "nm":
		r := nmradio.New(global.ProcessContext(ctx), log, cfg.Interface, nil)
		r.Watch(global.ProcessContext(ctx), cfg.WatchInterval)
		return r, nil
	default:
		return nil, fmt.Errorf("unknown radio driver %q", cfg.Driver)
	}
}

func (d *Daemon) startPublisher(ctx context.Context, cfg config.MQTTConfig) error {
	broker, err := status.LookupBroker(ctx, d.log, cfg.Broker)
	if err != nil {
		return err
	}
	p := status.New(d.log.WithName("status"), status.Options{
		Broker:   broker,
		Topic:    cfg.Topic,
		ClientID: cfg.ClientID,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.Timeout,
	})
	d.Manager.OnConnected(p.Publish)
	d.onTeardown(p.Close)
	return nil
}

// onTeardown registers fn with the manager, which runs it before restarts,
// and with Run, which runs it on shutdown.
func (d *Daemon) onTeardown(fn func()) {
	d.teardown = append(d.teardown, fn)
	d.Manager.OnTeardown(fn)
}

func listenPort(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// Run drives the portal until ctx is done. The sleep between passes is the
// only point where the loop goes idle.
func (d *Daemon) Run(ctx context.Context) error {
	idle := d.cfg.WiFi.Options().SpinInterval
	d.log.Info("Running", "listen", d.cfg.HTTP.Listen, "state", d.Portal.State())
	for ctx.Err() == nil {
		d.Portal.PollTick()
		d.clock.Sleep(idle)
	}
	hlog.LogContextDone(ctx, d.log, "Control loop stopped", "state", d.Portal.State())
	d.Shutdown()
	return nil
}

// Shutdown releases resources in reverse registration order.
func (d *Daemon) Shutdown() {
	d.log.Info("Shutting down", "uptime", d.Manager.Uptime().Round(time.Second))
	for i := len(d.teardown) - 1; i >= 0; i-- {
		d.teardown[i]()
	}
	d.teardown = nil
}
