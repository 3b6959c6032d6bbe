// Command iotready-device runs a demo cloud client: it connects with
// the configured identity, registers a sample function, variable and
// file, and logs every signal until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/iotready/device/pkg/device"
	"github.com/iotready/device/pkg/event"
	"github.com/iotready/device/pkg/metrics"
	"github.com/iotready/device/pkg/registry"
	"github.com/iotready/device/pkg/storage"
	"github.com/joho/godotenv"
	"github.com/pion/logging"
)

type config struct {
	DeviceID       string        `env:"IOTREADY_DEVICE_ID,required"`
	PrivateKeyPath string        `env:"IOTREADY_PRIVATE_KEY,required"`
	CloudAddress   string        `env:"IOTREADY_CLOUD_ADDRESS"`
	CloudPort      int           `env:"IOTREADY_CLOUD_PORT"`
	ForceTCP       bool          `env:"IOTREADY_FORCE_TCP" envDefault:"false"`
	Keepalive      time.Duration `env:"IOTREADY_KEEPALIVE"`
	ClaimCode      string        `env:"IOTREADY_CLAIM_CODE"`
	StoragePath    string        `env:"IOTREADY_STORAGE_PATH"`
	ProductID      uint16        `env:"IOTREADY_PRODUCT_ID" envDefault:"0"`
	PlatformID     uint16        `env:"IOTREADY_PLATFORM_ID" envDefault:"0"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	loggerFactory := logging.NewDefaultLoggerFactory()
	log := loggerFactory.NewLogger("main")

	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, using environment variables")
	}

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	key, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key: %w", err)
	}

	var store storage.Storage
	if cfg.StoragePath != "" {
		bolt, err := storage.NewBolt(cfg.StoragePath)
		if err != nil {
			return err
		}
		defer bolt.Close()
		store = bolt
	}

	d, err := device.New(device.Config{
		DeviceID:      cfg.DeviceID,
		PrivateKey:    key,
		ProductID:     cfg.ProductID,
		PlatformID:    cfg.PlatformID,
		CloudAddress:  cfg.CloudAddress,
		CloudPort:     cfg.CloudPort,
		ForceTCP:      cfg.ForceTCP,
		Keepalive:     cfg.Keepalive,
		ClaimCode:     cfg.ClaimCode,
		Storage:       store,
		Metrics:       metrics.New(""),
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return err
	}

	bootTime := time.Now()
	d.Post("echo", func(args, caller string) (int32, error) {
		n, err := strconv.Atoi(args)
		if err != nil {
			return 0, err
		}
		return int32(n), nil
	}, 0)
	d.Get("uptime", registry.VarTypeInt32, func(path string) (interface{}, error) {
		return int32(time.Since(bootTime).Seconds()), nil
	})
	d.File("report", "text/plain", func(name string) ([]byte, error) {
		return []byte(fmt.Sprintf("uptime: %s\n", time.Since(bootTime))), nil
	})

	d.OnAny(func(ev event.Event) {
		switch ev.Signal {
		case event.SignalError, event.SignalConnectionError:
			log.Warnf("%s: %v", ev.Signal, ev.Err)
		case event.SignalTime:
			log.Infof("cloud time: %d", ev.Epoch)
		default:
			log.Infof("signal: %s name=%q", ev.Signal, ev.Name)
		}
	})

	if err := d.Connect(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	d.Disconnect()
	return nil
}
