package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ardnew/cdcnet/host/class/cdc"
	"github.com/ardnew/cdcnet/host/class/rndis"
	"github.com/ardnew/cdcnet/host/hal/fifo"
)

const defaultBusDir = "/tmp/cdcnet-bus"

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("bus-dir", defaultBusDir, "The FIFO bus directory devices attach under.")
	flag.Int("ports", fifo.DefaultNumPorts, "The number of root hub ports.")
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.Int("rx-ring-size", rndis.DefaultRxRingSize, "Receive ring size in bytes.")
	flag.Int("tx-ring-size", 0, "Transmit ring size in bytes; 0 writes each frame directly.")
	flag.Duration("poll-interval", rndis.DefaultPollInterval, "Link poll and keepalive interval once the link is up.")
	flag.Duration("initial-poll-interval", rndis.DefaultInitialPollInterval, "Link poll interval until the link first comes up.")
	flag.Int("frame-queue", 256, "Inbound frames queued for the stack.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/rndis-host/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// deviceSpec names a device to bind regardless of its interface classes.
type deviceSpec struct {
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
}

// getConfiguredDevices decodes the devices list into match criteria.
func getConfiguredDevices() ([]cdc.MatchCriteria, error) {
	raw := viper.Get("devices")
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("failed to decode devices: unexpected type: %T", raw)
	}

	result := make([]cdc.MatchCriteria, 0, len(list))
	for _, def := range list {
		var spec deviceSpec
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &spec,
			TagName:          "json",
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode device data %q: %w", def, err)
		}
		if spec.Vendor == 0 {
			return nil, fmt.Errorf("device %v has no vendor ID", def)
		}
		result = append(result, cdc.DeviceID(spec.Vendor, spec.Product))
	}
	return result, nil
}

// engineConfig builds the RNDIS engine configuration from viper.
func engineConfig(devices []cdc.MatchCriteria) rndis.Config {
	match := append([]cdc.MatchCriteria(nil), rndis.DefaultMatch...)
	return rndis.Config{
		Match:               append(match, devices...),
		RxRingSize:          viper.GetInt("rx-ring-size"),
		TxRingSize:          viper.GetInt("tx-ring-size"),
		PollInterval:        durationOr(viper.GetDuration("poll-interval"), rndis.DefaultPollInterval),
		InitialPollInterval: durationOr(viper.GetDuration("initial-poll-interval"), rndis.DefaultInitialPollInterval),
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
