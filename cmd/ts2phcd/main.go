/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/ptpdisc/ts2phc/config"
	"github.com/ptpdisc/ts2phc/phc"
	pclunix "github.com/ptpdisc/ts2phc/phc/unix"
	"github.com/ptpdisc/ts2phc/ppsref"
	"github.com/ptpdisc/ts2phc/registry"
	"github.com/ptpdisc/ts2phc/slave"
	"github.com/ptpdisc/ts2phc/stats"
)

func main() {
	var (
		cfgPath        string
		ppsSourceFlag  string
		ppsPinFlag     uint
		verbose        bool
		monitoringPort int
	)

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "ts2phcd: discipline one or more PHCs to an external 1PPS reference\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: ts2phcd [flags] slave-device [slave-device ...]\n\nFlags:\n")
		flag.PrintDefaults()
	}

	flag.StringVar(&cfgPath, "cfg", "", "path to YAML config; overrides slave identifiers given as arguments")
	flag.StringVar(&ppsSourceFlag, "source", "generic", "PPS source: \"generic\" or a PHC device path/interface name")
	flag.UintVar(&ppsPinFlag, "source-pin", 0, "pin index used to program the PPS source's periodic output, if it is a PHC")
	flag.BoolVar(&verbose, "verbose", false, "verbose logging")
	flag.IntVar(&monitoringPort, "monitoringport", 0, "port to serve Prometheus metrics on; 0 disables it")
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, slaveNames, err := loadConfig(cfgPath, ppsSourceFlag, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Logging.LoggingLevel != "" {
		if lvl, err := log.ParseLevel(cfg.Logging.LoggingLevel); err == nil {
			log.SetLevel(lvl)
		}
	}

	if cfgPath == "" {
		cfg.PPSSourcePin = ppsPinFlag
	}
	ref, err := newReference(cfg, cfg.PPSSourcePin)
	if err != nil {
		log.Fatalf("setting up PPS reference: %v", err)
	}

	reg := registry.New()
	collector := stats.NewCollector()
	for _, name := range slaveNames {
		sc, ok := cfg.Slaves[name]
		if !ok {
			sc = config.DefaultSlaveConfig()
		}
		f, err := os.OpenFile(resolveDevice(name), os.O_RDWR, 0)
		if err != nil {
			log.Fatalf("opening slave device %s: %v", name, err)
		}
		dev := phc.FromFile(f)
		s, err := slave.New(sc.ToSlaveConfig(cfg.MaxFreqPPB), name, dev)
		if err != nil {
			log.Fatalf("configuring slave %s: %v", name, err)
		}
		s.SetObserver(collector)
		if err := reg.Add(name, s); err != nil {
			log.Fatalf("registering slave %s: %v", name, err)
		}
	}

	if monitoringPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", collector.Handler())
			addr := fmt.Sprintf(":%d", monitoringPort)
			if err := http.ListenAndServe(addr, mux); err != nil { //#nosec G114
				log.Errorf("monitoring server stopped: %v", err)
			}
		}()
	}

	var running atomic.Bool
	running.Store(true)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("received shutdown signal")
		running.Store(false)
	}()

	if supported, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warningf("sd_notify failed: %v", err)
	} else if !supported {
		log.Debug("sd_notify not supported")
	}

	// os.Exit skips deferred calls, so the slaves and the reference are
	// released explicitly before exiting.
	runErr := registry.Run(reg, ref, running.Load)
	reg.Cleanup()
	if err := ref.Close(); err != nil {
		log.Warnf("closing PPS reference: %v", err)
	}
	if runErr != nil {
		log.Errorf("run loop exited with error: %v", runErr)
		os.Exit(1)
	}
	os.Exit(0)
}

func loadConfig(cfgPath, ppsSourceFlag string, args []string) (*config.Config, []string, error) {
	if cfgPath != "" {
		cfg, err := config.ReadConfig(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		names := make([]string, 0, len(cfg.Slaves))
		for name := range cfg.Slaves {
			names = append(names, name)
		}
		return cfg, names, nil
	}
	if len(args) == 0 {
		return nil, nil, fmt.Errorf("at least one slave device must be given, or -cfg must point to a config file")
	}
	cfg := config.DefaultConfig()
	cfg.PPSSource = ppsSourceFlag
	for _, name := range args {
		cfg.Slaves[name] = config.DefaultSlaveConfig()
	}
	return cfg, args, nil
}

func newReference(cfg *config.Config, pin uint) (ppsref.Reference, error) {
	if cfg.PPSSource == "generic" {
		return &ppsref.GenericReference{Clock: genericClock{}}, nil
	}
	f, err := os.OpenFile(resolveDevice(cfg.PPSSource), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening PPS source device %s: %w", cfg.PPSSource, err)
	}
	dev := phc.FromFile(f)
	return ppsref.NewPHCReference(dev, pin, 0, 0)
}

func resolveDevice(name string) string {
	if _, err := os.Stat(name); err == nil {
		return name
	}
	if dev, err := phc.IfaceToPHCDevice(name); err == nil {
		return dev
	}
	return name
}

// genericClock reports the host TAI clock rounded to the full second, per
// the Generic PPS reference's documented contract.
type genericClock struct{}

func (genericClock) Time() (time.Time, error) {
	var ts pclunix.Timespec
	if err := pclunix.ClockGettime(int32(pclunix.CLOCK_TAI), &ts); err != nil {
		return time.Time{}, fmt.Errorf("clock_gettime(CLOCK_TAI): %w", err)
	}
	sec, _ := ts.Unix()
	return time.Unix(sec, 0), nil
}
