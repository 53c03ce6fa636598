// Command rtspd runs the RTSP media-source registry and session server.
// Grounded on the teacher's top-level main, which this retrieval pack
// only carries as a rtsp package (its cmd/main.go sat outside the
// retrieved file set); the startup banner and resource snapshot below
// follow the go-figure + gopsutil pairing the teacher's go.mod declares
// as direct (not indirect) dependencies, the standard shape for that
// pairing in a long-running Go network daemon.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	figure "github.com/common-nighthawk/go-figure"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/sirupsen/logrus"

	"github.com/qlstream/rtspd/internal/config"
	"github.com/qlstream/rtspd/internal/logging"
	"github.com/qlstream/rtspd/rtsp"
)

func main() {
	confPath := flag.String("config", "rtspd.ini", "path to the INI configuration file")
	flag.Parse()

	figure.NewFigure("rtspd", "", true).Print()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "using defaults: %v\n", err)
		cfg = config.Default()
	}

	root := logging.Init(cfg.Log)
	log := logging.For(root, "main")

	logResources(log)

	srv := rtsp.New(&cfg, root, nil)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		srv.Stop()
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

// logResources logs a one-line CPU/memory snapshot at startup, the way
// a long-running media daemon records its baseline before accepting
// connections.
func logResources(log *logrus.Entry) {
	pct, err := cpu.Percent(200*time.Millisecond, false)
	var cpuPct float64
	if err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	vm, err := mem.VirtualMemory()
	var memPct float64
	if err == nil {
		memPct = vm.UsedPercent
	}
	log.WithFields(map[string]interface{}{
		"cpu_percent": cpuPct,
		"mem_percent": memPct,
	}).Info("startup resource snapshot")
}
