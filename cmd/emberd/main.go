package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/ember/internal/api"
	"github.com/seantiz/ember/internal/config"
	"github.com/seantiz/ember/internal/lifecycle"
	"github.com/seantiz/ember/internal/model"
	"github.com/seantiz/ember/internal/netalloc"
	"github.com/seantiz/ember/internal/pipes"
	"github.com/seantiz/ember/internal/store"
	"github.com/seantiz/ember/internal/supervisor"
	"github.com/seantiz/ember/internal/terminal"
	"github.com/seantiz/ember/internal/vmm"
	"github.com/seantiz/ember/internal/watchdog"
)

func main() {
	cfg := config.Load()
	vmCfg := config.LoadVMConfig()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("emberd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"vm_dir", vmCfg.VMDir,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := os.MkdirAll(vmCfg.VMDir, 0755); err != nil {
		log.Fatalf("failed to create vm dir: %v", err)
	}

	alloc, err := netalloc.New(vmCfg.BridgeName, vmCfg.BridgeAddr, vmCfg.SubnetCIDR, vmCfg.TapPrefix)
	if err != nil {
		log.Fatalf("failed to build network allocator: %v", err)
	}
	if err := alloc.EnsureBridge(); err != nil {
		log.Fatalf("failed to ensure host bridge: %v", err)
	}

	running, err := db.ListByStatus(context.Background(), model.StatusRunning)
	if err != nil {
		log.Fatalf("failed to list running vms for network reconciliation: %v", err)
	}
	inUse := make([]string, 0, len(running))
	for _, vm := range running {
		if vm.IPAddress != nil {
			inUse = append(inUse, *vm.IPAddress)
		}
	}
	alloc.Reconcile(inUse)
	logger.Info("reconciled network allocator state", "running_vms", len(running))

	pipeMgr := pipes.NewManager(vmCfg.VMDir)
	sup := supervisor.New(vmCfg.VMMBinary, pipeMgr, vmCfg.SpawnSettle, vmCfg.GracefulTimeout, vmCfg.SigtermTimeout)

	newVMMClient := func(socketPath string) lifecycle.VMMClient {
		return vmm.NewClient(socketPath)
	}
	lc := lifecycle.New(db, alloc, sup, pipeMgr, newVMMClient, vmCfg)

	wd := watchdog.New(db, alloc, pipeMgr, supervisor.IsAlive, vmCfg, logger)
	wdCtx, stopWatchdogs := context.WithCancel(context.Background())
	defer stopWatchdogs()
	go wd.Run(wdCtx)

	term := terminal.New(db, pipeMgr)

	srv := api.NewServer(cfg.ListenAddr, db, lc, term, logger)

	// Run handles its own SIGINT/SIGTERM wait and graceful HTTP shutdown;
	// tearing down the watchdogs afterward keeps them alive for the whole
	// time the server accepts requests.
	runErr := srv.Run()
	stopWatchdogs()
	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
