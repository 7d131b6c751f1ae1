package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"rtindex/pkg/api"
	"rtindex/pkg/catalog"
	"rtindex/pkg/common"
	"rtindex/pkg/config"
	"rtindex/pkg/core/indexer"
	"rtindex/pkg/monitor"
	"rtindex/pkg/network"
	"rtindex/pkg/pipeline"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (default: configs/rtindex.yaml or rtindex.yaml)")
	taskID := flag.String("task", "", "Index task id (default: random)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *taskID == "" {
		*taskID = "task-" + uuid.NewString()[:8]
	}

	stats := monitor.NewWorkloadStats(prometheus.DefaultRegisterer)
	ix := indexer.New(indexer.OptionsFromConfig(*taskID, cfg.Index, stats))

	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		log.Fatalf("Failed to open catalog: %v", err)
	}
	// trees do not outlive the process, so neither do their entries
	if err := cat.Truncate(context.Background()); err != nil {
		log.Fatalf("Failed to reset catalog: %v", err)
	}
	router := pipeline.NewRouter(ix, cat)
	retention := pipeline.NewRetention(router, cfg.Retention, nil)

	city, err := common.NewCity(cfg.Spatial.X1, cfg.Spatial.X2, cfg.Spatial.Y1, cfg.Spatial.Y2, cfg.Spatial.Partitions)
	if err != nil {
		log.Fatalf("Invalid spatial config: %v", err)
	}

	tcp := network.NewTCPServer(router, city)
	go func() {
		if err := tcp.Start(cfg.Server.TCPAddr); err != nil {
			log.Fatalf("[TCP] %v", err)
		}
	}()

	httpSrv := api.NewServer(router, ix.Stats, city, prometheus.DefaultGatherer)
	go func() {
		if err := httpSrv.Start(cfg.Server.Addr); err != nil {
			log.Fatalf("[API] %v", err)
		}
	}()

	log.Printf("Index task %s running (order=%d, span=%v, template=%v)",
		*taskID, cfg.Index.Order, cfg.Index.TreeTimeSpan, cfg.Index.TemplateMode)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	tcp.Close()
	retention.Close()
	ix.Close()
	<-router.Done()
	if err := cat.Close(); err != nil {
		log.Printf("[Catalog] Close error: %v", err)
	}
}
