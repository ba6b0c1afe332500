package main

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"vigil/internal/app"
	"vigil/internal/config"
	"vigil/internal/logger"
)

func main() {
	ctx := context.Background()
	cfgPath := os.Getenv("VIGIL_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config failed: %v", err)
	}
	logger.SetLevel(cfg.Log.Level)
	logger.SetRotatingFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir failed: %v", err)
	}
	if err := cfg.WriteEffective(filepath.Join(cfg.DataDir, "effective_config.yaml")); err != nil {
		logger.Warnf("writing effective config failed: %v", err)
	}
	logger.Infof("✓ config loaded (%s), data dir %s", cfgPath, cfg.DataDir)

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("initializing app failed: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("run failed: %v", err)
	}
}
