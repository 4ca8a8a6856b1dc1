package logger_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"candlecollector/config"
	"candlecollector/logger"
)

// go test -v --run TestNewInvalidLevel
func TestNewInvalidLevel(t *testing.T) {
	if _, err := logger.New(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

// go test -v --run TestNewWritesFile
func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "collector.log")
	log, err := logger.New(config.LogConfig{
		Level:      "info",
		Format:     "json",
		OutputFile: path,
		Service:    "candlecollector",
	})
	if err != nil {
		t.Fatal(err)
	}
	log.Info("flush completed")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"service":"candlecollector"`) {
		t.Errorf("service field missing: %s", data)
	}
}
