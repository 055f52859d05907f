package main

import (
	"strings"
	"testing"

	"github.com/BadgerOps/mlmigrate/internal/config"
)

func TestConfigShowRedactsToken(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Destination.Token = "dapi-secret"
	cfg.Import.ExperimentNamePrefix = "migrated/"
	useGlobals(t, cfg, nil, nil)

	out := captureStdout(t, func() {
		if err := configShowRun(nil, nil); err != nil {
			t.Fatalf("configShowRun returned error: %v", err)
		}
	})
	if strings.Contains(out, "dapi-secret") {
		t.Fatalf("token leaked in output:\n%s", out)
	}
	if !strings.Contains(out, "REDACTED") || !strings.Contains(out, "experiment_name_prefix: migrated/") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if cfg.Destination.Token != "dapi-secret" {
		t.Error("Redacted must not modify the loaded config")
	}
}

func TestConfigShowWithoutConfig(t *testing.T) {
	useGlobals(t, nil, nil, nil)
	if err := configShowRun(nil, nil); err == nil {
		t.Fatal("expected error when config is not loaded")
	}
}
