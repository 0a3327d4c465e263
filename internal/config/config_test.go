package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Defaults()
	if cfg != want {
		t.Errorf("Load(\"\") = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoad_MissingFileIsNotError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchSizeDML != Defaults().BatchSizeDML {
		t.Errorf("expected default BatchSizeDML, got %d", cfg.BatchSizeDML)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"batch_size_dml": 5000, "order_pushdown": false}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchSizeDML != 5000 {
		t.Errorf("BatchSizeDML = %d, want 5000", cfg.BatchSizeDML)
	}
	if cfg.OrderPushdown {
		t.Error("OrderPushdown = true, want false")
	}
	if cfg.MaxParameters != Defaults().MaxParameters {
		t.Errorf("MaxParameters = %d, want default %d", cfg.MaxParameters, Defaults().MaxParameters)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"batch_size_dml": 5000}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MSSQLCLIENT_BATCH_SIZE_DML", "7500")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchSizeDML != 7500 {
		t.Errorf("BatchSizeDML = %d, want 7500 (env should win over file)", cfg.BatchSizeDML)
	}
}

func TestLoad_OptionsOverrideEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"batch_size_dml": 5000}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MSSQLCLIENT_BATCH_SIZE_DML", "7500")

	cfg, err := Load(path, WithBatchSizeDML(42))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchSizeDML != 42 {
		t.Errorf("BatchSizeDML = %d, want 42 (option should win over env and file)", cfg.BatchSizeDML)
	}
}

func TestLoad_MalformedFileIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{not valid json`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load with malformed JSON: expected error, got nil")
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"batch_size_dml": 100}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	reloaded := make(chan Config, 1)
	w, err := NewWatcher(path, nil,
		WithWatcherDebounce(20*time.Millisecond),
		WithOnReload(func(c Config) { reloaded <- c }),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if got := w.Current().BatchSizeDML; got != 100 {
		t.Fatalf("initial BatchSizeDML = %d, want 100", got)
	}

	if err := os.WriteFile(path, []byte(`{"batch_size_dml": 200}`), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.BatchSizeDML != 200 {
			t.Errorf("reloaded BatchSizeDML = %d, want 200", cfg.BatchSizeDML)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if got := w.Current().BatchSizeDML; got != 200 {
		t.Errorf("Current().BatchSizeDML = %d, want 200 after reload", got)
	}
}

func TestWatcher_MalformedEditKeepsPreviousConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"batch_size_dml": 100}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	errs := make(chan error, 1)
	w, err := NewWatcher(path, nil,
		WithWatcherDebounce(20*time.Millisecond),
		WithOnError(func(e error) { errs <- e }),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`{not valid`), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onError")
	}

	if got := w.Current().BatchSizeDML; got != 100 {
		t.Errorf("Current().BatchSizeDML = %d after malformed edit, want unchanged 100", got)
	}
}
