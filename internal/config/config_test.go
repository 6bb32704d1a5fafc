package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const profilesConfig = `
active_profile: garage
profiles:
  default:
    actor_id: front_door
    capture:
      segment_duration: 1s
      clip_duration: 10
      restart_after_capture: true
    backend:
      type: synthetic
    storage:
      scratch_directory: /tmp/rc/segments
      output_directory: ~/Videos/Default
  garage:
    actor_id: garage_cam
    capture:
      clip_duration: 30
      restart_after_capture: false
    storage:
      output_directory: /srv/garage
`

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replaycapture_test.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write temporary config file: %v", err)
	}
	return path
}

func TestLoadWithProfile_Inheritance(t *testing.T) {
	configFile := createTempConfig(t, profilesConfig)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Profile != "garage" {
		t.Errorf("Expected active profile 'garage', got '%s'", cfg.Profile)
	}
	if cfg.ActorID != "garage_cam" {
		t.Errorf("Expected actor id 'garage_cam', got '%s'", cfg.ActorID)
	}
	if cfg.Capture.ClipDuration != 30 {
		t.Errorf("Expected clip duration 30, got %d", cfg.Capture.ClipDuration)
	}
	// Explicit false must win over the inherited true
	if cfg.Capture.RestartAfterCapture {
		t.Errorf("Expected restart_after_capture false from profile")
	}
	if cfg.Capture.SegmentDuration != time.Second {
		t.Errorf("Expected inherited segment duration 1s, got %s", cfg.Capture.SegmentDuration)
	}
	if cfg.Backend.Type != "synthetic" {
		t.Errorf("Expected inherited backend 'synthetic', got '%s'", cfg.Backend.Type)
	}
	if cfg.Storage.OutputDirectory != "/srv/garage" {
		t.Errorf("Expected output directory '/srv/garage', got '%s'", cfg.Storage.OutputDirectory)
	}
	if cfg.Storage.ScratchDirectory != "/tmp/rc/segments" {
		t.Errorf("Expected inherited scratch directory, got '%s'", cfg.Storage.ScratchDirectory)
	}
	// Not set anywhere: built-in default
	if cfg.Capture.StopTimeout != 3*time.Second {
		t.Errorf("Expected default stop timeout 3s, got %s", cfg.Capture.StopTimeout)
	}

	tests := map[string]string{
		"capture.clip_duration":    "profile-specific",
		"capture.segment_duration": "inherited",
		"backend.type":             "inherited",
		"storage.output_directory": "profile-specific",
		"capture.stop_timeout":     "default",
	}
	for key, want := range tests {
		if got := cfg.Inheritance.Source(key); got != want {
			t.Errorf("Inheritance of %s: expected '%s', got '%s'", key, want, got)
		}
	}
}

func TestLoadWithProfile_DefaultProfile(t *testing.T) {
	configFile := createTempConfig(t, profilesConfig)

	cfg, err := LoadWithProfile(configFile, "default")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.ActorID != "front_door" {
		t.Errorf("Expected actor id 'front_door', got '%s'", cfg.ActorID)
	}
	home, _ := os.UserHomeDir()
	if want := filepath.Join(home, "Videos", "Default"); cfg.Storage.OutputDirectory != want {
		t.Errorf("Expected expanded output directory '%s', got '%s'", want, cfg.Storage.OutputDirectory)
	}
	if got := cfg.Inheritance.Source("actor_id"); got != "profile-specific" {
		t.Errorf("Expected actor_id to be profile-specific, got '%s'", got)
	}
}

func TestLoadWithProfile_UnknownProfile(t *testing.T) {
	configFile := createTempConfig(t, profilesConfig)

	_, err := LoadWithProfile(configFile, "attic")
	if err == nil || !strings.Contains(err.Error(), "'attic' not found") {
		t.Errorf("Expected profile not found error, got: %v", err)
	}
}

func TestLoadWithProfile_NoFile(t *testing.T) {
	if _, err := LoadWithProfile("", ""); err == nil {
		t.Error("Expected error for empty config file")
	}
}

func TestLoadWithProfile_EnvironmentOverride(t *testing.T) {
	configFile := createTempConfig(t, profilesConfig)
	t.Setenv("REPLAYCAPTURE_PROFILES_GARAGE_CAPTURE_CLIP_DURATION", "12")

	cfg, err := LoadWithProfile(configFile, "garage")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Capture.ClipDuration != 12 {
		t.Errorf("Expected clip duration 12 from environment, got %d", cfg.Capture.ClipDuration)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	if err != nil {
		t.Fatalf("Expected defaults, got error: %v", err)
	}
	if cfg.Capture.ClipDuration != 10 || cfg.Capture.SegmentDuration != time.Second {
		t.Errorf("Unexpected defaults: %+v", cfg.Capture)
	}
	if strings.HasPrefix(cfg.Storage.OutputDirectory, "~") {
		t.Errorf("Expected expanded output directory, got '%s'", cfg.Storage.OutputDirectory)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "garage"); err == nil {
		t.Error("Expected error for named profile without a config file")
	}
}

func TestUpdateActiveProfile(t *testing.T) {
	configFile := createTempConfig(t, profilesConfig)

	if err := UpdateActiveProfile(configFile, "default"); err != nil {
		t.Fatalf("Failed to update active profile: %v", err)
	}
	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Profile != "default" {
		t.Errorf("Expected active profile 'default', got '%s'", cfg.Profile)
	}

	if err := UpdateActiveProfile(configFile, "attic"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

func TestListProfiles(t *testing.T) {
	configFile := createTempConfig(t, profilesConfig)

	names, err := ListProfiles(configFile)
	if err != nil {
		t.Fatalf("Failed to list profiles: %v", err)
	}
	if strings.Join(names, ",") != "default,garage" {
		t.Errorf("Expected [default garage], got %v", names)
	}
}

func TestWriteDefaultFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "replaycapture.yaml")
	if err := WriteDefaultFile(path); err != nil {
		t.Fatalf("Failed to write default config: %v", err)
	}
	if err := WriteDefaultFile(path); err == nil {
		t.Error("Expected error when the file already exists")
	}

	cfg, err := LoadWithProfile(path, "")
	if err != nil {
		t.Fatalf("Failed to load written defaults: %v", err)
	}
	want := Default()
	if cfg.Capture != want.Capture {
		t.Errorf("Capture settings differ: got %+v, want %+v", cfg.Capture, want.Capture)
	}
	if cfg.Storage != want.Storage {
		t.Errorf("Storage settings differ: got %+v, want %+v", cfg.Storage, want.Storage)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		input    string
		expected string
	}{
		{"~/Videos", filepath.Join(home, "Videos")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", "~"},
	}
	for _, test := range tests {
		if result := expandPath(test.input); result != test.expected {
			t.Errorf("expandPath(%s): expected %s, got %s", test.input, test.expected, result)
		}
	}
}

func TestConfigYAML(t *testing.T) {
	data, err := Default().YAML()
	if err != nil {
		t.Fatalf("Failed to render YAML: %v", err)
	}
	out := string(data)
	for _, want := range []string{"segment_duration: 1s", "clip_duration: 10", "type: auto"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected YAML to contain %q, got:\n%s", want, out)
		}
	}
}
