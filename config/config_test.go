package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseProjects(t *testing.T) {
	projects, err := parseProjects(" 2022=tok-b , 2021=tok-a ,")
	if err != nil {
		t.Fatalf("parseProjects error: %v", err)
	}
	if len(projects) != 2 || projects[0].Year != 2021 || projects[1].Token != "tok-b" {
		t.Fatalf("unexpected projects %+v", projects)
	}

	for _, raw := range []string{"2021", "abc=tok", "2021=", "2021=a,2021=b"} {
		if _, err := parseProjects(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	rosterPath := filepath.Join(dir, "roster.yaml")
	roster := `
accessGroups: [Site-A, site-b]
users:
  - email: Boss@Study.org
    accessGroup: ADMIN
`
	if err := os.WriteFile(rosterPath, []byte(roster), 0o600); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	t.Setenv("ENV", "test")
	t.Setenv("JWT_SECRET", " s3cret ")
	t.Setenv("REDCAP_URL", "https://redcap.example.org/api/")
	t.Setenv("REDCAP_PROJECTS", "2023=t1,2024=t2")
	t.Setenv("REDCAP_TIMEOUT", "5s")
	t.Setenv("ROSTER_FILE", rosterPath)
	t.Setenv("SYNC_INTERVAL", "1h")
	t.Setenv("TOKEN_HASH_COST", "12")
	t.Setenv("QUEUE_BACKEND", "RabbitMQ")
	t.Setenv("ARCHIVE_RETENTION_DAYS", "30")
	t.Setenv("DB_MAX_OPEN_CONNS", "8")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if cfg.JWTSecret != "s3cret" || cfg.TokenCost != 12 || cfg.SyncInterval != time.Hour {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.REDCap.Timeout != 5*time.Second || len(cfg.REDCap.Projects) != 2 {
		t.Fatalf("unexpected redcap config %+v", cfg.REDCap)
	}
	if cfg.Queue.Backend != "rabbitmq" {
		t.Fatalf("expected lowercased queue backend, got %q", cfg.Queue.Backend)
	}
	if cfg.Archive.RetentionDays != 30 || cfg.Database.MaxOpenConns != 8 || cfg.Database.MaxIdleConns != 0 {
		t.Fatalf("unexpected archive or pool config: %+v %+v", cfg.Archive, cfg.Database)
	}
	wantGroups := []string{"admin", "site-a", "site-b", "unrestricted"}
	if strings.Join(cfg.Roster.AccessGroups, ",") != strings.Join(wantGroups, ",") {
		t.Fatalf("expected groups %v, got %v", wantGroups, cfg.Roster.AccessGroups)
	}
	if users := cfg.Roster.LocalUsers(); len(users) != 1 || users[0].Email != "boss@study.org" || users[0].AccessGroup != "admin" {
		t.Fatalf("unexpected local users %+v", users)
	}
}

func TestLoadConfig_WithoutRoster(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("ROSTER_FILE", "")
	t.Setenv("REDCAP_PROJECTS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if !cfg.Roster.HasGroup("admin") || !cfg.Roster.HasGroup("Unrestricted") {
		t.Fatalf("built-in groups missing: %v", cfg.Roster.AccessGroups)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{
		TokenCost: 4,
		Queue:     QueueConfig{Backend: "kafka"},
		Archive:   ArchiveConfig{Backend: "ftp"},
		Roster: Roster{
			AccessGroups: []string{"admin", "unrestricted"},
			Users: []LocalUser{
				{Email: "a@b.c", AccessGroup: "mars"},
				{Email: "a@b.c", AccessGroup: "admin"},
			},
		},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{
		"JWT_SECRET",
		"REDCAP_URL",
		"REDCAP_PROJECTS",
		"TOKEN_HASH_COST",
		"QUEUE_BACKEND",
		"ARCHIVE_BACKEND",
		`unknown access group "mars"`,
		"listed twice",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoadRoster_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	if err := os.WriteFile(path, []byte("accessGroups: {"), 0o600); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	if _, err := LoadRoster(path); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := LoadRoster(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 0 ", want: 0},
		{raw: "30m", want: 30 * time.Minute},
		{raw: "1h30m", want: 90 * time.Minute},
		{raw: "-5m", wantErr: true},
		{raw: "hourly", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseInterval(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseInterval(%q) = %v, %v; want %v", tt.raw, got, err, tt.want)
		}
	}
}

func TestLoadConfig_InvalidSyncInterval(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "every day")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for invalid SYNC_INTERVAL")
	}
}
