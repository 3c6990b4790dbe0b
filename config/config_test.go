package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"resource-allocator/allocator"
)

func withEnv(k, v string, fn func()) {
	old, had := os.LookupEnv(k)
	_ = os.Setenv(k, v)
	defer func() {
		if had {
			_ = os.Setenv(k, old)
		} else {
			_ = os.Unsetenv(k)
		}
	}()
	fn()
}

func Test_firstNonEmpty(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{"all empty", []string{"", "", ""}, ""},
		{"first non-empty", []string{"a", "b"}, "a"},
		{"later non-empty", []string{"", "b"}, "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := firstNonEmpty(tt.in...)
			if got != tt.want {
				t.Errorf("firstNonEmpty() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_getEnv(t *testing.T) {
	tests := []struct {
		name string
		setK string
		setV string
		key  string
		def  string
		want string
	}{
		{"no env uses default non-empty", "", "", "FOO", "bar", "bar"},
		{"env overrides", "FOO", "baz", "FOO", "bar", "baz"},
		{"default empty stays empty", "", "", "FOO", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setK != "" {
				withEnv(tt.setK, tt.setV, func() {
					got := getEnv(tt.key, tt.def)
					if got != tt.want {
						t.Errorf("getEnv() got=%#v want=%#v", got, tt.want)
					}
				})
				return
			}
			got := getEnv(tt.key, tt.def)
			if got != tt.want {
				t.Errorf("getEnv() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_getEnvInt(t *testing.T) {
	tests := []struct {
		name string
		set  string
		def  int
		want int
	}{
		{"no env -> default", "", 7, 7},
		{"valid int", "42", 7, 42},
		{"invalid int -> default", "abc", 9, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.set == "" {
				_ = os.Unsetenv("XINT")
			} else {
				_ = os.Setenv("XINT", tt.set)
				defer os.Unsetenv("XINT")
			}
			got := getEnvInt("XINT", tt.def)
			if got != tt.want {
				t.Errorf("getEnvInt() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_getEnvBool(t *testing.T) {
	tests := []struct {
		name string
		set  string
		def  bool
		want bool
	}{
		{"no env -> default", "", true, true},
		{"true", "true", false, true},
		{"numeric", "1", false, true},
		{"false", "FALSE", true, false},
		{"invalid -> default", "sometimes", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.set == "" {
				_ = os.Unsetenv("XBOOL")
			} else {
				_ = os.Setenv("XBOOL", tt.set)
				defer os.Unsetenv("XBOOL")
			}
			got := getEnvBool("XBOOL", tt.def)
			if got != tt.want {
				t.Errorf("getEnvBool() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_Config_HTTPAddr(t *testing.T) {
	tests := []struct {
		name string
		port int
		want string
	}{
		{"default", 8080, "0.0.0.0:8080"},
		{"custom", 9090, "0.0.0.0:9090"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{HTTPPort: tt.port}
			if got := c.HTTPAddr(); got != tt.want {
				t.Errorf("HTTPAddr() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_Config_Options(t *testing.T) {
	c := &Config{PreemptionEnabled: true, LinearScanThreshold: 4}
	want := allocator.Options{PreemptionEnabled: true, LinearScanThreshold: 4}
	if got := c.Options(); got != want {
		t.Errorf("Options() got=%#v want=%#v", got, want)
	}
}

func Test_Config_PubsubEnabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"both", Config{Subscription: "s", PubsubTopic: "t"}, true},
		{"subscription only", Config{Subscription: "s"}, false},
		{"none", Config{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.PubsubEnabled(); got != tt.want {
				t.Errorf("PubsubEnabled() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_Config_Redacted(t *testing.T) {
	c := &Config{
		HTTPPort: 8081, LogLevel: "debug", PreemptionEnabled: true, LinearScanThreshold: 16,
		ResourcesFile: "resources.yaml", DatabaseURL: "postgres://u:secret@db/alloc", JournalFlushInterval: 500 * time.Millisecond,
		GoogleProjectID: "pid", Subscription: "sub", PubsubTopic: "topic", CredentialsFile: "creds.json",
	}
	got := c.Redacted()
	want := map[string]any{
		"httpPort":             8081,
		"logLevel":             "debug",
		"preemptionEnabled":    true,
		"linearScanThreshold":  16,
		"resourcesFile":        "resources.yaml",
		"databaseConfigured":   true,
		"journalFlushInterval": "500ms",
		"traceFile":            "",
		"projectID":            "pid",
		"requestSubscription":  "sub",
		"resultTopic":          "topic",
		"credentialsProvided":  true,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Redacted()\n got=%#v\nwant=%#v", got, want)
	}
}

func Test_projectIDFromCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	content := []byte(`{"project_id":"my-proj"}`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write temp creds: %#v", err)
	}
	pid, err := projectIDFromCredentials(path)
	if err != nil || pid != "my-proj" {
		t.Errorf("projectIDFromCredentials() pid=%#v err=%#v", pid, err)
	}

	// invalid json returns empty id, no error
	if err := os.WriteFile(path, []byte(`{"nope":1}`), 0o600); err != nil {
		t.Fatalf("write temp creds: %#v", err)
	}
	pid2, err2 := projectIDFromCredentials(path)
	if err2 != nil || pid2 != "" {
		t.Errorf("projectIDFromCredentials(invalid) pid=%#v err=%#v", pid2, err2)
	}
}

func Test_getGoogleProjectID(t *testing.T) {
	unset := func(keys ...string) {
		for _, k := range keys {
			_ = os.Unsetenv(k)
		}
	}
	// ensure clean env
	unset("GOOGLE_APPLICATION_CREDENTIALS", "ALLOCATOR_PUBSUB_PROJECT_ID", "GOOGLE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT")

	dir := t.TempDir()
	credFile := filepath.Join(dir, "creds.json")
	_ = os.WriteFile(credFile, []byte(`{"project_id":"file-proj"}`), 0o600)

	tests := []struct {
		name     string
		setEnv   map[string]string
		creds    string
		explicit string
		want     string
	}{
		{"from GOOGLE_APPLICATION_CREDENTIALS", map[string]string{"GOOGLE_APPLICATION_CREDENTIALS": credFile}, "", "", "file-proj"},
		{"from explicit ALLOCATOR_PUBSUB_PROJECT_ID", map[string]string{}, "", "explicit-proj", "explicit-proj"},
		{"from GOOGLE_PROJECT_ID", map[string]string{"GOOGLE_PROJECT_ID": "env-proj"}, "", "", "env-proj"},
		{"from common env", map[string]string{"GOOGLE_CLOUD_PROJECT": "common-proj"}, "", "", "common-proj"},
		{"from provided credsFile path", map[string]string{}, credFile, "", "file-proj"},
		{"none -> empty", map[string]string{}, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// reset env
			unset("GOOGLE_APPLICATION_CREDENTIALS", "ALLOCATOR_PUBSUB_PROJECT_ID", "GOOGLE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT")
			for k, v := range tt.setEnv {
				_ = os.Setenv(k, v)
			}
			got := getGoogleProjectID(tt.creds, tt.explicit)
			if got != tt.want {
				t.Errorf("getGoogleProjectID() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

var loadKeys = []string{
	"ALLOCATION_REQUEST_SUBSCRIPTION", "ALLOCATION_RESULT_TOPIC", "ALLOCATOR_PUBSUB_SUBSCRIPTION", "ALLOCATOR_PUBSUB_TOPIC",
	"ALLOCATOR_HTTP_PORT", "ALLOCATOR_METRICS_PORT", "ALLOCATOR_LOG_LEVEL", "ALLOCATOR_PREEMPTION_ENABLED",
	"ALLOCATOR_LINEAR_SCAN_THRESHOLD", "ALLOCATOR_RESOURCES_FILE", "ALLOCATOR_DATABASE_URL",
	"ALLOCATOR_JOURNAL_FLUSH_INTERVAL", "ALLOCATOR_TRACE_FILE",
	"GOOGLE_APPLICATION_CREDENTIALS", "ALLOCATOR_GSA_CREDENTIALS", "ALLOCATOR_PUBSUB_PROJECT_ID",
}

func unsetAll(keys ...string) {
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}

func Test_Load(t *testing.T) {
	t.Chdir(t.TempDir())
	unsetAll(loadKeys...)
	defer unsetAll(loadKeys...)

	cfg := Load()
	if cfg.HTTPPort != 8080 || cfg.LogLevel != "info" || cfg.PreemptionEnabled || cfg.LinearScanThreshold != allocator.DefaultLinearScanThreshold ||
		cfg.JournalFlushInterval != time.Second || cfg.PubsubEnabled() {
		b, _ := json.Marshal(cfg)
		t.Errorf("Load() defaults unexpected: %#v", string(b))
	}

	os.Setenv("ALLOCATION_REQUEST_SUBSCRIPTION", "sub")
	os.Setenv("ALLOCATION_RESULT_TOPIC", "topic")
	os.Setenv("ALLOCATOR_METRICS_PORT", "7777")
	os.Setenv("ALLOCATOR_LOG_LEVEL", "warn")
	os.Setenv("ALLOCATOR_PREEMPTION_ENABLED", "true")
	os.Setenv("ALLOCATOR_LINEAR_SCAN_THRESHOLD", "-3")
	os.Setenv("ALLOCATOR_JOURNAL_FLUSH_INTERVAL", "250")
	os.Setenv("ALLOCATOR_PUBSUB_PROJECT_ID", "proj")

	cfg = Load()
	if cfg.Subscription != "sub" || cfg.PubsubTopic != "topic" || cfg.HTTPPort != 7777 || cfg.LogLevel != "warn" ||
		!cfg.PreemptionEnabled || cfg.LinearScanThreshold != 0 || cfg.JournalFlushInterval != 250*time.Millisecond || cfg.GoogleProjectID != "proj" {
		b, _ := json.Marshal(cfg)
		t.Errorf("Load() unexpected cfg: %#v", string(b))
	}

	os.Setenv("ALLOCATOR_HTTP_PORT", "9000")
	if got := Load().HTTPPort; got != 9000 {
		t.Errorf("ALLOCATOR_HTTP_PORT precedence got=%#v want=%#v", got, 9000)
	}
}

func Test_Load_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	unsetAll(loadKeys...)
	defer unsetAll(loadKeys...)

	body := "ALLOCATOR_DATABASE_URL=postgres://localhost/alloc\nALLOCATOR_LOG_LEVEL=debug\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(body), 0o600); err != nil {
		t.Fatalf("write .env: %#v", err)
	}
	os.Setenv("ALLOCATOR_LOG_LEVEL", "error")

	cfg := Load()
	if cfg.DatabaseURL != "postgres://localhost/alloc" {
		t.Errorf("DatabaseURL got=%#v want=%#v", cfg.DatabaseURL, "postgres://localhost/alloc")
	}
	if cfg.LogLevel != "error" {
		t.Errorf("environment should win over .env: got=%#v want=%#v", cfg.LogLevel, "error")
	}
}
