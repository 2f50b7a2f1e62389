package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/libris/internal/importer"
)

func TestNewRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand(&bytes.Buffer{})

	for _, name := range []Command{CommandServe, CommandWorker, CommandMigrate, CommandSeed, CommandImportFeed, CommandHealthcheck} {
		t.Run(string(name), func(t *testing.T) {
			cmd, _, err := root.Find([]string{string(name)})
			if err != nil {
				t.Fatalf("Find(%q) error: %v", name, err)
			}
			if cmd.Name() != string(name) {
				t.Errorf("Find(%q) = %q", name, cmd.Name())
			}
		})
	}
}

func TestNewRootCommand_DefaultsToServe(t *testing.T) {
	root := NewRootCommand(&bytes.Buffer{})
	if root.RunE == nil {
		t.Fatal("サブコマンド省略時にserveとして起動するためRunEが必要")
	}
}

func TestImportFeedCommand_Flags(t *testing.T) {
	root := NewRootCommand(&bytes.Buffer{})
	cmd, _, err := root.Find([]string{string(CommandImportFeed)})
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}

	limit := cmd.Flags().Lookup("limit")
	if limit == nil || limit.DefValue != "50" {
		t.Errorf("limit flag = %+v, want default %d", limit, importer.DefaultLimit)
	}
	for _, name := range []string{"url", "actor-email"} {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			t.Fatalf("flag %q not defined", name)
		}
		if _, ok := f.Annotations["cobra_annotation_bash_completion_one_required_flag"]; !ok {
			t.Errorf("flag %q should be required", name)
		}
	}
}

func TestRun_ImportFeed_MissingFlags_ReturnsError(t *testing.T) {
	setTestEnv(t)

	err := Run(&bytes.Buffer{}, []string{"import-feed", "--url", "https://example.com/feed.xml"})
	if err == nil {
		t.Fatal("--actor-email未指定でエラーになるべき")
	}
	if !strings.Contains(err.Error(), "actor-email") {
		t.Errorf("error = %v, should mention actor-email", err)
	}
}

func TestRun_UnknownCommand_ReturnsError(t *testing.T) {
	if err := Run(&bytes.Buffer{}, []string{"unknown"}); err == nil {
		t.Fatal("未知のサブコマンドはエラーになるべき")
	}
}

func TestRun_Healthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "正常", status: http.StatusOK},
		{name: "異常", status: http.StatusServiceUnavailable, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("path = %q, want /health", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			u, err := url.Parse(srv.URL)
			if err != nil {
				t.Fatalf("failed to parse URL: %v", err)
			}
			t.Setenv("SERVER_PORT", u.Port())

			err = Run(&bytes.Buffer{}, []string{"healthcheck"})
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CommandServe, "serve"},
		{CommandWorker, "worker"},
		{CommandMigrate, "migrate"},
		{CommandSeed, "seed"},
		{CommandImportFeed, "import-feed"},
	}

	for _, tt := range tests {
		if got := string(tt.cmd); got != tt.want {
			t.Errorf("Command(%q) string = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}
