package libris_test

import (
	"os"
	"strings"
	"testing"
)

func readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

func TestDockerfileMultiStageBuild(t *testing.T) {
	content := readFile(t, "Dockerfile")

	// マルチステージビルドの確認: ビルドステージと実行ステージが存在すること
	if !strings.Contains(content, "FROM golang:") {
		t.Error("Dockerfile should contain a Go builder stage (FROM golang:)")
	}

	// 最終ステージは軽量イメージであること
	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "gcr.io/distroless") {
		t.Errorf("final stage should use a distroless image, got: %s", lastFrom)
	}
}

func TestDockerfileBinary(t *testing.T) {
	content := readFile(t, "Dockerfile")

	if !strings.Contains(content, "./cmd/libris") {
		t.Error("Dockerfile should build ./cmd/libris")
	}
	if !strings.Contains(content, `ENTRYPOINT ["/usr/local/bin/libris"]`) {
		t.Error("Dockerfile should use the libris binary as ENTRYPOINT")
	}
	// distrolessにはシェルがないため、ヘルスチェックはサブコマンドで行う
	if !strings.Contains(content, `"healthcheck"`) {
		t.Error("Dockerfile HEALTHCHECK should use the healthcheck subcommand")
	}
}

func TestDockerComposeServices(t *testing.T) {
	content := readFile(t, "docker-compose.yml")

	for _, svc := range []string{"api:", "worker:", "migrate:", "db:"} {
		if !strings.Contains(content, svc) {
			t.Errorf("docker-compose.yml should contain service %q", svc)
		}
	}
	for _, cmd := range []string{`["serve"]`, `["worker"]`, `["migrate"]`} {
		if !strings.Contains(content, cmd) {
			t.Errorf("docker-compose.yml should run subcommand %s", cmd)
		}
	}
	if !strings.Contains(content, "postgres:") {
		t.Error("docker-compose.yml should use PostgreSQL image")
	}
}

func TestDockerComposeNetworks(t *testing.T) {
	content := readFile(t, "docker-compose.yml")

	// DBとワーカーは外部へ通信できない内部ネットワークに置く
	if !strings.Contains(content, "internal: true") {
		t.Error("docker-compose.yml should define an internal network (internal: true)")
	}
	// OAuthと文章提案APIに接続するapiのみ外部ネットワークに参加する
	if !strings.Contains(content, "external:") {
		t.Error("docker-compose.yml should define an external network for api egress")
	}
}

func TestMainPackageExists(t *testing.T) {
	if _, err := os.Stat("cmd/libris/main.go"); err != nil {
		t.Fatalf("cmd/libris/main.go should exist: %v", err)
	}
}
