package security

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"

	"github.com/hitoshi/libris/internal/model"
)

// SSRFGuardService はSSRF防止機能のインターフェースを定義する。
// 外部フィードの取り込みと文章提案APIの呼び出しで使用される。
type SSRFGuardService interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// プライベートIP、ループバック、リンクローカル、メタデータIPへの接続は
	// DNS解決後にDialerレベルで拒否される。
	// maxResponseSizeを超えるレスポンスボディは読み取り時にエラーになる。
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client

	// ValidateURL はURLの安全性を事前に検証する。
	// 形式が不正な場合はINVALID_URL、接続先が内部ネットワークの場合はSSRF_BLOCKEDを返す。
	ValidateURL(rawURL string) error
}

// allowedSchemes はSSRF防止で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はValidateURLの静的検証でブロックされるネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（クラウドメタデータIPを含む）
		"169.254.0.0/16",
		// Carrier-grade NAT
		"100.64.0.0/10",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// ssrfGuard はSSRFGuardServiceの実装。
type ssrfGuard struct {
	ports []int
}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
// 接続を許可するポートは80と443。
func NewSSRFGuard() *ssrfGuard {
	return &ssrfGuard{ports: []int{80, 443}}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.ports...).
		Build()

	client := safeurl.Client(config).Client
	if maxResponseSize > 0 {
		base := client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client.Transport = &limitedTransport{base: base, limit: maxResponseSize}
	}
	return client
}

// ValidateURL はDNS解決を伴わない静的な検証を行う。
// DNS再バインディングはNewSafeClientのDialer検証で防止される。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return model.NewInvalidURLError("URLが空です")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return model.NewInvalidURLError("URLの形式が正しくありません")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return model.NewInvalidURLError(fmt.Sprintf("スキーム %q は使用できません", scheme))
	}

	host := parsed.Hostname()
	if host == "" {
		return model.NewInvalidURLError("ホスト名がありません")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return model.NewSSRFBlockedError()
		}
		return nil
	}

	if isBlockedHostname(host) {
		return model.NewSSRFBlockedError()
	}
	return nil
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	return lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".internal")
}

// ErrResponseTooLarge はレスポンスボディが上限を超えた場合のエラー。
var ErrResponseTooLarge = errors.New("レスポンスサイズが上限を超えています")

// limitedTransport はレスポンスボディの読み取り量を制限するRoundTripper。
type limitedTransport struct {
	base  http.RoundTripper
	limit int64
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength > t.limit {
		resp.Body.Close()
		return nil, ErrResponseTooLarge
	}
	resp.Body = &limitedBody{rc: resp.Body, remaining: t.limit}
	return resp, nil
}

// limitedBody は上限を1バイトでも超えて読もうとした時点でErrResponseTooLargeを返す。
type limitedBody struct {
	rc        io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, ErrResponseTooLarge
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.rc.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n + int(b.remaining), ErrResponseTooLarge
	}
	return n, err
}

func (b *limitedBody) Close() error {
	return b.rc.Close()
}

// compile-time interface check
var _ SSRFGuardService = (*ssrfGuard)(nil)
