package runner

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"runplane/internal/shared/model"
)

// ErrRunGone Run 不存在或已不再分配给本 Listener
var ErrRunGone = errors.New("run no longer assigned to this listener")

// APIError 非预期的 HTTP 状态
type APIError struct {
	StatusCode int
	Message    string
	// RunStatus 409 时服务端返回的 Run 当前状态
	RunStatus model.RunStatus
}

func (e *APIError) Error() string {
	if e.RunStatus != "" {
		return fmt.Sprintf("api status %d: %s (run status %s)", e.StatusCode, e.Message, e.RunStatus)
	}
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Message)
}

// Transient 服务端或网络层的临时错误，可以重试
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Heartbeat 心跳请求
type Heartbeat struct {
	Capacity     int      `json:"capacity"`
	ActiveRuns   int      `json:"active_runs"`
	Profiles     []string `json:"profiles"`
	ActiveRunIDs []string `json:"active_run_ids,omitempty"`
}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	TTLSeconds   int      `json:"ttl_seconds"`
	CancelRunIDs []string `json:"cancel_run_ids"`
	RenewDue     bool     `json:"renew_due"`
}

// Claim 领取结果：Run 及其当前阶段的作业描述
type Claim struct {
	Run *model.Run     `json:"run"`
	Job *model.JobSpec `json:"job"`
}

// Client Listener 协议客户端
//
// 客户端证书通过 GetClientCertificate 每次握手时读取，证书轮换后新连接立即使用新证书。
type Client struct {
	baseURL    string
	certHeader string
	http       *http.Client
	identity   atomic.Pointer[Identity]
}

// NewClient 创建客户端，roots 为 nil 时使用系统根证书
func NewClient(baseURL, certHeader string, roots *x509.CertPool) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		certHeader: certHeader,
	}
	c.http = &http.Client{Transport: c.transport(roots)}
	return c
}

func (c *Client) transport(roots *x509.CertPool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    roots,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			if id := c.identity.Load(); id != nil {
				return &id.keyPair, nil
			}
			return &tls.Certificate{}, nil
		},
	}
	return t
}

// SetRoots 替换校验服务端证书的 CA，只能在主循环启动前调用
func (c *Client) SetRoots(roots *x509.CertPool) {
	c.http.Transport = c.transport(roots)
}

// SetIdentity 切换当前身份
func (c *Client) SetIdentity(id *Identity) {
	c.identity.Store(id)
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// Identity 当前身份
func (c *Client) Identity() *Identity {
	return c.identity.Load()
}

func (c *Client) listenerPath(parts ...string) (string, error) {
	id := c.identity.Load()
	if id == nil {
		return "", ErrNoIdentity
	}
	elems := append([]string{"api", "v1", "listeners", id.ListenerID}, parts...)
	for i, e := range elems {
		elems[i] = url.PathEscape(e)
	}
	return c.baseURL + "/" + strings.Join(elems, "/"), nil
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.certHeader != "" {
		if id := c.identity.Load(); id != nil {
			req.Header.Set(c.certHeader, base64.StdEncoding.EncodeToString(id.certPEM))
		}
	}
	return c.http.Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, target string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, method, target, body, "application/json")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, decodeAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Error  string          `json:"error"`
		Status model.RunStatus `json:"status"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &payload) != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: payload.Error, RunStatus: payload.Status}
}

// Join 用加入令牌换取身份材料
func (c *Client) Join(ctx context.Context, poolID, token, name string, profiles []string) (*Credentials, error) {
	target := fmt.Sprintf("%s/api/v1/agent-pools/%s/listeners/join", c.baseURL, url.PathEscape(poolID))
	req := map[string]any{"token": token, "name": name, "profiles": profiles}
	var creds Credentials
	if _, err := c.doJSON(ctx, http.MethodPost, target, req, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// Heartbeat 上报存活与容量
func (c *Client) Heartbeat(ctx context.Context, hb Heartbeat) (*HeartbeatResponse, error) {
	target, err := c.listenerPath("heartbeat")
	if err != nil {
		return nil, err
	}
	var resp HeartbeatResponse
	if _, err := c.doJSON(ctx, http.MethodPost, target, hb, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Renew 证书轮换，返回新的身份材料
func (c *Client) Renew(ctx context.Context) (*Credentials, error) {
	target, err := c.listenerPath("renew")
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if _, err := c.doJSON(ctx, http.MethodPost, target, nil, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// ClaimNext 领取下一个 Run，没有可领取的工作返回 (nil, nil)
func (c *Client) ClaimNext(ctx context.Context, profile string) (*Claim, error) {
	target, err := c.listenerPath("runs", "next")
	if err != nil {
		return nil, err
	}
	var claim Claim
	status, err := c.doJSON(ctx, http.MethodPost, target, map[string]string{"profile": profile}, &claim)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || claim.Run == nil {
		return nil, nil
	}
	return &claim, nil
}

// Assigned 已分配给本 Listener 且未结束的 Run
func (c *Client) Assigned(ctx context.Context) ([]*model.Run, error) {
	target, err := c.listenerPath("runs")
	if err != nil {
		return nil, err
	}
	var out struct {
		Runs []*model.Run `json:"runs"`
	}
	if _, err := c.doJSON(ctx, http.MethodGet, target, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Current 读取 Run 当前状态与阶段作业
func (c *Client) Current(ctx context.Context, runID string) (*Claim, error) {
	target, err := c.listenerPath("runs", runID)
	if err != nil {
		return nil, err
	}
	var claim Claim
	if _, err := c.doJSON(ctx, http.MethodGet, target, nil, &claim); err != nil {
		return nil, gone(err)
	}
	return &claim, nil
}

// ReportPhase 上报阶段结果，返回迁移后的 Run
func (c *Client) ReportPhase(ctx context.Context, runID string, status model.RunStatus, reason string) (*model.Run, error) {
	target, err := c.listenerPath("runs", runID, "phase")
	if err != nil {
		return nil, err
	}
	var run model.Run
	body := map[string]string{"status": string(status), "reason": reason}
	if _, err := c.doJSON(ctx, http.MethodPost, target, body, &run); err != nil {
		return nil, gone(err)
	}
	return &run, nil
}

// UploadLog 流式上传阶段日志
func (c *Client) UploadLog(ctx context.Context, runID string, phase model.JobPhase, r io.Reader) error {
	target, err := c.listenerPath("runs", runID, "logs", string(phase))
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPut, target, r, "text/plain")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return gone(decodeAPIError(resp))
	}
	return nil
}

// gone 将 404 / 403 归一为 ErrRunGone
func gone(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%w: %s", ErrRunGone, apiErr.Message)
	}
	return err
}

// retryable 网络错误与服务端 5xx 可以重试
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrRunGone) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return true
}

// backoff 第 attempt 次重试前的等待，指数增长，上限 30s
func backoff(attempt int) time.Duration {
	d := time.Second << attempt
	if d <= 0 || d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}
