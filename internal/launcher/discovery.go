package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrNoTargets     = errors.New("no debuggable targets")
	ErrNoDebuggerURL = errors.New("target has no webSocketDebuggerUrl")
)

// TargetInfo /json/list 中的一个调试目标
type TargetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// BackoffPolicy 发现端点的重试策略
type BackoffPolicy struct {
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time" mapstructure:"max_elapsed_time"`
}

// DefaultBackoffPolicy 默认重试策略
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

func (p BackoffPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsedTime
	b.Reset()
	return b
}

// Discover 轮询 baseURL 的 /json/list，直到出现带调试地址的目标
// 运行时刚启动时端点可能尚未监听，连接失败会按指数退避重试
func Discover(ctx context.Context, client *http.Client, baseURL string, policy BackoffPolicy) (*TargetInfo, error) {
	if client == nil {
		client = http.DefaultClient
	}
	listURL := strings.TrimSuffix(baseURL, "/") + "/json/list"

	var found *TargetInfo
	attempts := 0
	operation := func() error {
		attempts++
		targets, err := listTargets(ctx, client, listURL)
		if err != nil {
			return err
		}
		for i := range targets {
			if targets[i].WebSocketDebuggerURL != "" {
				found = &targets[i]
				return nil
			}
		}
		if len(targets) == 0 {
			return ErrNoTargets
		}
		return ErrNoDebuggerURL
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy.newBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("discover %s after %d attempts: %w", listURL, attempts, err)
	}
	return found, nil
}

// listTargets 请求一次 /json/list
func listTargets(ctx context.Context, client *http.Client, listURL string) ([]TargetInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var targets []TargetInfo
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("decode target list: %w", err)
	}
	return targets, nil
}
