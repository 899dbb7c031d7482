// Package fetcher 实现单个直播间的上游协议客户端
package fetcher

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/qiminjie89/dmrelay/internal/protocol"
)

// Signer 签名能力。签名算法由平台控制且频繁变动，
// 对本系统是黑盒，只定义注入点
type Signer interface {
	Sign(digest string) (string, error)
}

// SignerFunc 函数适配器
type SignerFunc func(digest string) (string, error)

// Sign 实现 Signer
func (f SignerFunc) Sign(digest string) (string, error) {
	return f(digest)
}

// HTTPSigner 调用外部签名服务取签名
type HTTPSigner struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSigner 创建 HTTPSigner
func NewHTTPSigner(endpoint string) *HTTPSigner {
	return &HTTPSigner{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Sign 请求签名服务，digest 为规范化签名串的 md5 摘要
func (s *HTTPSigner) Sign(digest string) (string, error) {
	resp, err := s.client.Get(s.endpoint + "?digest=" + url.QueryEscape(digest))
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrSignature, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: sign server status %d", protocol.ErrSignature, resp.StatusCode)
	}

	var result struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrSignature, err)
	}
	if result.Signature == "" {
		return "", fmt.Errorf("%w: empty signature", protocol.ErrSignature)
	}
	return result.Signature, nil
}
