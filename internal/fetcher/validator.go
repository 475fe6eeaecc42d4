package fetcher

import (
	"errors"
	"net"
	"net/url"
)

// IsValidImageURL checks if a provider-returned URL is safe to download.
// Literal private, loopback and link-local addresses are rejected unless
// allowPrivate is set (local development and tests).
func IsValidImageURL(urlStr string, allowPrivate bool) error {
	u, err := url.Parse(urlStr)
	if err != nil {
		return errors.New("無効なURL形式です")
	}

	// スキームチェック (HTTP/HTTPSのみ許可)
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("許可されていないスキームです (http/httpsのみ許可)")
	}

	host := u.Hostname()
	if host == "" {
		return errors.New("ホスト名がありません")
	}

	if allowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return errors.New("プライベートアドレスへのアクセスは許可されていません")
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
