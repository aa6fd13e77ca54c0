package model

import (
	"fmt"
	"strings"
)

// Platform 表示外部点评平台来源。
type Platform string

const (
	PlatformGoogle      Platform = "google"
	PlatformFacebook    Platform = "facebook"
	PlatformTripAdvisor Platform = "tripadvisor"
	PlatformBooking     Platform = "booking"
)

// AllPlatforms 返回受支持的平台列表，顺序固定。
func AllPlatforms() []Platform {
	return []Platform{PlatformGoogle, PlatformFacebook, PlatformTripAdvisor, PlatformBooking}
}

// ParsePlatform 解析平台标识，大小写不敏感。
func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllPlatforms() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", raw)
}
