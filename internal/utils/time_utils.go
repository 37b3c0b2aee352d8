package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseStringTime 解析配置中的时长字符串，支持 "10s" "20m" "48h" "2d"
// 以及 time.ParseDuration 能识别的组合格式如 "1h30m"
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, fmt.Errorf("empty time string")
	}
	if cutString, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
		}
		return time.Duration(number) * time.Hour * 24, nil
	}
	duration, err := time.ParseDuration(timeString)
	if err != nil {
		return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
	}
	return duration, nil
}

// ParseStringTimeOr 解析失败或结果不为正时返回 fallback
func ParseStringTimeOr(timeString string, fallback time.Duration) time.Duration {
	duration, err := ParseStringTime(timeString)
	if err != nil || duration <= 0 {
		return fallback
	}
	return duration
}
