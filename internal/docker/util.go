package docker

import "strings"

func truncateID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

// truncateTail 保留 s 的最后 maxLen 个字节。
func truncateTail(s string, maxLen int) (string, bool) {
	if maxLen <= 0 {
		return "", s != ""
	}
	if len(s) <= maxLen {
		return s, false
	}
	return "...(truncated)...\n" + s[len(s)-maxLen:], true
}

// 环境变量名中包含这些片段时隐藏取值
var secretMarkers = []string{"PASSWORD", "SECRET", "TOKEN", "KEY", "CREDENTIAL"}

func redactEnv(env []string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, found := strings.Cut(kv, "=")
		upper := strings.ToUpper(name)
		for _, m := range secretMarkers {
			if found && strings.Contains(upper, m) {
				kv = name + "=***"
				break
			}
		}
		out = append(out, kv)
	}
	return out
}
