package manifest

import "strings"

// LogicalPath 把缓存 key（绝对 URL）还原为清单中的逻辑路径：去掉 origin 及其后的
// "/"，空串视为根路径。不属于 origin 的 URL 原样返回，自然不会命中清单。
func LogicalPath(origin, rawURL string) string {
	if !strings.HasPrefix(rawURL, origin) {
		return rawURL
	}
	key := strings.TrimPrefix(rawURL[len(origin):], "/")
	if key == "" {
		return RootPath
	}
	return key
}

// RequestURL 是 LogicalPath 的逆操作，用于构造预缓存请求。
func RequestURL(origin, path string) string {
	if path == RootPath || path == "" {
		return origin + "/"
	}
	return origin + "/" + strings.TrimPrefix(path, "/")
}
