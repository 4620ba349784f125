// Package manifest models the deploy-time resource manifest of a packaged web
// app: logical path → content fingerprint, plus the ordered shell subset that
// must be precached before a worker counts as installed. A Manifest is never
// mutated after Load/Parse returns.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RootPath 代表站点根文档。
const RootPath = "/"

// Manifest 是一次部署的资源清单。
type Manifest struct {
	Version   string            `json:"version,omitempty"`
	Resources map[string]string `json:"resources"`
	Shell     []string          `json:"shell"`
}

// ErrInvalidManifest 表示清单内容不满足约束。
var ErrInvalidManifest = errors.New("invalid manifest")

// Validate 检查 shell 是否为资源子集、路径格式与指纹是否合法。
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: manifest is nil", ErrInvalidManifest)
	}
	if len(m.Resources) == 0 {
		return fmt.Errorf("%w: no resources", ErrInvalidManifest)
	}
	for p, fp := range m.Resources {
		if p == "" {
			return fmt.Errorf("%w: empty path", ErrInvalidManifest)
		}
		if p != RootPath && strings.HasPrefix(p, "/") {
			return fmt.Errorf("%w: path %q must be service-relative", ErrInvalidManifest, p)
		}
		if strings.TrimSpace(fp) == "" {
			return fmt.Errorf("%w: empty fingerprint for %q", ErrInvalidManifest, p)
		}
	}
	seen := make(map[string]struct{}, len(m.Shell))
	for _, p := range m.Shell {
		if _, ok := m.Resources[p]; !ok {
			return fmt.Errorf("%w: shell path %q is not a resource", ErrInvalidManifest, p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: duplicate shell path %q", ErrInvalidManifest, p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// Fingerprint 返回 path 对应的指纹。
func (m *Manifest) Fingerprint(path string) (string, bool) {
	if m == nil {
		return "", false
	}
	fp, ok := m.Resources[path]
	return fp, ok
}

// Has 判断 path 是否属于清单。
func (m *Manifest) Has(path string) bool {
	_, ok := m.Fingerprint(path)
	return ok
}

// Paths 返回排序后的全部逻辑路径。
func (m *Manifest) Paths() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.Resources))
	for p := range m.Resources {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SameContent 比较两个清单的资源与 shell 是否一致（忽略 Version 字段）。
func (m *Manifest) SameContent(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	if len(m.Resources) != len(other.Resources) || len(m.Shell) != len(other.Shell) {
		return false
	}
	for p, fp := range m.Resources {
		if other.Resources[p] != fp {
			return false
		}
	}
	for i := range m.Shell {
		if m.Shell[i] != other.Shell[i] {
			return false
		}
	}
	return true
}

// EncodeResources 生成写入 manifest-store 的持久化形式：扁平 JSON 对象。
func (m *Manifest) EncodeResources() ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: manifest is nil", ErrInvalidManifest)
	}
	return json.Marshal(m.Resources)
}

// DecodeResources 解析 manifest-store 中保存的上一版资源表。
func DecodeResources(data []byte) (map[string]string, error) {
	var resources map[string]string
	if err := json.Unmarshal(data, &resources); err != nil {
		return nil, fmt.Errorf("decode stored manifest: %w", err)
	}
	if resources == nil {
		return nil, fmt.Errorf("decode stored manifest: %w", ErrInvalidManifest)
	}
	return resources, nil
}
