package manifest

import (
	"fmt"
	"sort"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"
)

// Change 记录一个指纹发生变化的路径。
type Change struct {
	Path   string `json:"path"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Delta 是两次部署之间的资源差异，各列表按路径排序。
type Delta struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Changed   []Change `json:"changed"`
	Unchanged []string `json:"unchanged"`
}

// Evicted 返回激活时会被淘汰的路径（删除或指纹变化）。
func (d Delta) Evicted() []string {
	out := make([]string, 0, len(d.Removed)+len(d.Changed))
	out = append(out, d.Removed...)
	for _, c := range d.Changed {
		out = append(out, c.Path)
	}
	sort.Strings(out)
	return out
}

// Empty 表示两份清单的资源完全一致。
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Compare 计算 prev → curr 的资源差异；prev 为 nil 时全部视为新增。
func Compare(prev, curr map[string]string) Delta {
	var d Delta
	for p, after := range curr {
		before, ok := prev[p]
		switch {
		case !ok:
			d.Added = append(d.Added, p)
		case before != after:
			d.Changed = append(d.Changed, Change{Path: p, Before: before, After: after})
		default:
			d.Unchanged = append(d.Unchanged, p)
		}
	}
	for p := range prev {
		if _, ok := curr[p]; !ok {
			d.Removed = append(d.Removed, p)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Unchanged)
	sort.Slice(d.Changed, func(i, j int) bool { return d.Changed[i].Path < d.Changed[j].Path })
	return d
}

// UnifiedDiff 以 "path fingerprint" 行渲染两份资源表，并输出 unified diff。
// 两者一致时返回空串。
func UnifiedDiff(prevName, currName string, prev, curr map[string]string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        resourceLines(prev),
		B:        resourceLines(curr),
		FromFile: prevName,
		ToFile:   currName,
		Context:  2,
	}
	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("render manifest diff: %w", err)
	}
	return out, nil
}

func resourceLines(resources map[string]string) []string {
	paths := make([]string, 0, len(resources))
	for p := range resources {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	lines := make([]string, len(paths))
	for i, p := range paths {
		var b strings.Builder
		b.WriteString(p)
		b.WriteByte(' ')
		b.WriteString(resources[p])
		b.WriteByte('\n')
		lines[i] = b.String()
	}
	return lines
}
