package store

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// 存储内部以“叶子节点”形式保存数据：每个标量值对应一条完整路径。
// 对象值在写入时被展开为叶子，读取时再组装回嵌套 map。
// 数组会被转换为以下标为 key 的对象，空对象等同于不存在。

// Normalize 将任意可 JSON 序列化的值转换为 map[string]any / float64 / string / bool 组成的树
func Normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return prune(out), nil
}

func prune(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			if p := prune(child); p == nil {
				delete(v, k)
			} else {
				v[k] = p
			}
		}
		if len(v) == 0 {
			return nil
		}
		return v
	case []any:
		m := make(map[string]any, len(v))
		for i, child := range v {
			m[strconv.Itoa(i)] = child
		}
		return prune(m)
	default:
		return v
	}
}

// Flatten 将 path 处的值展开为 叶子路径 -> 标量
func Flatten(path string, value any) (map[string]any, error) {
	normalized, err := Normalize(value)
	if err != nil {
		return nil, err
	}
	leaves := make(map[string]any)
	if err := flattenInto(leaves, path, normalized); err != nil {
		return nil, err
	}
	return leaves, nil
}

func flattenInto(leaves map[string]any, path string, value any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]any:
		for k, child := range v {
			if !ValidKey(k) {
				return fmt.Errorf("%w: bad key %q under %q", ErrInvalidPath, k, path)
			}
			if err := flattenInto(leaves, Join(path, k), child); err != nil {
				return err
			}
		}
		return nil
	default:
		leaves[path] = v
		return nil
	}
}

// Assemble 从叶子集合中组装 root 处的值，不存在时返回 nil
func Assemble(root string, leaves map[string]any) any {
	var result map[string]any
	for path, value := range leaves {
		if !IsWithin(path, root) {
			continue
		}
		if path == root {
			return value
		}
		rel := path
		if root != "" {
			rel = path[len(root)+1:]
		}
		if result == nil {
			result = make(map[string]any)
		}
		insert(result, Split(rel), value)
	}
	if result == nil {
		return nil
	}
	return result
}

func insert(node map[string]any, segments []string, value any) {
	for i, segment := range segments {
		if i == len(segments)-1 {
			node[segment] = value
			return
		}
		next, ok := node[segment].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[segment] = next
		}
		node = next
	}
}

// ChildKeySet 返回值的直接子节点 key 集合
func ChildKeySet(value any) map[string]struct{} {
	m, ok := value.(map[string]any)
	if !ok {
		return map[string]struct{}{}
	}
	keys := make(map[string]struct{}, len(m))
	for k := range m {
		keys[k] = struct{}{}
	}
	return keys
}
