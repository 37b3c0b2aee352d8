// Package subscription 按路径层级索引的订阅树
package subscription

import (
	"slices"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store"
)

// treeNode 订阅树节点
type treeNode struct {
	level    string
	parent   *treeNode
	children map[string]*treeNode // key=子层级名称
	// 终端订阅者（监听路径恰好是当前节点）
	terminals []uint64
}

func newNode(level string, parent *treeNode) *treeNode {
	return &treeNode{level: level, parent: parent, children: map[string]*treeNode{}}
}

// Tree 订阅树，不是并发安全的，由调用方加锁
type Tree struct {
	root *treeNode
	size int
}

func NewTree() *Tree {
	return &Tree{root: newNode("", nil)}
}

func (t *Tree) Len() int {
	return t.size
}

func (t *Tree) Insert(path string, id uint64) {
	current := t.root
	for _, level := range store.Split(path) {
		child, ok := current.children[level]
		if !ok {
			child = newNode(level, current)
			current.children[level] = child
		}
		current = child
	}
	if !slices.Contains(current.terminals, id) {
		current.terminals = append(current.terminals, id)
		t.size++
	}
}

// Delete 删除订阅，并回收不再有订阅的空节点
func (t *Tree) Delete(path string, id uint64) bool {
	node := t.find(path)
	if node == nil {
		return false
	}
	before := len(node.terminals)
	node.terminals = slices.DeleteFunc(node.terminals, func(sub uint64) bool {
		return sub == id
	})
	if len(node.terminals) == before {
		return false
	}
	t.size--

	for node != t.root && len(node.terminals) == 0 && len(node.children) == 0 {
		delete(node.parent.children, node.level)
		node = node.parent
	}
	return true
}

func (t *Tree) find(path string) *treeNode {
	current := t.root
	for _, level := range store.Split(path) {
		child, ok := current.children[level]
		if !ok {
			return nil
		}
		current = child
	}
	return current
}

// Match 返回监听路径与 changed 处于同一条祖先链上的订阅，按 id 升序
// 即 changed 的祖先、changed 本身以及 changed 的所有后代
func (t *Tree) Match(changed string) []uint64 {
	var results []uint64

	// 1. 沿路径向下，收集祖先节点上的订阅
	current := t.root
	for _, level := range store.Split(changed) {
		results = append(results, current.terminals...)
		child, ok := current.children[level]
		if !ok {
			current = nil
			break
		}
		current = child
	}

	// 2. 收集 changed 子树中的全部订阅
	if current != nil {
		queue := []*treeNode{current}
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			results = append(results, node.terminals...)
			for _, child := range node.children {
				queue = append(queue, child)
			}
		}
	}

	slices.Sort(results)
	return slices.Compact(results)
}
