package partition

import (
	"fmt"
	"strings"
)

// Role 是分区的逻辑角色。
type Role string

const (
	// RoleStatic 存放 cache-first 的静态资源。
	RoleStatic Role = "static"
	// RoleDynamic 存放 network-first 的动态内容。
	RoleDynamic Role = "dynamic"
)

// Roles 按固定顺序列出全部角色。
var Roles = []Role{RoleStatic, RoleDynamic}

// Names 是某个版本下两个角色对应的分区名称。
type Names struct {
	Static  string `json:"static"`
	Dynamic string `json:"dynamic"`
}

// For 返回角色对应的分区名称。
func (n Names) For(role Role) string {
	switch role {
	case RoleStatic:
		return n.Static
	case RoleDynamic:
		return n.Dynamic
	default:
		return ""
	}
}

// Contains 判断 name 是否是当前版本的分区之一。
func (n Names) Contains(name string) bool {
	return name == n.Static || name == n.Dynamic
}

// NormalizeVersion 去掉首尾空白与前导 v/V，使 "v1.0.0" 与 "1.0.0" 等价。
func NormalizeVersion(version string) string {
	version = strings.TrimSpace(version)
	if len(version) > 1 && (version[0] == 'v' || version[0] == 'V') {
		return version[1:]
	}
	return version
}

// NameFor 按 "<role>-v<version>" 生成分区名，prefix 非空时追加 "<prefix>-" 前缀。
func NameFor(prefix string, role Role, version string) string {
	name := fmt.Sprintf("%s-v%s", role, NormalizeVersion(version))
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		return prefix + "-" + name
	}
	return name
}

// NamesFor 生成某个版本的全部分区名。
func NamesFor(prefix, version string) Names {
	return Names{
		Static:  NameFor(prefix, RoleStatic, version),
		Dynamic: NameFor(prefix, RoleDynamic, version),
	}
}

// owned 判断分区是否归属于该前缀；未配置前缀时 store 内所有分区都归 worker 管理。
func owned(prefix, name string) bool {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(name, prefix+"-")
}
