package utils

import "strings"

// SplitIDs parses a comma-joined id list. Blank entries are dropped.
func SplitIDs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinIDs is the inverse of SplitIDs. Duplicates are dropped, first occurrence wins.
func JoinIDs(ids []string) string {
	return strings.Join(Unique(ids), ",")
}

// Unique returns ids without duplicates or blanks, preserving order.
func Unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// CleanContainerPath turns a mount path into a volume name fragment:
// "/var/lib/mysql" becomes "var-lib-mysql".
func CleanContainerPath(path string) string {
	s := strings.ReplaceAll(path, "/", "-")
	if len(s) == 0 {
		return s
	}
	return s[1:]
}
