package sftpops

import "strings"

// Remote paths always use a single forward-slash separator, whatever the
// local operating system uses. Input may mix '/' and '\'.

// NormalizePath converts every separator to '/' and collapses runs of
// separators. It does not resolve "." or "..".
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// CompactPath normalizes p and resolves "." and ".." segments. A leading
// separator is preserved, a trailing one is dropped, and ".." never climbs
// above the root. Leading ".." segments of a relative path are kept.
func CompactPath(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	absolute := HasLeadingSeparator(p)

	var stack []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 && stack[len(stack)-1] != ".." {
				stack = stack[:len(stack)-1]
			} else if !absolute {
				stack = append(stack, "..")
			}
		default:
			stack = append(stack, seg)
		}
	}

	joined := strings.Join(stack, "/")
	if absolute {
		return "/" + joined
	}
	return joined
}

// HasLeadingSeparator reports whether p starts with '/' or '\'.
func HasLeadingSeparator(p string) bool {
	return strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\")
}

// StripLeadingSeparator removes every leading separator.
func StripLeadingSeparator(p string) string {
	return strings.TrimLeft(p, "/\\")
}

// StripTrailingSeparator removes trailing separators, keeping a bare root.
func StripTrailingSeparator(p string) string {
	trimmed := strings.TrimRight(p, "/\\")
	if trimmed == "" && HasLeadingSeparator(p) {
		return "/"
	}
	return trimmed
}

// OnlyPath returns the directory part of name, or "" when name has none.
// The parent of "/x" is "/".
func OnlyPath(name string) string {
	name = StripTrailingSeparator(NormalizePath(name))
	idx := strings.LastIndex(name, "/")
	switch {
	case idx < 0:
		return ""
	case idx == 0:
		if name == "/" {
			return ""
		}
		return "/"
	default:
		return name[:idx]
	}
}

// StripPath returns the last segment of name.
func StripPath(name string) string {
	name = StripTrailingSeparator(NormalizePath(name))
	if name == "/" {
		return ""
	}
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// SplitSegments splits p on either separator, dropping empty and "." segments.
func SplitSegments(p string) []string {
	var segs []string
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == "." {
			continue
		}
		segs = append(segs, seg)
	}
	return segs
}

// JoinPath joins remote path elements with '/' and compacts the result.
func JoinPath(elem ...string) string {
	var parts []string
	for _, e := range elem {
		if e != "" {
			parts = append(parts, e)
		}
	}
	return CompactPath(strings.Join(parts, "/"))
}

// RelativePath returns name relative to root. When name lies outside root,
// only its base name is returned so callers never escape a local work area.
func RelativePath(root, name string) string {
	name = CompactPath(name)
	root = CompactPath(root)

	rel := name
	switch {
	case root == "" || root == "/":
		rel = StripLeadingSeparator(name)
	case name == root:
		rel = StripPath(name)
	case strings.HasPrefix(name, root+"/"):
		rel = name[len(root)+1:]
	case HasLeadingSeparator(name):
		rel = StripPath(name)
	}

	if rel == "" || rel == ".." || strings.HasPrefix(rel, "../") {
		return StripPath(name)
	}
	return rel
}
