// Package bpath canonicalizes filesystem paths: it resolves "." and ".."
// components and collapses repeated slashes, the way package fd's
// Cwd_t.Canonicalpath needs in order to hand the inode layer a path with
// no relative components left in it. The teacher referenced this exact
// package from fd.go but its source was not present in the retrieved
// tree, so this is written fresh, grounded in fd.go's call site and
// package ustr's path-component helpers.
package bpath

import "rvkernel/ustr"

// Canonicalize resolves p (assumed absolute, i.e. p.IsAbsolute()) into a
// path containing no "." or ".." components and no repeated slashes.
// It does not consult the filesystem: a ".." past the root simply stays
// at the root, matching most Unix path-canonicalization libraries.
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	comps := split(p)
	out := make([]ustr.Ustr, 0, len(comps))
	for _, c := range comps {
		switch {
		case len(c) == 0:
			continue
		case c.Isdot():
			continue
		case c.Isdotdot():
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, c)
		}
	}
	ret := ustr.MkUstrRoot()
	for i, c := range out {
		if i == 0 {
			ret = append(ustr.Ustr{}, c...)
			ret = append(ustr.Ustr{'/'}, ret...)
		} else {
			ret = ret.Extend(c)
		}
	}
	if len(out) == 0 {
		ret = ustr.MkUstrRoot()
	}
	return ret
}

// split breaks p on '/' into its components, dropping empty components
// produced by leading/repeated/trailing slashes.
func split(p ustr.Ustr) []ustr.Ustr {
	var comps []ustr.Ustr
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				comps = append(comps, p[start:i])
			}
			start = i + 1
		}
	}
	return comps
}
