// Package bytesutil implements the small set of byte-slice primitives the
// Stratum relay needs to rewrite single-line JSON messages without parsing
// them: substring substitution and delimiter-bounded slicing.
//
// Stratum frames are one JSON object per line, so substring slicing is
// sufficient here and avoids pulling a JSON decoder into the hot path of
// every relayed frame. Each function returns a freshly allocated slice
// independent of its input, mirroring the allocate-and-copy discipline of
// the C original (strreplace, find_target_str, find_target_str_with_pattern
// in utils.c) that this package replaces.
package bytesutil

import "bytes"

// Substitute returns a new slice equal to src with every non-overlapping,
// left-to-right occurrence of pattern replaced by replacement. pattern must
// be non-empty; behavior is undefined otherwise, matching the original's
// strreplace contract.
func Substitute(src, pattern, replacement []byte) []byte {
	return bytes.ReplaceAll(src, pattern, replacement)
}

// SliceBetween locates the first occurrence of left, then the first
// occurrence of right beginning at or after the end of that left, and
// returns the bytes strictly between them. It reports false if either
// delimiter is absent, since Stratum payloads are assumed well-formed and a
// missing delimiter means the caller classified the frame wrong.
func SliceBetween(src, left, right []byte) ([]byte, bool) {
	li := bytes.Index(src, left)
	if li < 0 {
		return nil, false
	}
	start := li + len(left)
	ri := bytes.Index(src[start:], right)
	if ri < 0 {
		return nil, false
	}
	out := make([]byte, ri)
	copy(out, src[start:start+ri])
	return out, true
}

// SliceInclusive behaves like SliceBetween but returns the span from the
// start of left through the end of right, inclusive of both delimiters.
func SliceInclusive(src, left, right []byte) ([]byte, bool) {
	li := bytes.Index(src, left)
	if li < 0 {
		return nil, false
	}
	searchFrom := li + len(left)
	ri := bytes.Index(src[searchFrom:], right)
	if ri < 0 {
		return nil, false
	}
	end := searchFrom + ri + len(right)
	out := make([]byte, end-li)
	copy(out, src[li:end])
	return out, true
}
