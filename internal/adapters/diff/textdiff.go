// Package diff renders an optional textual hunk preview for a promote
// conflict's colliding path, for human/orchestrator review only. Conflict
// resolution itself stays strictly path-level; nothing here feeds back into
// the repository core's decision of whether a conflict exists.
package diff

import (
	"bytes"
	"unicode/utf8"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// MaxPreviewSize bounds how large either side of a conflicting path may be
// before Preview refuses to compute a hunk (previews are for quick human
// review, not a general-purpose diff engine).
const MaxPreviewSize = 256 * 1024

// Preview renders a unified-diff hunk between oldContent and newContent for
// path, or ("", false, nil) when either side isn't valid UTF-8 text or
// exceeds MaxPreviewSize.
func Preview(path string, oldContent, newContent []byte) (string, bool, error) {
	if len(oldContent) > MaxPreviewSize || len(newContent) > MaxPreviewSize {
		return "", false, nil
	}
	if !utf8.Valid(oldContent) || !utf8.Valid(newContent) {
		return "", false, nil
	}

	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)
	hunks := computeHunks(oldLines, newLines)
	if len(hunks) == 0 {
		return "", false, nil
	}

	fileDiff := &godiff.FileDiff{
		OrigName: "a/" + path,
		NewName:  "b/" + path,
		Hunks:    hunks,
	}
	rendered, err := godiff.PrintFileDiff(fileDiff)
	if err != nil {
		return "", false, err
	}
	return string(rendered), true, nil
}

func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	lines := bytes.Split(content, []byte("\n"))
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out
}

// computeHunks builds a single unified hunk covering the whole file via a
// classic longest-common-subsequence backtrace. Previews are bounded by
// MaxPreviewSize, so the O(n*m) table stays small.
func computeHunks(oldLines, newLines []string) []*godiff.Hunk {
	n, m := len(oldLines), len(newLines)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if oldLines[i] == newLines[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var body bytes.Buffer
	added, removed := 0, 0
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case oldLines[i] == newLines[j]:
			body.WriteString(" ")
			body.WriteString(oldLines[i])
			body.WriteString("\n")
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			body.WriteString("-")
			body.WriteString(oldLines[i])
			body.WriteString("\n")
			removed++
			i++
		default:
			body.WriteString("+")
			body.WriteString(newLines[j])
			body.WriteString("\n")
			added++
			j++
		}
	}
	for ; i < n; i++ {
		body.WriteString("-")
		body.WriteString(oldLines[i])
		body.WriteString("\n")
		removed++
	}
	for ; j < m; j++ {
		body.WriteString("+")
		body.WriteString(newLines[j])
		body.WriteString("\n")
		added++
	}
	if added == 0 && removed == 0 {
		return nil
	}
	return []*godiff.Hunk{{
		OrigStartLine: 1,
		OrigLines:     int32(n),
		NewStartLine:  1,
		NewLines:      int32(n - removed + added),
		Body:          body.Bytes(),
	}}
}
