// Package diff computes line-level differences between two versions of an
// entry's text. It is pure and deterministic: no I/O, no clocks.
//
// The output is an ordered sequence of chunks tagging runs of lines as
// unchanged ("same"), inserted ("add"), or removed ("rem"), preserving input
// order so the full transformation can be reconstructed. Distance counts the
// differing lines (added plus removed).
package diff

import "strings"

// Type tags a chunk of diff output.
type Type string

const (
	// Same marks lines present in both inputs.
	Same Type = "same"
	// Add marks lines present only in the new text.
	Add Type = "add"
	// Rem marks lines present only in the old text.
	Rem Type = "rem"
)

// Valid reports whether t is one of the three legal diff types.
func (t Type) Valid() bool {
	return t == Same || t == Add || t == Rem
}

// Chunk is a run of consecutive lines sharing one diff type. Text joins the
// lines with "\n".
type Chunk struct {
	Type Type
	Text string
}

// Changeset is the result of diffing two texts at line granularity.
type Changeset struct {
	// Distance is the number of differing lines (added + removed).
	Distance int
	// Chunks lists the diff in input order.
	Chunks []Chunk
}

// HasRemoval reports whether any line was removed. Pure additions are not
// treated as conflicts by callers.
func (c Changeset) HasRemoval() bool {
	for _, chunk := range c.Chunks {
		if chunk.Type == Rem {
			return true
		}
	}
	return false
}

// Diff compares old and new text line by line (split on "\n") and returns
// the distance together with the ordered chunks. Within a replaced region,
// removed lines precede added lines.
func Diff(oldText, newText string) Changeset {
	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")

	type op struct {
		typ  Type
		line string
	}

	// LCS length table: lcs[i][j] is the longest common subsequence of
	// oldLines[i:] and newLines[j:].
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

	var ops []op
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case oldLines[i] == newLines[j]:
			ops = append(ops, op{Same, oldLines[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, op{Rem, oldLines[i]})
			i++
		default:
			ops = append(ops, op{Add, newLines[j]})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, op{Rem, oldLines[i]})
	}
	for ; j < m; j++ {
		ops = append(ops, op{Add, newLines[j]})
	}

	var cs Changeset
	for _, o := range ops {
		if o.typ != Same {
			cs.Distance++
		}
		if k := len(cs.Chunks); k > 0 && cs.Chunks[k-1].Type == o.typ {
			cs.Chunks[k-1].Text += "\n" + o.line
			continue
		}
		cs.Chunks = append(cs.Chunks, Chunk{Type: o.typ, Text: o.line})
	}
	return cs
}
