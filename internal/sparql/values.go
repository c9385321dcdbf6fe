package sparql

import "strings"

// IRIList renders IRIs as angle-bracketed terms for a VALUES block.
func IRIList(iris []string) string {
	terms := make([]string, len(iris))
	for i, iri := range iris {
		terms[i] = "<" + iri + ">"
	}
	return strings.Join(terms, " ")
}

// Quote renders a plain literal term, escaping backslashes and quotes.
func Quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// TupleList renders rows of already-rendered terms as parenthesised VALUES
// tuples, one per row.
func TupleList(rows [][]string) string {
	tuples := make([]string, len(rows))
	for i, row := range rows {
		tuples[i] = "(" + strings.Join(row, " ") + ")"
	}
	return strings.Join(tuples, "\n")
}

// ChunkStrings splits items into consecutive chunks of at most size
// elements. The final chunk may be shorter; an empty input yields no chunks.
func ChunkStrings(items []string, size int) [][]string {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
