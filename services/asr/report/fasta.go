// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"bufio"
	"fmt"
	"io"
)

// lineWidth wraps sequence lines the way most aligners emit them.
const lineWidth = 60

// WriteFASTA writes one entry per ancestor. With alt set the AltAll
// sequence is written instead of the ML sequence.
//
// Headers look like ">n3 pp=0.942 event=duplication alt=2".
func WriteFASTA(w io.Writer, ancestors []Ancestor, alt bool) error {
	bw := bufio.NewWriter(w)
	for _, a := range ancestors {
		seq := a.Sequence
		if alt {
			seq = a.AltAll
		}
		fmt.Fprintf(bw, ">%s pp=%.3f", a.Node, a.MeanPP)
		if a.Event != "" {
			fmt.Fprintf(bw, " event=%s", a.Event)
		}
		fmt.Fprintf(bw, " alt=%d\n", a.Ambiguous)
		for len(seq) > lineWidth {
			bw.WriteString(seq[:lineWidth])
			bw.WriteByte('\n')
			seq = seq[lineWidth:]
		}
		bw.WriteString(seq)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
