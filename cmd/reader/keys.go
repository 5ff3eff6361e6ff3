package main

import (
	"bufio"
	"io"
)

const (
	ctrlC  = 0x03
	ctrlD  = 0x04
	escape = 0x1b
)

// readKeys turns raw terminal bytes into wedge key names. Escape sequences
// (arrow and function keys) are swallowed whole. Ctrl-C and Ctrl-D call
// interrupt and end the stream.
func readKeys(r io.Reader, interrupt func()) <-chan string {
	keys := make(chan string)
	go func() {
		defer close(keys)
		br := bufio.NewReader(r)
		inEscape, inCSI := false, false
		for {
			ru, _, err := br.ReadRune()
			if err != nil {
				return
			}
			switch {
			case inCSI:
				// CSI ends at a final byte in 0x40-0x7e.
				if ru >= 0x40 && ru <= 0x7e {
					inEscape, inCSI = false, false
				}
				continue
			case inEscape:
				if ru == '[' || ru == 'O' {
					inCSI = true
					continue
				}
				inEscape = false
				continue
			}
			switch ru {
			case ctrlC, ctrlD:
				if interrupt != nil {
					interrupt()
				}
				return
			case escape:
				inEscape = true
				continue
			}
			keys <- string(ru)
		}
	}()
	return keys
}
