// Package shellquote quotes strings for POSIX shells, so that remote commands
// that embed user-provided paths survive the instance's /bin/sh intact.
package shellquote

import (
	"regexp"
	"strings"
)

var escape = regexp.MustCompile(`[^\w!%+,\-./:=@^]`)

// Quote returns arg as a single shell word. Strings without special
// characters come back unchanged; anything else is single-quoted, with
// embedded single quotes escaped and the segments between them quoted one
// by one.
func Quote(arg string) string {
	if arg == "" {
		return `''`
	}
	if !escape.MatchString(arg) {
		return arg
	}

	b := strings.Builder{}
	qp := strings.IndexByte(arg, '\'')
	if qp < 0 {
		b.WriteByte('\'')
		b.WriteString(arg)
		b.WriteByte('\'')
	} else {
		for {
			if qp > 0 {
				// the run before the quote character
				b.WriteString(Quote(arg[:qp]))
			}
			b.WriteString(`\'`)
			qp++
			if qp >= len(arg) {
				break
			}
			arg = arg[qp:]
			if qp = strings.IndexByte(arg, '\''); qp < 0 {
				if len(arg) > 0 {
					b.WriteString(Quote(arg))
				}
				break
			}
		}
	}
	return b.String()
}

// ShellString returns a string that can be used as a shell command line, quoting
// the executable and each argument as needed.
func ShellString(exe string, args []string) string {
	b := strings.Builder{}
	b.WriteString(Quote(exe))
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(Quote(a))
	}
	return b.String()
}

// ShellArgsString is like ShellString but for an argument list without an executable.
func ShellArgsString(args []string) string {
	b := strings.Builder{}
	for i, a := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(Quote(a))
	}
	return b.String()
}
