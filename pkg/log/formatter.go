package log

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const thisModule = "github.com/vmountio/vmount"

// Formatter formats log messages for vmount.
type Formatter struct {
	timestampFormat string
}

func NewFormatter(timestampFormat string) *Formatter {
	return &Formatter{timestampFormat: timestampFormat}
}

// Format implements logrus.Formatter. The goroutine name that dlog tracks in
// the THREAD field is printed between the level and the message rather than
// with the other fields.
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	b.WriteString(entry.Time.Format(f.timestampFormat))
	fmt.Fprintf(b, " %-7s", entry.Level)
	if goroutine, _ := entry.Data["THREAD"].(string); goroutine != "" {
		fmt.Fprintf(b, " %s :", strings.TrimPrefix(goroutine, "/"))
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		if key != "THREAD" {
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		b.WriteString(" :")
		for _, key := range keys {
			fmt.Fprintf(b, " %s=%q", key, fmt.Sprintf("%+v", entry.Data[key]))
		}
	}

	if entry.HasCaller() && strings.HasPrefix(entry.Caller.File, thisModule+"/") {
		fmt.Fprintf(b, " (from %s:%d)", strings.TrimPrefix(entry.Caller.File, thisModule+"/"), entry.Caller.Line)
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}
