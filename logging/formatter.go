package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// ColoredFormatter renders "time LEVEL message key=value ..." lines.
type ColoredFormatter struct {
	TimestampFormat string
	DisableColors   bool
}

func NewColoredFormatter(disableColors bool) *ColoredFormatter {
	return &ColoredFormatter{
		TimestampFormat: time.RFC3339,
		DisableColors:   disableColors,
	}
}

func (f *ColoredFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sortFields(keys)

	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	levelColor := f.paint(levelAttrs(entry.Level)...)
	timeColor := f.paint(color.FgYellow)
	keyColor := f.paint(color.FgCyan)
	importantColor := f.paint(color.FgGreen)

	b.WriteString(timeColor.Sprint(entry.Time.Format(f.TimestampFormat)))
	b.WriteByte(' ')
	b.WriteString(levelColor.Sprintf("%-7s", strings.ToUpper(entry.Level.String())))
	b.WriteByte(' ')
	b.WriteString(levelColor.Sprint(entry.Message))

	for _, k := range keys {
		kc := keyColor
		if isImportantField(k) {
			kc = importantColor
		}
		b.WriteByte(' ')
		b.WriteString(kc.Sprintf("%s=", k))
		b.WriteString(formatValue(entry.Data[k]))
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *ColoredFormatter) paint(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if f.DisableColors {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c
}

func formatValue(v interface{}) string {
	switch v := v.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case error:
		return fmt.Sprintf("%q", v.Error())
	case fmt.Stringer:
		return fmt.Sprintf("%q", v.String())
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func levelAttrs(level logrus.Level) []color.Attribute {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return []color.Attribute{color.FgBlue}
	case logrus.InfoLevel:
		return []color.Attribute{color.FgGreen}
	case logrus.WarnLevel:
		return []color.Attribute{color.FgYellow}
	case logrus.ErrorLevel:
		return []color.Attribute{color.FgRed}
	default:
		return []color.Attribute{color.FgRed, color.Bold}
	}
}

var priorityFields = map[string]int{
	"run_id": 1,
	"page":   2,
	"job_id": 3,
	"error":  4,
}

func isImportantField(field string) bool {
	_, ok := priorityFields[field]
	return ok
}

func sortFields(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := priorityFields[keys[i]], priorityFields[keys[j]]
		if pi != 0 && pj != 0 {
			return pi < pj
		}
		if pi != 0 {
			return true
		}
		if pj != 0 {
			return false
		}
		return keys[i] < keys[j]
	})
}
