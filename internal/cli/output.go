package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output печатает результаты команд. Данные идут в w (таблица или JSON),
// сообщения о ходе работы идут в notes, чтобы stdout оставался пригодным
// для jq.
type Output struct {
	jsonMode bool
	w        io.Writer
	notes    io.Writer
}

func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(jsonMode, os.Stdout, os.Stderr)
}

func NewOutputTo(jsonMode bool, w, notes io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, notes: notes}
}

// Print выводит список записей. В JSON режиме печатается data целиком.
func (o *Output) Print(headers []string, rows [][]string, data any) {
	if o.jsonMode {
		o.JSON(data)
		return
	}
	o.Table(headers, rows)
}

// Table печатает выровненную таблицу с подчёркнутой шапкой.
func (o *Output) Table(headers []string, rows [][]string) {
	o.tabular(func(tw io.Writer) {
		writeRow(tw, headers)
		rule := make([]string, len(headers))
		for i, h := range headers {
			rule[i] = strings.Repeat("-", len(h))
		}
		writeRow(tw, rule)
		for _, row := range rows {
			writeRow(tw, row)
		}
	})
}

// Detail печатает одну запись парами "поле: значение", пропуская пустые.
func (o *Output) Detail(fields [][2]string, data any) {
	if o.jsonMode {
		o.JSON(data)
		return
	}
	o.tabular(func(tw io.Writer) {
		for _, f := range fields {
			if f[1] != "" {
				fmt.Fprintf(tw, "%s:\t%s\n", f[0], f[1])
			}
		}
	})
}

func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(o.notes, "encode output: %v\n", err)
	}
}

// Success печатает сообщение о принятой команде.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.notes, msg)
}

func (o *Output) tabular(fn func(tw io.Writer)) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fn(tw)
	tw.Flush()
}

func writeRow(w io.Writer, cells []string) {
	fmt.Fprintln(w, strings.Join(cells, "\t"))
}
