package bulk

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/rows"
)

// StatusColumn is appended to every export.
const StatusColumn = "status"

// Exporter writes rows in the import format plus a trailing status
// column: UTF-8 with BOM, every value double-quoted.
type Exporter struct {
	op operation.Operation
}

func NewExporter(op operation.Operation) *Exporter {
	return &Exporter{op: op}
}

func (e *Exporter) Write(w io.Writer, columns []string, batch []rows.Row) error {
	if len(columns) == 0 {
		columns = e.op.RequiredHeaders
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(bom); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}

	header := append(append([]string(nil), columns...), StatusColumn)
	writeRecord(bw, header)
	for _, r := range batch {
		record := make([]string, 0, len(header))
		for _, col := range columns {
			record = append(record, e.value(r, col))
		}
		record = append(record, r.StatusLabel())
		writeRecord(bw, record)
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

func (e *Exporter) value(r rows.Row, col string) string {
	switch {
	case col == e.op.AccountField:
		return r.Identity.AccountID
	case col == e.op.AliasField:
		return r.CredentialAlias
	case e.op.DirectionField != "" && col == e.op.DirectionField:
		return string(r.Identity.Direction)
	case e.op.SecondaryField != "" && col == e.op.SecondaryField:
		sep := e.op.SecondarySeparator
		if sep == "" {
			sep = ", "
		}
		return strings.Join(r.Identity.Secondary, sep)
	case e.op.IsNested(col):
		if l, ok := r.Payload.Nested[col]; ok {
			return l.String()
		}
		return ""
	}
	return r.Payload.Fields[col]
}

func writeRecord(w *bufio.Writer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			w.WriteByte(',')
		}
		w.WriteByte('"')
		w.WriteString(strings.ReplaceAll(f, `"`, `""`))
		w.WriteByte('"')
	}
	w.WriteString("\r\n")
}
