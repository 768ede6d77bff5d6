package pending

import (
	"encoding/csv"
	"io"
	"strconv"
)

var csvHeader = []string{
	"id", "invoice_ref", "client", "vendor", "date", "deposit",
	"check_count", "per_check_amount", "check_total", "remaining", "gross_total", "source",
}

// WriteCSV writes rows with a header line. Amounts use two fixed decimals and
// dates use YYYY-MM-DD so the file sorts and diffs cleanly.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			r.ID,
			r.InvoiceRef,
			r.Client,
			r.Vendor,
			r.Date.Format("2006-01-02"),
			r.Deposit.StringFixed(2),
			strconv.Itoa(r.CheckCount),
			r.PerCheckAmount.StringFixed(2),
			r.CheckTotal.StringFixed(2),
			r.Remaining.StringFixed(2),
			r.GrossTotal.StringFixed(2),
			r.Source,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
