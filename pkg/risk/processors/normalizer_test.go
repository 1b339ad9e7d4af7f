package processors

import (
	"context"
	"slices"
	"testing"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
)

const sampleText = `Transaction ID: TXN-2023-5A9B
Date: 2023-08-15 14:22:00
Sender:
 Name: "Global Horizons Consulting LLC"
 Account: IBAN CH56 0483 5012 3456 7800 9 (Swiss bank)
 Address: Rue du Marché 17, Geneva, Switzerland
Receiver:
 Name: "Bright Future Nonprofit Inc"
 Account: 987654321 (Cayman National Bank, KY)
 Address: P.O. Box 1234, George Town, Cayman Islands
Amount: $49,850.00 (USD)
Additional Notes:
 Urgent consulting fees for project "X"
 linked via intermediary

Transaction ID: TXN-2023-5A9C
Sender:
 Name: Acme Corp
Receiver:
 Name: John Smith
Amount: 1,000 (EUR)
`

func newJob(format risk.Format) *risk.FileJob {
	return &risk.FileJob{ID: "job-1", Format: format}
}

func collect(b *Batch) []*risk.TransactionRecord {
	return slices.Collect(b.Records())
}

func TestNormalizeText(t *testing.T) {
	n := NewNormalizer(nil)

	batch, err := n.Normalize(context.Background(), newJob(risk.FormatTXT), []byte(sampleText))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	recs := collect(batch)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}

	first := recs[0]
	if first.SourceID != "TXN-2023-5A9B" {
		t.Errorf("source id = %q", first.SourceID)
	}
	if first.Sender.Name != "Global Horizons Consulting LLC" {
		t.Errorf("sender name = %q", first.Sender.Name)
	}
	if first.Receiver.Address != "P.O. Box 1234, George Town, Cayman Islands" {
		t.Errorf("receiver address = %q", first.Receiver.Address)
	}
	if first.Amount.String() != "49850" || first.Currency != "USD" {
		t.Errorf("amount = %s %s", first.Amount, first.Currency)
	}
	if first.Notes == "" {
		t.Error("expected notes to be captured")
	}
	if first.Status != risk.StatusPending {
		t.Errorf("status = %s", first.Status)
	}

	if recs[1].Currency != "EUR" || recs[1].Receiver.Name != "John Smith" {
		t.Errorf("second record = %+v", recs[1])
	}
}

func TestNormalizeCSV(t *testing.T) {
	data := "Transaction ID,Sender,Receiver,Amount,Currency,Notes\n" +
		"T1,Acme Corp,John Smith,50000,USD,invoice\n" +
		",,,,,\n" +
		"T3,Beta Ltd,Jane Roe,not-a-number,USD,\n" +
		"T4,Gamma Inc,Zed Co,10,EUR,ok\n"

	n := NewNormalizer(nil)
	batch, err := n.Normalize(context.Background(), newJob(risk.FormatCSV), []byte(data))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	recs := collect(batch)
	if len(recs) != 2 {
		t.Fatalf("expected 2 usable records, got %d", len(recs))
	}
	if batch.Warnings() != 1 {
		t.Errorf("warnings = %d, want 1 (blank row is ignored, bad amount is counted)", batch.Warnings())
	}
	if recs[0].Sender.Name != "Acme Corp" || recs[0].Receiver.Name != "John Smith" {
		t.Errorf("parties = %+v / %+v", recs[0].Sender, recs[0].Receiver)
	}

	t.Run("Given the same batch When iterated twice Then records are identical", func(t *testing.T) {
		again := collect(batch)
		if len(again) != len(recs) || again[0].ID != recs[0].ID || again[1].ID != recs[1].ID {
			t.Error("second pass differs from the first")
		}
	})
}

func TestNormalizeJSON(t *testing.T) {
	data := `{"transactions":[
		{"transaction_id":"J1","sender":{"name":"Acme Corp","address":"1 Main St, Panama"},"receiver":{"name":"Jane Roe"},"amount":"$1,200.50","currency":"usd"},
		42,
		{"id":"J3","description":"Payment via Oceanic Holdings"}
	]}`

	n := NewNormalizer(nil)
	batch, err := n.Normalize(context.Background(), newJob(risk.FormatJSON), []byte(data))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	recs := collect(batch)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if batch.Warnings() != 1 {
		t.Errorf("warnings = %d", batch.Warnings())
	}
	if recs[0].Sender.Address != "1 Main St, Panama" || recs[0].Currency != "USD" {
		t.Errorf("record = %+v", recs[0])
	}
	if recs[1].Notes != "Payment via Oceanic Holdings" {
		t.Errorf("notes = %q", recs[1].Notes)
	}
}

func TestNormalizeXML(t *testing.T) {
	data := `<export><transactions>
		<transaction id="X1"><sender><name>Acme Corp</name></sender><receiver><name>Jane Roe</name></receiver><amount>10</amount></transaction>
		<transaction id="X2"><sender><name>Beta Ltd</name></sender><notes>routine</notes></transaction>
	</transactions></export>`

	n := NewNormalizer(nil)
	batch, err := n.Normalize(context.Background(), newJob(risk.FormatXML), []byte(data))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	recs := collect(batch)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].SourceID != "X1" || recs[0].Sender.Name != "Acme Corp" {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestNormalizeHTML(t *testing.T) {
	data := `<html><body><table>
		<tr><th>Transaction ID</th><th>Sender</th><th>Receiver</th><th>Amount</th></tr>
		<tr><td>H1</td><td>Acme Corp</td><td>Jane Roe</td><td>5</td></tr>
	</table></body></html>`

	n := NewNormalizer(nil)
	batch, err := n.Normalize(context.Background(), newJob(risk.FormatHTML), []byte(data))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	recs := collect(batch)
	if len(recs) != 1 || recs[0].Receiver.Name != "Jane Roe" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestNormalizeErrors(t *testing.T) {
	n := NewNormalizer(nil)

	t.Run("Given an unknown format When normalizing Then UnsupportedFormatError", func(t *testing.T) {
		_, err := n.Normalize(context.Background(), newJob(risk.Format("DOCX")), []byte("x"))
		var ufe *risk.UnsupportedFormatError
		if !errors.As(err, &ufe) {
			t.Fatalf("expected UnsupportedFormatError, got %v", err)
		}
	})

	t.Run("Given broken JSON When normalizing Then MalformedDocumentError and no batch", func(t *testing.T) {
		batch, err := n.Normalize(context.Background(), newJob(risk.FormatJSON), []byte(`[{"a":`))
		var mde *risk.MalformedDocumentError
		if !errors.As(err, &mde) {
			t.Fatalf("expected MalformedDocumentError, got %v", err)
		}
		if batch != nil {
			t.Error("no batch may be returned for a malformed document")
		}
	})

	t.Run("Given an unbalanced quote in CSV When normalizing Then MalformedDocumentError", func(t *testing.T) {
		_, err := n.Normalize(context.Background(), newJob(risk.FormatCSV), []byte("a,b\n\"x,y\n"))
		var mde *risk.MalformedDocumentError
		if !errors.As(err, &mde) {
			t.Fatalf("expected MalformedDocumentError, got %v", err)
		}
	})

	t.Run("Given bytes that are not a PDF When normalizing Then MalformedDocumentError", func(t *testing.T) {
		_, err := n.Normalize(context.Background(), newJob(risk.FormatPDF), []byte("plain text"))
		var mde *risk.MalformedDocumentError
		if !errors.As(err, &mde) {
			t.Fatalf("expected MalformedDocumentError, got %v", err)
		}
	})
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in       string
		value    string
		currency string
		wantErr  bool
	}{
		{"$250,000.00 (USD)", "250000", "USD", false},
		{"EUR 1200", "1200", "EUR", false},
		{"42", "42", "", false},
		{"1,000,000 GBP", "1000000", "GBP", false},
		{"lots", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, cur, err := ParseAmount(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.String() != tt.value || cur != tt.currency {
				t.Errorf("ParseAmount(%q) = %s %q, want %s %q", tt.in, v, cur, tt.value, tt.currency)
			}
		})
	}
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		declared, file string
		want           risk.Format
	}{
		{"", "payments.csv", risk.FormatCSV},
		{"", "ledger.XLSX", risk.FormatExcel},
		{"", "wire.htm", risk.FormatHTML},
		{"json", "whatever.txt", risk.FormatJSON},
		{"xlsx", "", risk.FormatExcel},
		{"", "memo.docx", risk.Format("DOCX")},
	}
	for _, tt := range tests {
		t.Run("Given "+tt.declared+" "+tt.file+" When detected Then "+string(tt.want), func(t *testing.T) {
			if got := FormatOf(tt.declared, tt.file); got != tt.want {
				t.Errorf("FormatOf() = %s, want %s", got, tt.want)
			}
		})
	}
}
