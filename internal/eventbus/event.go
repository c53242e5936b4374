package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrMalformedEvent marks an event that can never dispatch successfully
// no matter how often it is redelivered.
var ErrMalformedEvent = errors.New("malformed job event")

type ContentType string

const (
	ContentDocumentID ContentType = "content_document_id"
	ContentPDFURI     ContentType = "pdf_uri"
	ContentPDFBase64  ContentType = "pdf_base64"
	ContentRawURI     ContentType = "raw_uri"
	ContentRawBase64  ContentType = "raw_base64"
)

type PrinterType string

const (
	PrinterZPL PrinterType = "zpl"
	PrinterRaw PrinterType = "raw"
)

// JobEvent is one decoded print request off the stream. CorrelationID is
// the idempotency key; when the publisher omits one the subscriber
// assigns a fresh uuid, which makes redeliveries of that event distinct
// jobs by design of the upstream contract.
type JobEvent struct {
	EventID       string
	CorrelationID string
	PrinterHost   string
	PrinterPort   int
	PrinterType   PrinterType
	ContentType   ContentType
	Content       string
	JobTitle      string
	Source        string
	Qty           int
	Options       map[string]any
	AuthConfig    map[string]any
	ReplayID      []byte
}

// decodeJobEvent maps a decoded Avro record onto a JobEvent. goavro
// returns optional fields as single-entry union maps, so every field
// goes through unwrapUnion first.
func decodeJobEvent(native any, eventID string, replayID []byte) (*JobEvent, error) {
	record, ok := native.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload is %T, want record", ErrMalformedEvent, native)
	}

	ev := &JobEvent{
		EventID:       eventID,
		CorrelationID: fieldString(record, "Correlation_Id__c"),
		PrinterHost:   fieldString(record, "Printer_Host__c"),
		PrinterPort:   fieldInt(record, "Printer_Port__c"),
		JobTitle:      fieldString(record, "Job_Title__c"),
		Source:        fieldString(record, "Source__c"),
		Qty:           fieldInt(record, "Qty__c"),
		Content:       fieldString(record, "Content__c"),
		ReplayID:      append([]byte(nil), replayID...),
	}

	if ev.PrinterHost == "" {
		return nil, fmt.Errorf("%w: missing Printer_Host__c", ErrMalformedEvent)
	}

	switch pt := PrinterType(strings.ToLower(fieldString(record, "Printer_Type__c"))); pt {
	case "":
		ev.PrinterType = PrinterZPL
	case PrinterZPL, PrinterRaw:
		ev.PrinterType = pt
	default:
		return nil, fmt.Errorf("%w: unknown printer type %q", ErrMalformedEvent, pt)
	}

	ct, err := parseContentType(fieldString(record, "Content_Type__c"))
	if err != nil {
		return nil, err
	}
	ev.ContentType = ct

	if ev.Content == "" {
		return nil, fmt.Errorf("%w: missing Content__c", ErrMalformedEvent)
	}
	if ev.Qty < 1 {
		ev.Qty = 1
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}

	// Options and auth config are free-form JSON blobs; a publisher
	// sending garbage there should not kill the whole job.
	ev.Options = fieldJSON(record, "Options__c")
	ev.AuthConfig = fieldJSON(record, "Auth_Config__c")

	return ev, nil
}

func parseContentType(raw string) (ContentType, error) {
	switch ContentType(strings.ToLower(raw)) {
	case ContentDocumentID, "contentdocumentid":
		return ContentDocumentID, nil
	case ContentPDFURI:
		return ContentPDFURI, nil
	case ContentPDFBase64:
		return ContentPDFBase64, nil
	case ContentRawURI:
		return ContentRawURI, nil
	case ContentRawBase64, "":
		return ContentRawBase64, nil
	default:
		return "", fmt.Errorf("%w: unsupported content type %q", ErrMalformedEvent, raw)
	}
}

// unwrapUnion peels goavro's union encoding, which wraps a present
// optional value as {"string": v} etc.
func unwrapUnion(v any) any {
	if m, ok := v.(map[string]any); ok && len(m) == 1 {
		for _, inner := range m {
			return inner
		}
	}
	return v
}

func fieldString(record map[string]any, name string) string {
	v := unwrapUnion(record[name])
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case []byte:
		return strings.TrimSpace(string(s))
	default:
		return ""
	}
}

func fieldInt(record map[string]any, name string) int {
	v := unwrapUnion(record[name])
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		var parsed int
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%d", &parsed); err == nil {
			return parsed
		}
	}
	return 0
}

func fieldJSON(record map[string]any, name string) map[string]any {
	raw := fieldString(record, name)
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
