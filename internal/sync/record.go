package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

// naturalKey tolerates the upstream's habit of sending identifiers as
// either strings or numbers.
type naturalKey string

func (k *naturalKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*k = naturalKey(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*k = naturalKey(n.String())
		return nil
	}
	return fmt.Errorf("natural key is neither string nor number: %s", data)
}

// upstreamTimeLayouts are the timestamp encodings the marketplace emits.
var upstreamTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
}

func parseUpstreamTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range upstreamTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			utc := t.UTC()
			return &utc, nil
		}
	}
	return nil, fmt.Errorf("unrecognized upstream timestamp %q", s)
}

// decodeRecord extracts a record's natural key and modification time
// from a raw upstream item. The payload itself travels verbatim.
func decodeRecord(kind types.Kind, raw json.RawMessage) (types.Record, error) {
	switch kind {
	case types.KindProducts:
		var probe struct {
			SKU        naturalKey `json:"sku"`
			PartNumber naturalKey `json:"part_number"`
			ID         int64      `json:"id"`
			Modified   string     `json:"modified"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return types.Record{}, fmt.Errorf("decode product item: %w", err)
		}
		key := string(probe.SKU)
		if key == "" {
			key = string(probe.PartNumber)
		}
		if key == "" && probe.ID != 0 {
			key = strconv.FormatInt(probe.ID, 10)
		}
		if key == "" {
			return types.Record{}, errors.New("product item has no sku, part_number, or id")
		}
		modified, err := parseUpstreamTime(probe.Modified)
		if err != nil {
			return types.Record{}, err
		}
		return types.Record{Key: key, ModifiedAt: modified, Payload: raw}, nil

	case types.KindOrders:
		var probe struct {
			ID       naturalKey `json:"id"`
			Modified string     `json:"modified"`
			Date     string     `json:"date"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return types.Record{}, fmt.Errorf("decode order item: %w", err)
		}
		if probe.ID == "" {
			return types.Record{}, errors.New("order item has no id")
		}
		ts := probe.Modified
		if ts == "" {
			ts = probe.Date
		}
		modified, err := parseUpstreamTime(ts)
		if err != nil {
			return types.Record{}, err
		}
		return types.Record{Key: string(probe.ID), ModifiedAt: modified, Payload: raw}, nil
	}
	return types.Record{}, fmt.Errorf("unknown record kind %q", kind)
}

// listPath maps a sync kind to its upstream listing endpoint.
func listPath(kind types.Kind) string {
	if kind == types.KindOrders {
		return "order/read"
	}
	return "product_offer/read"
}
