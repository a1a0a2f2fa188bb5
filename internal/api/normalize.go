package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sethuramanv/payrecon/internal/domain"
	"github.com/sethuramanv/payrecon/internal/service"
)

// NormalizeEvent maps an arbitrary provider payload onto a CanonicalEvent.
// Providers disagree on field names and some wrap the interesting part under a
// "data" envelope; both shapes are accepted. The full payload is retained
// verbatim in Raw for audit and never interpreted beyond this point.
func NormalizeEvent(body []byte) (domain.CanonicalEvent, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.CanonicalEvent{}, fmt.Errorf("%w: malformed payload", service.ErrInvalidEvent)
	}

	fields := raw
	if data, ok := raw["data"].(map[string]any); ok {
		fields = data
	}

	ev := domain.CanonicalEvent{
		ExternalID:     field(fields, "external_id", "transaction_id", "txn_id"),
		ExternalRefID:  field(fields, "external_ref_id", "reference_id", "ref_id"),
		ProviderStatus: field(fields, "status", "transaction_status"),
		AccountRef:     field(fields, "account_id", "account_ref"),
		Phone:          field(fields, "phone", "msisdn"),
		Note:           field(fields, "note", "narration"),
		Amount:         normalizeAmount(fields["amount"]),
		Raw:            raw,
	}

	if ev.ExternalID == "" || ev.ProviderStatus == "" || !ev.HasAccountHint() {
		return domain.CanonicalEvent{}, fmt.Errorf("%w: external id, status and an account hint are required", service.ErrInvalidEvent)
	}
	if _, ok := domain.ParseStatus(ev.ProviderStatus); !ok {
		return domain.CanonicalEvent{}, fmt.Errorf("%w: unknown status %q", service.ErrInvalidEvent, ev.ProviderStatus)
	}
	return ev, nil
}

// normalizeAmount floors the provider amount toward zero into a non-negative
// integer of minor units. Negative or unparseable input yields 0, never an
// error.
func normalizeAmount(v any) int64 {
	var d decimal.Decimal
	switch t := v.(type) {
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		d = parsed
	case float64:
		d = decimal.NewFromFloat(t)
	default:
		return 0
	}
	if d.IsNegative() {
		return 0
	}
	return d.Floor().IntPart()
}

// field returns the first non-empty value among the given aliases, converting
// bare JSON numbers (some providers send account ids and phones unquoted).
func field(m map[string]any, names ...string) string {
	for _, name := range names {
		switch v := m[name].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}
