package stats

import (
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/looperhq/looper/catalog"
	"github.com/looperhq/looper/errors"
)

func init() {
	// mpvTotal is a bare JSON number in the persisted blob, not a string.
	decimal.MarshalJSONWithoutQuotes = true
}

// entry holds the cached statistics of one scope. Nil fields are uncomputed.
// ShareOfVoice is only ever set on studio and title entries; the global
// ratio is meaningless.
type entry struct {
	SpotsCount          *int64           `json:"spotsCount,omitempty"`
	MediumATFSpotsCount *int64           `json:"mediumAtfSpotsCount,omitempty"`
	TrueATFSpotsCount   *int64           `json:"trueAtfSpotsCount,omitempty"`
	ShareOfVoice        *float64         `json:"shareOfVoice,omitempty"`
	MPVTotal            *decimal.Decimal `json:"mpvTotal,omitempty"`
}

func (e *entry) value(kind Kind) (Value, bool) {
	switch kind {
	case KindSpotsCount:
		if e.SpotsCount != nil {
			return Value{Kind: kind, Count: *e.SpotsCount}, true
		}
	case KindMediumATFSpotsCount:
		if e.MediumATFSpotsCount != nil {
			return Value{Kind: kind, Count: *e.MediumATFSpotsCount}, true
		}
	case KindTrueATFSpotsCount:
		if e.TrueATFSpotsCount != nil {
			return Value{Kind: kind, Count: *e.TrueATFSpotsCount}, true
		}
	case KindMPVTotal:
		if e.MPVTotal != nil {
			return Value{Kind: kind, Total: *e.MPVTotal}, true
		}
	case KindShareOfVoice:
		if e.ShareOfVoice != nil {
			return Value{Kind: kind, Ratio: *e.ShareOfVoice}, true
		}
	}
	return Value{}, false
}

func (e *entry) set(v Value) {
	switch v.Kind {
	case KindSpotsCount:
		count := v.Count
		e.SpotsCount = &count
	case KindMediumATFSpotsCount:
		count := v.Count
		e.MediumATFSpotsCount = &count
	case KindTrueATFSpotsCount:
		count := v.Count
		e.TrueATFSpotsCount = &count
	case KindMPVTotal:
		total := v.Total
		e.MPVTotal = &total
	case KindShareOfVoice:
		ratio := v.Ratio
		e.ShareOfVoice = &ratio
	}
}

func (e *entry) clear(kind Kind) {
	switch kind {
	case KindSpotsCount:
		e.SpotsCount = nil
	case KindMediumATFSpotsCount:
		e.MediumATFSpotsCount = nil
	case KindTrueATFSpotsCount:
		e.TrueATFSpotsCount = nil
	case KindMPVTotal:
		e.MPVTotal = nil
	case KindShareOfVoice:
		e.ShareOfVoice = nil
	}
}

func (e *entry) empty() bool {
	return e.SpotsCount == nil && e.MediumATFSpotsCount == nil &&
		e.TrueATFSpotsCount == nil && e.ShareOfVoice == nil && e.MPVTotal == nil
}

// blob is the persisted cache of one scan: the global entry inline at the
// top level plus per-studio and per-title entries keyed by decimal ID.
type blob struct {
	entry
	Studio map[string]*entry `json:"studio,omitempty"`
	Title  map[string]*entry `json:"title,omitempty"`
}

func parseBlob(raw json.RawMessage) (*blob, error) {
	b := &blob{}
	if len(raw) == 0 {
		return b, nil
	}
	if err := json.Unmarshal(raw, b); err != nil {
		return nil, errors.Wrap(err, "parse statistics blob")
	}
	return b, nil
}

func (b *blob) marshal() (json.RawMessage, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, errors.Wrap(err, "marshal statistics blob")
	}
	return raw, nil
}

func scopeKey(id int64) string { return strconv.FormatInt(id, 10) }

// lookup returns the entry for a scope, or nil if absent. The global entry
// always exists (it is the blob's own fields).
func (b *blob) lookup(scope catalog.SpotScope) *entry {
	switch {
	case scope.StudioID != 0:
		return b.Studio[scopeKey(scope.StudioID)]
	case scope.TitleID != 0:
		return b.Title[scopeKey(scope.TitleID)]
	default:
		return &b.entry
	}
}

// ensure returns the entry for a scope, creating it if needed.
func (b *blob) ensure(scope catalog.SpotScope) *entry {
	switch {
	case scope.StudioID != 0:
		if b.Studio == nil {
			b.Studio = make(map[string]*entry)
		}
		key := scopeKey(scope.StudioID)
		if b.Studio[key] == nil {
			b.Studio[key] = &entry{}
		}
		return b.Studio[key]
	case scope.TitleID != 0:
		if b.Title == nil {
			b.Title = make(map[string]*entry)
		}
		key := scopeKey(scope.TitleID)
		if b.Title[key] == nil {
			b.Title[key] = &entry{}
		}
		return b.Title[key]
	default:
		return &b.entry
	}
}

// drop removes a scoped entry entirely if clearing left it empty.
func (b *blob) drop(scope catalog.SpotScope) {
	switch {
	case scope.StudioID != 0:
		key := scopeKey(scope.StudioID)
		if e, ok := b.Studio[key]; ok && e.empty() {
			delete(b.Studio, key)
		}
		if len(b.Studio) == 0 {
			b.Studio = nil
		}
	case scope.TitleID != 0:
		key := scopeKey(scope.TitleID)
		if e, ok := b.Title[key]; ok && e.empty() {
			delete(b.Title, key)
		}
		if len(b.Title) == 0 {
			b.Title = nil
		}
	}
}
