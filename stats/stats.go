// Package stats implements the per-scan statistics cache: a read-through,
// explicitly invalidated memo of placement counts, media value totals and
// share-of-voice ratios, persisted as one JSON blob on the scan record.
//
// Entries never expire on their own. A missing key means "not yet computed",
// never zero; readers compute on miss and write the result back under
// optimistic concurrency control.
package stats

import (
	"github.com/shopspring/decimal"

	"github.com/looperhq/looper/errors"
)

// Kind enumerates the cached statistic kinds. The values double as the JSON
// keys of the persisted blob.
type Kind string

const (
	KindSpotsCount          Kind = "spotsCount"
	KindMediumATFSpotsCount Kind = "mediumAtfSpotsCount"
	KindTrueATFSpotsCount   Kind = "trueAtfSpotsCount"
	KindMPVTotal            Kind = "mpvTotal"
	KindShareOfVoice        Kind = "shareOfVoice"
)

// CountKind reports whether the kind is one of the integer spot counts.
func (k Kind) CountKind() bool {
	switch k {
	case KindSpotsCount, KindMediumATFSpotsCount, KindTrueATFSpotsCount:
		return true
	}
	return false
}

// ErrUndefined marks a statistic with no defined value, such as share of
// voice over a scan with zero spots. Undefined results are absent from the
// cache and from any serialized output; they are never NaN or infinite.
var ErrUndefined = errors.New("statistic undefined")

// ErrWriteBack marks a cache write-back failure. The computed value
// accompanying the error is correct and usable; only persistence failed,
// so the next reader recomputes.
var ErrWriteBack = errors.New("statistics write-back failed")

// Value is one computed statistic. Exactly one of the payload fields is
// meaningful, selected by Kind: Count for the spot counts, Total for
// mpvTotal, Ratio for shareOfVoice.
type Value struct {
	Kind  Kind
	Count int64
	Total decimal.Decimal
	Ratio float64
}
