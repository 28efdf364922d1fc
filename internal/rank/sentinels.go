package rank

import "fmt"

// Sentinels controls the literal values written for non-numeric outcomes.
type Sentinels struct {
	NotFound      string
	FailurePrefix string
}

// DefaultSentinels matches the values the tracking sheets already contain.
func DefaultSentinels() Sentinels {
	return Sentinels{
		NotFound:      "圏外",
		FailurePrefix: "取得失敗",
	}
}

var failureLabels = map[FailureReason]string{
	ReasonSelectorTimeout: "タイムアウト",
	ReasonTimeout:         "タイムアウト",
	ReasonNavigation:      "ナビゲーション",
	ReasonExtraction:      "抽出",
	ReasonUnknown:         "エラー",
}

// Value converts an outcome into the literal written to the output cell:
// an int for a found rank, otherwise a sentinel string.
func (s Sentinels) Value(o Outcome) any {
	switch o.Status {
	case StatusFound:
		return o.Position
	case StatusNotFound:
		return s.NotFound
	default:
		label, ok := failureLabels[o.Reason]
		if !ok {
			label = failureLabels[ReasonUnknown]
		}
		return fmt.Sprintf("%s(%s)", s.FailurePrefix, label)
	}
}
