package tabular

// ValueKind classifies a single cell.
type ValueKind uint8

const (
	KindAbsent ValueKind = iota
	KindNumeric
	KindText
)

// Value is one cell resolved against the numeric coercion. Str always holds
// the original text.
type Value struct {
	Kind ValueKind
	Num  float64
	Str  string
}

// resolveColumn classifies every cell of a column once, so type inference and
// the aggregates read the same view.
func resolveColumn(raw []string) []Value {
	values := make([]Value, len(raw))
	for i, s := range raw {
		switch n, ok := ParseNumber(s); {
		case s == "":
			values[i] = Value{Kind: KindAbsent}
		case ok:
			values[i] = Value{Kind: KindNumeric, Num: n, Str: s}
		default:
			values[i] = Value{Kind: KindText, Str: s}
		}
	}
	return values
}
