package scan

// Scanner is a lazy, finite, forward-only sequence of cells. Get returns the
// cell under the cursor without advancing and false once the scanner is
// exhausted. Returned slices are only valid until the next Forward. A read
// failure ends the sequence and is reported by Err.
type Scanner interface {
	Get() (key, value []byte, ok bool)
	Forward()
	Err() error
	Close() error
}

// SliceScanner iterates an already sorted, already filtered slice of cells.
type SliceScanner struct {
	cells []Cell
	pos   int
}

func NewSliceScanner(cells []Cell) *SliceScanner {
	return &SliceScanner{cells: cells}
}

func (s *SliceScanner) Get() ([]byte, []byte, bool) {
	if s.pos >= len(s.cells) {
		return nil, nil, false
	}
	c := s.cells[s.pos]
	return c.Key, c.Value, true
}

func (s *SliceScanner) Forward() {
	if s.pos < len(s.cells) {
		s.pos++
	}
}

func (s *SliceScanner) Err() error   { return nil }
func (s *SliceScanner) Close() error { return nil }

// Collect drains a scanner into a slice of copied cells.
func Collect(s Scanner) ([]Cell, error) {
	var out []Cell
	for {
		k, v, ok := s.Get()
		if !ok {
			break
		}
		out = append(out, Cell{
			Key:   append([]byte(nil), k...),
			Value: append([]byte(nil), v...),
		})
		s.Forward()
	}
	return out, s.Err()
}
