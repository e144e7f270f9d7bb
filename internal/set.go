package internal

type set[T comparable] map[T]struct{}

func newSet[T comparable](ts ...T) set[T] {
	s := set[T]{}
	for _, t := range ts {
		s[t] = struct{}{}
	}
	return s
}

func (s set[T]) Add(t T) {
	s[t] = struct{}{}
}

func (s set[T]) Has(t T) bool {
	_, ok := s[t]
	return ok
}
