package binding

// Update is either a literal replacement value or a transform of the
// previous value. The zero Update replaces with the zero value of T.
type Update[T any] struct {
	value     T
	transform func(T) T
}

// Literal returns an Update that replaces the current value with v.
func Literal[T any](v T) Update[T] {
	return Update[T]{value: v}
}

// Transform returns an Update that applies fn to the current value.
func Transform[T any](fn func(T) T) Update[T] {
	return Update[T]{transform: fn}
}

// IsTransform reports whether u applies a function.
func (u Update[T]) IsTransform() bool {
	return u.transform != nil
}

// Apply returns the new value given the previous one.
func (u Update[T]) Apply(prev T) T {
	if u.transform != nil {
		return u.transform(prev)
	}
	return u.value
}
