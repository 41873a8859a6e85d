package cwndlab

//
// Runtime extensions
//

// Must0 panics with err when err is not nil. We use the Must family in
// the command line tool, where a deferred recover tears down the
// topology before exiting.
func Must0(err error) {
	if err != nil {
		panic(err)
	}
}

// Must1 is like [Must0] but also returns value.
func Must1[Type any](value Type, err error) Type {
	Must0(err)
	return value
}

// Must2 is like [Must0] but also returns a and b.
func Must2[A, B any](a A, b B, err error) (A, B) {
	Must0(err)
	return a, b
}
