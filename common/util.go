package common

// PanicIfErr panics on a non-nil error, the way the teacher's command
// entry points fail fast on unrecoverable setup errors.
func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}
