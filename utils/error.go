package utils

import "errors"

// ErrorRecordNotFound masks absence and cross-tenant access alike: callers
// cannot tell a foreign row from a missing one.
var ErrorRecordNotFound = errors.New("record not found")

// ErrorPanic aborts startup-path work (migrations, seeding) on error.
func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
