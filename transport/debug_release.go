// +build !quicdebug

package transport

// debug is a no-op unless the quicdebug build tag is set, keeping Printf
// argument evaluation (and any heap escapes it causes) out of release
// builds. See debug.go.
func debug(format string, v ...interface{}) {}
