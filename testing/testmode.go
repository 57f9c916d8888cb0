// Package testing flags the process as a test run. Blank-import it from a
// test file to keep main() bootstraps inert under `go test`.
package testing

import "os"

func init() {
	_ = os.Setenv("VAULTGRANT_TEST_MODE", "1")
}
