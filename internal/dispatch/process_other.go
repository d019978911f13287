//go:build !unix

package dispatch

// processAlive cannot tell a dead process apart here, so locks are only
// broken with --force
func processAlive(pid int) bool {
	return true
}
