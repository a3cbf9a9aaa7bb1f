//go:build !unix

package serial

func isVanishedErrno(err error) bool {
	return false
}

func isBusyErrno(err error) bool {
	return false
}
