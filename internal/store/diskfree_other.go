//go:build !(linux || darwin || freebsd)

package store

func diskFree(string) (uint64, uint64, error) {
	return 0, 0, errFreeSpaceUnsupported
}
