//go:build !linux && !darwin

package diskmonitor

func freeSpace(string) (uint64, error) {
	return 0, ErrUnsupported
}
