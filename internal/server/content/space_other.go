//go:build !unix

package content

// AvailableSpace is not implemented on this platform.
func (d *Dir) AvailableSpace() (uint64, error) {
	return 0, nil
}
