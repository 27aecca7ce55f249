//go:build !unix

package fsutil

func freeMB(string) (int64, error) {
	return UnknownFreeMB, nil
}

func syncData(int) error {
	return nil
}
